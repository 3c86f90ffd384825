package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// BuildInfo describes the binary: the Go version, the VCS state it was
// built from and the modules linked into it.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version() + "\nnot built in module mode\n"
	}
	return runtime.Version() + "\n" + formatBuildInfo(info)
}

func formatBuildInfo(info *debug.BuildInfo) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, key := range []string{"vcs.revision", "vcs.time", "vcs.modified"} {
		if v := vcsSetting(info, key); v != "" {
			fmt.Fprintf(&buf, " %s\t%s\n", key, v)
		}
	}
	for _, dep := range info.Deps {
		fmt.Fprintf(&buf, " dep\t%s\t%s\t%s", dep.Path, dep.Version, dep.Sum)
		if dep.Replace != nil {
			fmt.Fprintf(&buf, "\t=> %s\t%s\t%s", dep.Replace.Path, dep.Replace.Version, dep.Replace.Sum)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

func vcsSetting(info *debug.BuildInfo, key string) string {
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// fixBuild fills in v.Build from the VCS revision recorded by the Go
// toolchain, unless it was set at link time.
func fixBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if rev := vcsSetting(info, "vcs.revision"); rev != "" {
		v.Build = rev
		if vcsSetting(info, "vcs.modified") == "true" {
			v.Build += "-dirty"
		}
	}
}
