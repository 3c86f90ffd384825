package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The OS and logging flags stay on the root command so that
//
//	vmi --os windows --offsets win10 core guest.dump
//
// parses the same way for every driver, even though they mean nothing to
// 'version' or the help topics.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "vmi", "help", "version", "drivers":
		hideAllFlags(cmd)
	case "log":
		hideFlag(cmd, "init")
		hideFlag(cmd, "offsets")
		hideFlag(cmd, "os")
		hideFlag(cmd, "kernel-base")
		hideFlag(cmd, "no-cache")
	case "connect", "xen", "core":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
