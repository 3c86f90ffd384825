package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := readConfig(&buf)
	if err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if c.StringLimit() != DefaultMaxStringLen || c.GFNCache() != DefaultGFNCacheSize || c.V2PCache() != DefaultV2PCacheSize {
		t.Errorf("limits = %d %d %d", c.StringLimit(), c.GFNCache(), c.V2PCache())
	}
	if c.IterHops() != DefaultMaxIterHops || c.IterErrors() != DefaultMaxIterErrors {
		t.Errorf("iterator bounds = %d %d", c.IterHops(), c.IterErrors())
	}
	if c.GdbstubAddr() != DefaultGdbstubAddr {
		t.Errorf("GdbstubAddr() = %q", c.GdbstubAddr())
	}
	if d, err := c.ConnectTimeout(); err != nil || d != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout() = %v, %v", d, err)
	}
}

func TestLoadConfigFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	data := `
aliases:
  translate: ["t", "v2p"]
max-string-len: 128
gfn-cache-size: 0
max-iter-hops: 100
offsets-dir: ` + dir + `
gdbstub:
  addr: 10.0.0.2:1234
  connect-timeout: 2s
disassemble-flavor: gnu
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if got := c.Aliases["translate"]; len(got) != 2 || got[1] != "v2p" {
		t.Errorf("Aliases = %v", c.Aliases)
	}
	if c.StringLimit() != 128 || c.GFNCache() != 0 || c.V2PCache() != DefaultV2PCacheSize || c.IterHops() != 100 {
		t.Errorf("limits = %d %d %d %d", c.StringLimit(), c.GFNCache(), c.V2PCache(), c.IterHops())
	}
	if c.GdbstubAddr() != "10.0.0.2:1234" {
		t.Errorf("GdbstubAddr() = %q", c.GdbstubAddr())
	}
	if d, _ := c.ConnectTimeout(); d != 2*time.Second {
		t.Errorf("ConnectTimeout() = %v", d)
	}
	if c.DisassembleFlavor != "gnu" {
		t.Errorf("DisassembleFlavor = %q", c.DisassembleFlavor)
	}

	profile := filepath.Join(dir, "linux-6.8.toml")
	if err := os.WriteFile(profile, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := c.OffsetsPath("linux-6.8"); got != profile {
		t.Errorf("OffsetsPath(linux-6.8) = %q; want %q", got, profile)
	}
	if got := c.OffsetsPath("missing"); got != "missing" {
		t.Errorf("OffsetsPath(missing) = %q", got)
	}
}

func TestBadConfig(t *testing.T) {
	for _, data := range []string{
		"gdbstub:\n  connect-timeout: soon\n",
		"disassemble-flavor: att\n",
		"max-string-len: [1, 2]\n",
	} {
		if _, err := readConfig(strings.NewReader(data)); err == nil {
			t.Errorf("readConfig(%q) succeeded", data)
		}
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	p, err := GetConfigFilePath("config.yml")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/tmp/xdg", "vmi", "config.yml"); p != want {
		t.Errorf("GetConfigFilePath = %q; want %q", p, want)
	}
}
