package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "vmi"
	configFile string = "config.yml"
)

// Defaults used for options missing from the config file.
const (
	DefaultMaxStringLen   = 4096
	DefaultGFNCacheSize   = 8192
	DefaultV2PCacheSize   = 8192
	DefaultMaxIterHops    = 65536
	DefaultMaxIterErrors  = 16
	DefaultGdbstubAddr    = "localhost:1234"
	DefaultConnectTimeout = 10 * time.Second
)

// GdbstubConfig configures the connection to a gdbstub.
type GdbstubConfig struct {
	// Addr is the address the stub listens on.
	Addr string `yaml:"addr,omitempty"`
	// ConnectTimeout bounds how long connecting is retried, as a
	// duration string such as "10s".
	ConnectTimeout string `yaml:"connect-timeout,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxStringLen is the maximum number of bytes read by bounded string
	// reads.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`

	// GFNCacheSize and V2PCacheSize are the number of entries of the page
	// cache and of the translation cache of sessions. Zero disables the
	// cache.
	GFNCacheSize *int `yaml:"gfn-cache-size,omitempty"`
	V2PCacheSize *int `yaml:"v2p-cache-size,omitempty"`

	// MaxIterHops bounds the number of elements an iterator visits before
	// declaring the structure corrupted.
	MaxIterHops *int `yaml:"max-iter-hops,omitempty"`
	// MaxIterErrors is the number of per element errors after which an
	// iterator gives up.
	MaxIterErrors *int `yaml:"max-iter-errors,omitempty"`

	// OffsetsDir is searched for offset profiles given by name.
	OffsetsDir string `yaml:"offsets-dir,omitempty"`

	Gdbstub GdbstubConfig `yaml:"gdbstub"`

	// DisassembleFlavor is the syntax used by the disassemble command,
	// one of intel or gnu.
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// StringLimit returns the configured maximum string length.
func (c *Config) StringLimit() int { return intOr(c.MaxStringLen, DefaultMaxStringLen) }

// GFNCache returns the configured page cache size.
func (c *Config) GFNCache() int { return intOr(c.GFNCacheSize, DefaultGFNCacheSize) }

// V2PCache returns the configured translation cache size.
func (c *Config) V2PCache() int { return intOr(c.V2PCacheSize, DefaultV2PCacheSize) }

// IterHops returns the configured iterator hop bound.
func (c *Config) IterHops() int { return intOr(c.MaxIterHops, DefaultMaxIterHops) }

// IterErrors returns the configured iterator error bound.
func (c *Config) IterErrors() int { return intOr(c.MaxIterErrors, DefaultMaxIterErrors) }

// GdbstubAddr returns the configured gdbstub address.
func (c *Config) GdbstubAddr() string {
	if c.Gdbstub.Addr == "" {
		return DefaultGdbstubAddr
	}
	return c.Gdbstub.Addr
}

// ConnectTimeout returns the configured gdbstub connection timeout.
func (c *Config) ConnectTimeout() (time.Duration, error) {
	if c.Gdbstub.ConnectTimeout == "" {
		return DefaultConnectTimeout, nil
	}
	d, err := time.ParseDuration(c.Gdbstub.ConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("gdbstub.connect-timeout: %v", err)
	}
	return d, nil
}

// OffsetsPath resolves the offset profile name. Names that are not found
// as given are looked up in OffsetsDir, with and without a .toml
// extension.
func (c *Config) OffsetsPath(name string) string {
	if _, err := os.Stat(name); err == nil || c.OffsetsDir == "" || filepath.IsAbs(name) {
		return name
	}
	for _, candidate := range []string{name, name + ".toml"} {
		p := filepath.Join(c.OffsetsDir, candidate)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return name
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the config file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if _, err := c.ConnectTimeout(); err != nil {
		return nil, err
	}
	switch c.DisassembleFlavor {
	case "", "intel", "gnu":
	default:
		return nil, fmt.Errorf("disassemble-flavor: unknown flavor %q", c.DisassembleFlavor)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for vmi.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of bytes read by bounded string reads.
# max-string-len: 4096

# Number of guest frames and of address translations kept in the session
# caches, 0 disables a cache.
# gfn-cache-size: 8192
# v2p-cache-size: 8192

# Bounds of the walks over guest kernel structures.
# max-iter-hops: 65536
# max-iter-errors: 16

# Directory searched for offset profiles passed by name to --offsets.
# offsets-dir: ~/.config/vmi/offsets

gdbstub:
  # addr: localhost:1234
  # connect-timeout: 10s

# Syntax of the disassemble command, intel or gnu.
# disassemble-flavor: intel
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// The directory is $XDG_CONFIG_HOME/vmi, or the vmi directory of the user
// configuration directory of the platform.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDir, file), nil
}
