// Package config loads the dpaad YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/logging"
	"github.com/christophefontaine/dpdk/pkg/of"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "/etc/dpaad/dpaad.yaml"

// Device tree formats.
const (
	FormatAuto = "auto"
	FormatDir  = "dir"
	FormatFDT  = "fdt"
)

// ErrInvalid marks a configuration that parsed but failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	DeviceTree   DeviceTree `yaml:"device-tree"`
	MemoryDevice string     `yaml:"memory-device"`
	CPU          CPU        `yaml:"cpu"`
	Ports        Ports      `yaml:"ports"`
	Logging      Logging    `yaml:"logging"`
	API          API        `yaml:"api"`
}

// DeviceTree selects the hardware description source.
type DeviceTree struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // auto, dir or fdt
}

// CPU bounds portal placement.
type CPU struct {
	MasterCore int `yaml:"master-core"`
	MaxCores   int `yaml:"max-cores"` // 0 = all online cpus
}

// PortOffset adds a MAC register offset to the port table.
type PortOffset struct {
	Offset string `yaml:"offset"` // hex or decimal
	Index  uint8  `yaml:"index"`
}

// Ports configures interface binding.
type Ports struct {
	ExtraOffsets []PortOffset `yaml:"extra-offsets"`
	// SharedLinks enables control of the kernel links that share a
	// hardware address with a bound port.
	SharedLinks bool `yaml:"shared-links"`
}

// EventLog configures the on-disk event log.
type EventLog struct {
	Path     string `yaml:"path"`
	MaxSize  int64  `yaml:"max-size"`
	MaxFiles int    `yaml:"max-files"`
	Severity string `yaml:"severity"`
}

// Logging configures log output.
type Logging struct {
	Debug       bool      `yaml:"debug"`
	JSON        bool      `yaml:"json"`
	Syslog      []string  `yaml:"syslog"`
	Facility    string    `yaml:"facility"`
	Severity    string    `yaml:"severity"`
	EventBuffer int       `yaml:"event-buffer"`
	EventLog    *EventLog `yaml:"event-log"` // nil = disabled
}

// Auth holds API credentials.
type Auth struct {
	Users   map[string]string `yaml:"users"`
	APIKeys []string          `yaml:"api-keys"`
}

// API configures the management endpoints.
type API struct {
	HTTPAddr string `yaml:"http-addr"`
	GRPCAddr string `yaml:"grpc-addr"`
	Auth     *Auth  `yaml:"auth"` // nil = no authentication
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DeviceTree:   DeviceTree{Path: of.DefaultDir, Format: FormatAuto},
		MemoryDevice: fman.DefaultMemDevice,
		Logging:      Logging{Facility: "daemon", EventBuffer: 1000},
		API: API{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:50051",
		},
	}
}

// Load reads and validates the file at path. A missing file yields the
// defaults when missingOK is set.
func Load(path string, missingOK bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if missingOK && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	switch c.DeviceTree.Format {
	case "", FormatAuto, FormatDir, FormatFDT:
	default:
		return fmt.Errorf("device-tree format %q: %w", c.DeviceTree.Format, ErrInvalid)
	}
	if c.DeviceTree.Path == "" {
		return fmt.Errorf("device-tree path empty: %w", ErrInvalid)
	}
	if c.CPU.MasterCore < 0 {
		return fmt.Errorf("master-core %d: %w", c.CPU.MasterCore, ErrInvalid)
	}
	if c.CPU.MaxCores < 0 {
		return fmt.Errorf("max-cores %d: %w", c.CPU.MaxCores, ErrInvalid)
	}
	if c.CPU.MaxCores > 0 && c.CPU.MasterCore >= c.CPU.MaxCores {
		return fmt.Errorf("master-core %d outside %d cores: %w", c.CPU.MasterCore, c.CPU.MaxCores, ErrInvalid)
	}
	if _, err := c.PortTable(); err != nil {
		return err
	}
	for _, sev := range []string{c.Logging.Severity, c.eventLogSeverity()} {
		if sev != "" && logging.ParseSeverity(sev) == 0 {
			return fmt.Errorf("severity %q: %w", sev, ErrInvalid)
		}
	}
	if c.Logging.EventBuffer < 1 {
		return fmt.Errorf("event-buffer %d: %w", c.Logging.EventBuffer, ErrInvalid)
	}
	return nil
}

func (c *Config) eventLogSeverity() string {
	if c.Logging.EventLog == nil {
		return ""
	}
	return c.Logging.EventLog.Severity
}

// PortTable returns the default port table extended with the configured
// offsets.
func (c *Config) PortTable() (fman.PortTable, error) {
	if len(c.Ports.ExtraOffsets) == 0 {
		return fman.DefaultPortTable, nil
	}
	extra := make(fman.PortTable, len(c.Ports.ExtraOffsets))
	for _, p := range c.Ports.ExtraOffsets {
		off, err := strconv.ParseUint(strings.TrimSpace(p.Offset), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("port offset %q: %w", p.Offset, ErrInvalid)
		}
		if p.Index == 0 {
			return nil, fmt.Errorf("port offset %#x: index must be non-zero: %w", off, ErrInvalid)
		}
		if _, dup := extra[off]; dup {
			return nil, fmt.Errorf("port offset %#x listed twice: %w", off, ErrInvalid)
		}
		extra[off] = p.Index
	}
	t, err := fman.DefaultPortTable.With(extra)
	if err != nil {
		return nil, fmt.Errorf("ports: %w: %w", ErrInvalid, err)
	}
	return t, nil
}

// LoadTree reads the device tree named by the configuration.
func (c *Config) LoadTree() (*of.Tree, error) {
	switch c.DeviceTree.Format {
	case FormatDir:
		return of.LoadDir(c.DeviceTree.Path)
	case FormatFDT:
		return of.LoadFDT(c.DeviceTree.Path)
	}
	return of.Load(c.DeviceTree.Path)
}

// APIKeySet returns the API keys as a set.
func (a *Auth) APIKeySet() map[string]bool {
	keys := make(map[string]bool, len(a.APIKeys))
	for _, k := range a.APIKeys {
		keys[k] = true
	}
	return keys
}
