package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/of"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.DeviceTree.Path != of.DefaultDir || cfg.MemoryDevice != fman.DefaultMemDevice {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.CPU.MasterCore != 0 || cfg.CPU.MaxCores != 0 {
		t.Errorf("cpu = %+v, want master core 0 on all cpus", cfg.CPU)
	}
	pt, err := cfg.PortTable()
	if err != nil || len(pt) != len(fman.DefaultPortTable) {
		t.Errorf("port table = %d entries, err %v", len(pt), err)
	}
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
device-tree:
  path: /boot/board.dtb
  format: fdt
memory-device: /dev/fake-mem
cpu:
  master-core: 0
  max-cores: 4
ports:
  shared-links: true
  extra-offsets:
    - offset: "0xF4000"
      index: 11
logging:
  debug: true
  syslog: ["10.0.0.1", "10.0.0.2:1514"]
  facility: local3
  severity: warning
  event-buffer: 64
  event-log:
    path: /tmp/dpaad/events.log
    max-files: 3
api:
  http-addr: ":9090"
  auth:
    users: {admin: secret}
    api-keys: [k1, k2]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceTree.Format != FormatFDT || cfg.DeviceTree.Path != "/boot/board.dtb" {
		t.Errorf("device tree = %+v", cfg.DeviceTree)
	}
	if cfg.MemoryDevice != "/dev/fake-mem" || cfg.CPU.MasterCore != 0 || cfg.CPU.MaxCores != 4 {
		t.Errorf("mem/cpu = %q %+v", cfg.MemoryDevice, cfg.CPU)
	}
	if !cfg.Ports.SharedLinks {
		t.Error("shared links not set")
	}
	pt, err := cfg.PortTable()
	if err != nil {
		t.Fatal(err)
	}
	if idx, err := pt.Index(0xF4000); err != nil || idx != 11 {
		t.Errorf("extra offset index = %d, %v", idx, err)
	}
	if idx, err := pt.Index(0xE0000); err != nil || idx != 1 {
		t.Errorf("default offset index = %d, %v", idx, err)
	}
	if len(cfg.Logging.Syslog) != 2 || cfg.Logging.EventBuffer != 64 || cfg.Logging.EventLog.MaxFiles != 3 {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Unset fields keep their defaults.
	if cfg.API.HTTPAddr != ":9090" || cfg.API.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("api = %+v", cfg.API)
	}
	keys := cfg.API.Auth.APIKeySet()
	if !keys["k1"] || !keys["k2"] || keys["k3"] {
		t.Errorf("api keys = %v", keys)
	}
	if cfg.API.Auth.Users["admin"] != "secret" {
		t.Errorf("users = %v", cfg.API.Auth.Users)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		invalid bool // ErrInvalid rather than a decode error
	}{
		{"unknown field", "bogus: 1\n", false},
		{"bad format", "device-tree: {format: tarball}\n", true},
		{"empty path", "device-tree: {path: \"\"}\n", true},
		{"negative master core", "cpu: {master-core: -1}\n", true},
		{"negative max cores", "cpu: {max-cores: -1}\n", true},
		{"master core out of range", "cpu: {master-core: 4, max-cores: 4}\n", true},
		{"bad offset", "ports: {extra-offsets: [{offset: zz, index: 1}]}\n", true},
		{"zero index", "ports: {extra-offsets: [{offset: \"0xF4000\", index: 0}]}\n", true},
		{"duplicate offset", "ports: {extra-offsets: [{offset: \"0xF4000\", index: 11}, {offset: \"999424\", index: 12}]}\n", true},
		{"offset overrides default", "ports: {extra-offsets: [{offset: \"0xE0000\", index: 7}]}\n", true},
		{"index used by default", "ports: {extra-offsets: [{offset: \"0xF4000\", index: 3}]}\n", true},
		{"index used twice", "ports: {extra-offsets: [{offset: \"0xF4000\", index: 11}, {offset: \"0xF6000\", index: 11}]}\n", true},
		{"bad severity", "logging: {severity: loud}\n", true},
		{"bad event log severity", "logging: {event-log: {severity: loud}}\n", true},
		{"zero event buffer", "logging: {event-buffer: 0}\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrInvalid); got != tt.invalid {
				t.Errorf("errors.Is(ErrInvalid) = %v, want %v (%v)", got, tt.invalid, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	cfg, err := Load(missing, true)
	if err != nil {
		t.Fatalf("missing with missingOK: %v", err)
	}
	if cfg.API.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("expected defaults, got %+v", cfg.API)
	}
	if _, err := Load(missing, false); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing without missingOK = %v", err)
	}

	path := filepath.Join(dir, "dpaad.yaml")
	if err := os.WriteFile(path, []byte("cpu: {master-core: 1}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CPU.MasterCore != 1 {
		t.Errorf("master core = %d", cfg.CPU.MasterCore)
	}
}

func TestLoadTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "compatible"), []byte("fsl,board\x00"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, format := range []string{FormatAuto, FormatDir} {
		cfg := Default()
		cfg.DeviceTree = DeviceTree{Path: dir, Format: format}
		tree, err := cfg.LoadTree()
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !tree.Root().IsCompatible("fsl,board") {
			t.Errorf("%s: root not loaded", format)
		}
	}

	cfg := Default()
	cfg.DeviceTree = DeviceTree{Path: filepath.Join(dir, "compatible"), Format: FormatFDT}
	if _, err := cfg.LoadTree(); err == nil {
		t.Error("text file parsed as a flattened tree")
	}
}
