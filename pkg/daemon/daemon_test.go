package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/fman/fmantest"
	"github.com/christophefontaine/dpdk/pkg/logging"
)

type nopAffinity struct{}

func (nopAffinity) Pin(int) (func() error, error) { return nil, nil }

// coreAffinity records pinned cores and restores.
type coreAffinity struct {
	mu       sync.Mutex
	cores    []int
	restores int
}

func (a *coreAffinity) Pin(core int) (func() error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cores = append(a.cores, core)
	return func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.restores++
		return nil
	}, nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dpaad.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// testOptions runs against a two-port board with a crypto accelerator
// and two cores. Run replaces the default logger, so it is restored on
// cleanup.
func testOptions(t *testing.T, configFile string) Options {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	tp := fmantest.WithPorts(2)
	tp.SecEra = 8
	tp.Cores = 2
	tree, _ := tp.Build()
	mem := fmantest.NewMem()
	fmantest.SeedRevision(mem, 3)
	return Options{
		ConfigFile: configFile,
		LogOutput:  io.Discard,
		tree:       tree,
		openMem:    mem.Opener(nil),
		affinity:   nopAffinity{},
	}
}

const quietConfig = `
cpu: {max-cores: 2}
api: {http-addr: "", grpc-addr: ""}
`

func TestRunLifecycle(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.log")
	opts := testOptions(t, writeConfig(t, quietConfig+`
logging:
  event-log: {path: `+logPath+`}
`))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var readyState bus.State
	var readyStats bus.Stats
	opts.ready = func(d *Daemon) {
		readyState = d.Bus().State()
		readyStats = d.Bus().Stats()
		cancel()
	}
	d := New(opts)
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if readyState != bus.Ready {
		t.Errorf("state while serving = %v", readyState)
	}
	if want := int64(2 + bus.MaxCryptoDevices); readyStats.Probed != want || readyStats.ProbeFailures != 0 {
		t.Errorf("stats = %+v, want %d probed", readyStats, want)
	}
	if d.Bus().State() != bus.TornDown {
		t.Errorf("state after Run = %v", d.Bus().State())
	}

	drivers := map[string]bool{}
	for _, dev := range d.Bus().Devices() {
		drivers[dev.Driver] = true
	}
	// Teardown clears the device list.
	if len(drivers) != 0 {
		t.Errorf("devices after teardown: %v", drivers)
	}

	kinds := map[string]int{}
	for _, rec := range d.Events().Latest(100) {
		kinds[rec.Kind]++
	}
	if kinds["scan"] != 1 || kinds["probe"] != 2+bus.MaxCryptoDevices || kinds["teardown"] != 1 {
		t.Errorf("events = %v", kinds)
	}
	if kinds["portal-acquire"] != 2 || kinds["portal-release"] != 2 {
		t.Errorf("portal events = %v", kinds)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"probe fm1-mac1", "probe dpaa-sec3", "teardown"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("event log missing %q:\n%s", want, data)
		}
	}
}

func TestNetworkDriverPinsMasterCore(t *testing.T) {
	opts := testOptions(t, writeConfig(t, `
cpu: {max-cores: 2, master-core: 1}
api: {http-addr: "", grpc-addr: ""}
`))
	aff := &coreAffinity{}
	opts.affinity = aff
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts.ready = func(*Daemon) { cancel() }
	if err := New(opts).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	aff.mu.Lock()
	defer aff.mu.Unlock()
	// Port 0 would have resolved to core 0 if the port index were used
	// as a core hint.
	if len(aff.cores) != 2 || aff.cores[0] != 1 || aff.cores[1] != 1 {
		t.Errorf("pinned cores = %v, want [1 1]", aff.cores)
	}
	if aff.restores != len(aff.cores) {
		t.Errorf("restores = %d, want %d", aff.restores, len(aff.cores))
	}
}

func TestRunScanFailure(t *testing.T) {
	opts := testOptions(t, writeConfig(t, quietConfig))
	opts.openMem = func() (fman.PhysMem, error) { return nil, os.ErrPermission }
	opts.ready = func(*Daemon) { t.Error("servers started after a failed scan") }

	d := New(opts)
	err := d.Run(context.Background())
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("Run = %v, want permission error", err)
	}
	if d.Bus().State() != bus.Uninitialized {
		t.Errorf("state = %v", d.Bus().State())
	}
	recs := d.Events().LatestFiltered(10, logging.EventFilter{Kind: "scan-failed"})
	if len(recs) != 1 {
		t.Errorf("scan-failed events = %d", len(recs))
	}
}

func TestRunMissingConfig(t *testing.T) {
	opts := testOptions(t, filepath.Join(t.TempDir(), "absent.yaml"))
	if err := New(opts).Run(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Run = %v, want ErrNotExist", err)
	}
}

func TestRunServerFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	opts := testOptions(t, writeConfig(t, quietConfig))
	opts.GRPCAddr = busy.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := New(opts)
	if err := d.Run(ctx); err == nil || !strings.Contains(err.Error(), "gRPC API") {
		t.Fatalf("Run = %v, want gRPC listen error", err)
	}
	if d.Bus().State() != bus.TornDown {
		t.Errorf("state = %v", d.Bus().State())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `api: {http-addr: "10.0.0.1:80", grpc-addr: "10.0.0.1:50051"}`)
	tests := []struct {
		name               string
		apiAddr, grpcAddr  string
		wantHTTP, wantGRPC string
	}{
		{"config", "", "", "10.0.0.1:80", "10.0.0.1:50051"},
		{"override", ":9000", ":9001", ":9000", ":9001"},
		{"off", Off, Off, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Options{ConfigFile: path, APIAddr: tt.apiAddr, GRPCAddr: tt.grpcAddr, Debug: true})
			cfg, err := d.loadConfig()
			if err != nil {
				t.Fatal(err)
			}
			if cfg.API.HTTPAddr != tt.wantHTTP || cfg.API.GRPCAddr != tt.wantGRPC {
				t.Errorf("addrs = %q %q", cfg.API.HTTPAddr, cfg.API.GRPCAddr)
			}
			if !cfg.Logging.Debug {
				t.Error("debug flag not applied")
			}
		})
	}
}

func TestDriversWithoutHardware(t *testing.T) {
	tree, _ := fmantest.WithPorts(1).Build()
	b := bus.New(bus.Options{Tree: tree})
	ctx := context.Background()

	dev := &bus.Device{Type: bus.Network, Name: "fm1-mac1"}
	if err := (&networkDriver{}).Probe(ctx, b, dev); !errors.Is(err, errNoPortals) {
		t.Errorf("network probe = %v, want errNoPortals", err)
	}
	dev = &bus.Device{Type: bus.Crypto, Name: "dpaa-sec0"}
	if err := (cryptoDriver{}).Probe(ctx, b, dev); !errors.Is(err, errNoSec) {
		t.Errorf("crypto probe = %v, want errNoSec", err)
	}
}
