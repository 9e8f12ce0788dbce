// Package daemon implements the dpaad daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/christophefontaine/dpdk/pkg/api"
	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/config"
	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/grpcapi"
	"github.com/christophefontaine/dpdk/pkg/logging"
	"github.com/christophefontaine/dpdk/pkg/of"
	"github.com/christophefontaine/dpdk/pkg/portal"
)

// Off disables a server when given as a listen address.
const Off = "off"

// Options configures the daemon.
type Options struct {
	ConfigFile string

	// APIAddr and GRPCAddr override the configured listen addresses.
	APIAddr  string
	GRPCAddr string

	Debug   bool
	Version string

	// LogOutput receives log lines. Nil means os.Stderr.
	LogOutput io.Writer

	// Test hooks.
	tree     *of.Tree
	openMem  func() (fman.PhysMem, error)
	affinity portal.Affinity
	ready    func(*Daemon)
}

// Daemon is the main dpaad daemon.
type Daemon struct {
	opts   Options
	cfg    *config.Config
	bus    *bus.Bus
	events *logging.EventBuffer
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	return &Daemon{opts: opts}
}

// Bus returns the bus, nil until Run has built it.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Events returns the event buffer, nil until Run has built it.
func (d *Daemon) Events() *logging.EventBuffer { return d.events }

func (d *Daemon) loadConfig() (*config.Config, error) {
	// Only the default file may be absent.
	cfg, err := config.Load(d.opts.ConfigFile, d.opts.ConfigFile == config.DefaultPath)
	if err != nil {
		return nil, err
	}
	if d.opts.Debug {
		cfg.Logging.Debug = true
	}
	for _, o := range []struct {
		flag string
		addr *string
	}{
		{d.opts.APIAddr, &cfg.API.HTTPAddr},
		{d.opts.GRPCAddr, &cfg.API.GRPCAddr},
	} {
		switch o.flag {
		case "":
		case Off:
			*o.addr = ""
		default:
			*o.addr = o.flag
		}
	}
	return cfg, nil
}

// Run scans and probes the bus, serves the APIs and blocks until ctx is
// cancelled or a signal arrives. The bus is torn down before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	d.cfg = cfg

	logh := logging.Setup(d.opts.LogOutput, logging.Options{
		Debug:       cfg.Logging.Debug,
		JSON:        cfg.Logging.JSON,
		Syslog:      cfg.Logging.Syslog,
		Facility:    cfg.Logging.Facility,
		MinSeverity: cfg.Logging.Severity,
	})
	defer logh.Close()

	slog.Info("starting dpaad",
		"config", d.opts.ConfigFile,
		"version", d.opts.Version,
		"pid", os.Getpid())

	d.events = logging.NewEventBuffer(cfg.Logging.EventBuffer)
	if el := cfg.Logging.EventLog; el != nil {
		evlog, err := logging.OpenEventLog(logging.EventLogConfig{
			Path:     el.Path,
			MaxSize:  el.MaxSize,
			MaxFiles: el.MaxFiles,
		})
		if err != nil {
			slog.Warn("event log disabled", "err", err)
		} else {
			evlog.MinSeverity = logging.ParseSeverity(el.Severity)
			d.events.SetLog(evlog)
			defer evlog.Close()
			slog.Info("event log opened", "path", evlog.Path())
		}
	}

	tree := d.opts.tree
	if tree == nil {
		if tree, err = cfg.LoadTree(); err != nil {
			return fmt.Errorf("device tree: %w", err)
		}
	}
	ports, err := cfg.PortTable()
	if err != nil {
		return err
	}
	d.bus = bus.New(bus.Options{
		Tree:        tree,
		OpenMem:     d.opts.openMem,
		MemDevice:   cfg.MemoryDevice,
		Ports:       ports,
		SharedLinks: cfg.Ports.SharedLinks,
		MasterCore:  cfg.CPU.MasterCore,
		NumCores:    cfg.CPU.MaxCores,
		Affinity:    d.opts.affinity,
		Recorder:    d.events,
	})
	d.bus.Register(&networkDriver{shared: cfg.Ports.SharedLinks})
	d.bus.Register(cryptoDriver{})

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.bus.Scan(ctx); err != nil {
		return fmt.Errorf("bus scan: %w", err)
	}
	defer func() {
		if err := d.bus.Teardown(context.Background()); err != nil {
			slog.Warn("bus teardown failed", "err", err)
		}
		st := d.bus.Stats()
		slog.Info("final statistics", "probed", st.Probed, "probe_failures", st.ProbeFailures)
	}()
	if err := d.bus.Probe(ctx); err != nil {
		return fmt.Errorf("bus probe: %w", err)
	}

	// WaitGroup for coordinated shutdown of the API servers
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if addr := cfg.API.HTTPAddr; addr != "" {
		var auth *api.AuthConfig
		if a := cfg.API.Auth; a != nil {
			auth = &api.AuthConfig{Users: a.Users, APIKeys: a.APIKeySet()}
		}
		srv := api.NewServer(api.Config{
			Addr:     addr,
			Auth:     auth,
			Bus:      d.bus,
			EventBuf: d.events,
		})
		start("HTTP API", srv.Run)
	}
	if addr := cfg.API.GRPCAddr; addr != "" {
		srv := grpcapi.NewServer(addr, grpcapi.Config{
			Bus:      d.bus,
			EventBuf: d.events,
			Version:  d.opts.Version,
		})
		start("gRPC API", srv.Run)
	}

	if d.opts.ready != nil {
		d.opts.ready(d)
	}

	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("server failed, shutting down", "err", runErr)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop the servers, then wait for them.
	stop()
	wg.Wait()

	slog.Info("shutdown complete")
	return runErr
}
