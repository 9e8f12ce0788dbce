// Package bus discovers DPAA devices from the device tree, binds them and
// dispatches them to registered drivers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/netcfg"
	"github.com/christophefontaine/dpdk/pkg/of"
	"github.com/christophefontaine/dpdk/pkg/portal"
)

// Crypto accelerator node.
const (
	CompatSec  = "fsl,sec-v4.0"
	propSecEra = "fsl,sec-era"

	// MaxCryptoDevices is the number of crypto devices created when the
	// accelerator is present.
	MaxCryptoDevices = 4
)

var (
	// ErrTornDown is returned by operations on a bus after Teardown.
	ErrTornDown = errors.New("bus torn down")

	// ErrNotReady is returned by Probe before a successful Scan.
	ErrNotReady = errors.New("bus not scanned")
)

var tracer = otel.Tracer("github.com/christophefontaine/dpdk/pkg/bus")

// State is the lifecycle state of a Bus.
type State int

const (
	Uninitialized State = iota
	Scanning
	Ready
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Scanning:
		return "scanning"
	case Ready:
		return "ready"
	case TornDown:
		return "torn-down"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Recorder receives bus milestones.
type Recorder interface {
	Record(kind, msg string, attrs ...any)
}

// Options configures a Bus.
type Options struct {
	Tree *of.Tree

	// OpenMem opens the physical memory device. Nil opens MemDevice.
	OpenMem   func() (fman.PhysMem, error)
	MemDevice string

	// Ports overrides fman.DefaultPortTable.
	Ports fman.PortTable

	// SharedLinks enables control of kernel links sharing a port's
	// hardware address.
	SharedLinks bool

	MasterCore int
	NumCores   int
	// Affinity overrides portal.CPUAffinity.
	Affinity portal.Affinity

	Recorder Recorder
}

// Bus is the discovery and probe context. Scan it once, Probe, then
// Teardown. Accessors are safe for concurrent use.
type Bus struct {
	opts Options
	ctl  *fman.Controller

	mu      sync.RWMutex
	state   State
	scanID  uuid.UUID
	cfg     *netcfg.Config
	devices []*Device
	secEra  uint32
	hasSec  bool
	portals *portal.Manager
	drivers map[DeviceType][]Driver

	probed        atomic.Int64
	probeFailures atomic.Int64
}

// New returns an unscanned bus.
func New(opts Options) *Bus {
	if opts.OpenMem == nil {
		dev := opts.MemDevice
		opts.OpenMem = func() (fman.PhysMem, error) { return fman.OpenDevMem(dev) }
	}
	return &Bus{
		opts:    opts,
		ctl:     fman.NewController(opts.Tree, opts.Ports),
		drivers: make(map[DeviceType][]Driver),
	}
}

func (b *Bus) record(kind, msg string, attrs ...any) {
	if b.opts.Recorder != nil {
		b.opts.Recorder.Record(kind, msg, attrs...)
	}
}

// Scan binds every interface, builds the network configuration and the
// device list. Scanning a ready bus does nothing. On failure every
// resource taken by the scan is released and the bus stays unscanned.
func (b *Bus) Scan(ctx context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Ready:
		return nil
	case TornDown:
		return ErrTornDown
	}
	// Also a no-op when the memory device is open.
	if b.ctl.Open() {
		return nil
	}

	b.state = Scanning
	b.scanID = uuid.New()
	ctx, span := tracer.Start(ctx, "bus.scan")
	span.SetAttributes(attribute.String("dpaa.scan_id", b.scanID.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.state = Uninitialized
			b.record("scan-failed", err.Error(), "scan_id", b.scanID.String())
			slog.Error("dpaa bus scan failed", "scan_id", b.scanID, "err", err)
		}
		span.End()
	}()

	if err := b.ctl.Init(ctx, b.opts.OpenMem); err != nil {
		return err
	}
	release := func() {
		if ferr := b.ctl.Finish(); ferr != nil {
			slog.Warn("dpaa bus: release after failed scan", "err", ferr)
		}
	}

	ifs := b.ctl.Interfaces()
	cfg := &netcfg.Config{}
	if len(ifs) > 0 {
		if cfg, err = netcfg.Acquire(ifs, netcfg.Options{Shared: b.opts.SharedLinks}); err != nil {
			release()
			return err
		}
	}

	var devices []*Device
	for i, ifc := range ifs {
		devices = append(devices, &Device{
			ControllerID: int(ifc.ControllerIndex) + 1,
			PortID:       int(ifc.PortIndex),
			Type:         Network,
			Name:         ifc.Name(),
			Index:        len(devices),
			Interface:    ifc,
			Port:         i,
		})
	}

	if secs := b.opts.Tree.FindCompatible(CompatSec); len(secs) > 0 {
		era, eerr := secs[0].Uint32(propSecEra)
		if eerr != nil {
			slog.Warn("dpaa bus: crypto era unreadable", "node", secs[0].FullName, "err", eerr)
		}
		b.secEra, b.hasSec = era, true
		for i := range MaxCryptoDevices {
			devices = append(devices, &Device{
				Type:  Crypto,
				Name:  fmt.Sprintf("dpaa-sec%d", i),
				Index: len(devices),
			})
		}
	}

	pm, err := b.newPortals()
	if err != nil {
		cfg.Release()
		release()
		return err
	}

	b.cfg = cfg
	b.devices = devices
	b.portals = pm
	b.state = Ready

	rev, _ := b.ctl.Revision()
	span.SetAttributes(
		attribute.Int("dpaa.interfaces", len(ifs)),
		attribute.Int("dpaa.devices", len(devices)),
	)
	slog.Info("dpaa bus scanned",
		"scan_id", b.scanID,
		"interfaces", len(ifs),
		"devices", len(devices),
		"fman_major", rev.Major,
		"crypto", b.hasSec)
	if slog.Default().Enabled(ctx, slog.LevelDebug) && cfg.NumPorts > 0 {
		var sb strings.Builder
		cfg.Dump(&sb)
		slog.Debug("dpaa network configuration\n" + sb.String())
	}
	b.record("scan", fmt.Sprintf("%d interfaces, %d devices", len(ifs), len(devices)),
		"scan_id", b.scanID.String())
	return nil
}

func (b *Bus) newPortals() (*portal.Manager, error) {
	mem := b.ctl.Mem()
	bp, err := portal.DiscoverPool(b.opts.Tree, "bman", portal.CompatBManPortal, mem)
	if err != nil {
		return nil, err
	}
	qp, err := portal.DiscoverPool(b.opts.Tree, "qman", portal.CompatQManPortal, mem)
	if err != nil {
		return nil, err
	}
	return portal.NewManager(portal.Options{
		MasterCore: b.opts.MasterCore,
		NumCores:   b.opts.NumCores,
		Affinity:   b.opts.Affinity,
		BMan:       bp,
		QMan:       qp,
		Notify: func(kind string, h portal.Handle) {
			b.record("portal-"+kind, fmt.Sprintf("thread %d core %d", h.TID, h.Core),
				"bportal", h.BPortal, "qportal", h.QPortal)
		},
	})
}

// Register adds a driver. Drivers of the same type are tried in
// registration order.
func (b *Bus) Register(drv Driver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drivers[drv.Type()] = append(b.drivers[drv.Type()], drv)
}

// Unregister removes the driver registered under name.
func (b *Bus) Unregister(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, list := range b.drivers {
		for i, d := range list {
			if d.Name() == name {
				b.drivers[t] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Probe hands each device to the first registered driver of its type.
// Devices without a driver are skipped. A failing probe is logged and
// counted; the remaining devices are still probed.
func (b *Bus) Probe(ctx context.Context) error {
	b.mu.RLock()
	state := b.state
	devices := b.devices
	drivers := make(map[DeviceType]Driver, len(b.drivers))
	for t, list := range b.drivers {
		if len(list) > 0 {
			drivers[t] = list[0]
		}
	}
	b.mu.RUnlock()

	switch state {
	case TornDown:
		return ErrTornDown
	case Ready:
	default:
		return ErrNotReady
	}

	for _, dev := range devices {
		drv, ok := drivers[dev.Type]
		if !ok {
			continue
		}
		pctx, span := tracer.Start(ctx, "bus.probe")
		span.SetAttributes(
			attribute.String("dpaa.device", dev.Name),
			attribute.String("dpaa.driver", drv.Name()),
		)
		if err := drv.Probe(pctx, b, dev); err != nil {
			b.probeFailures.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("dpaa probe failed", "device", dev.Name, "driver", drv.Name(), "err", err)
			b.record("probe-failed", err.Error(), "device", dev.Name, "driver", drv.Name())
		} else {
			b.mu.Lock()
			dev.Driver = drv.Name()
			b.mu.Unlock()
			b.probed.Add(1)
			slog.Info("dpaa device probed", "device", dev.Name, "driver", drv.Name())
			b.record("probe", dev.Name, "driver", drv.Name())
		}
		span.End()
	}
	return nil
}

// Teardown releases leftover portals, the network configuration, every
// interface mapping and the memory device. It is idempotent.
func (b *Bus) Teardown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == TornDown {
		return nil
	}
	_, span := tracer.Start(ctx, "bus.teardown")
	defer span.End()

	var errs []error
	if b.portals != nil {
		if err := b.portals.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.cfg.Release()
	if err := b.ctl.Finish(); err != nil {
		errs = append(errs, err)
	}
	b.cfg = nil
	b.devices = nil
	b.portals = nil
	b.state = TornDown
	slog.Info("dpaa bus torn down", "scan_id", b.scanID)
	b.record("teardown", "bus released", "scan_id", b.scanID.String())
	return errors.Join(errs...)
}

// State returns the lifecycle state.
func (b *Bus) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// ScanID identifies the last scan.
func (b *Bus) ScanID() uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanID
}

// Interfaces returns the bound interfaces in discovery order.
func (b *Bus) Interfaces() []*fman.Interface {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctl.Interfaces()
}

// NetworkConfig returns the configuration built by the last scan, or nil.
func (b *Bus) NetworkConfig() *netcfg.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Devices returns a snapshot of the device list.
func (b *Bus) Devices() []Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Device, len(b.devices))
	for i, d := range b.devices {
		out[i] = *d
	}
	return out
}

// SecEra returns the crypto accelerator era and whether one was found.
func (b *Bus) SecEra() (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.secEra, b.hasSec
}

// Revision returns the cached controller revision.
func (b *Bus) Revision() (fman.Revision, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctl.Revision()
}

// Portals returns the portal manager, nil before a scan.
func (b *Bus) Portals() *portal.Manager {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.portals
}

// Stats reports probe counters.
type Stats struct {
	Probed        int64
	ProbeFailures int64
}

// Stats returns the probe counters.
func (b *Bus) Stats() Stats {
	return Stats{Probed: b.probed.Load(), ProbeFailures: b.probeFailures.Load()}
}

// Drivers returns the registered driver names by type.
func (b *Bus) Drivers() map[DeviceType][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[DeviceType][]string, len(b.drivers))
	for t, list := range b.drivers {
		for _, d := range list {
			out[t] = append(out[t], d.Name())
		}
	}
	return out
}
