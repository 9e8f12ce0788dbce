package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/portal"
)

// Built-in driver names.
const (
	NetworkDriverName = "net_dpaa"
	CryptoDriverName  = "crypto_dpaa_sec"
)

var (
	errNoPortals = errors.New("portal manager not available")
	errNoSec     = errors.New("crypto accelerator not present")
)

// networkDriver checks that a portal can be taken on the master core and
// brings the shared kernel link up.
type networkDriver struct {
	shared bool
}

func (*networkDriver) Name() string { return NetworkDriverName }
func (*networkDriver) Type() bus.DeviceType { return bus.Network }

func (n *networkDriver) Probe(_ context.Context, b *bus.Bus, dev *bus.Device) error {
	pm := b.Portals()
	if pm == nil {
		return errNoPortals
	}
	err := pm.Do(portal.MasterCore, func(h *portal.Handle) error {
		slog.Debug("net_dpaa: portal ready",
			"device", dev.Name,
			"core", h.Core,
			"bportal", h.BPortal,
			"qportal", h.QPortal)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", dev.Name, err)
	}

	if !n.shared {
		return nil
	}
	cfg := b.NetworkConfig()
	if cfg == nil || dev.Port >= len(cfg.Ports) || cfg.Ports[dev.Port].SharedLink == "" {
		return nil
	}
	// A link that cannot be raised leaves the port usable.
	if err := cfg.SetLinkUp(dev.Port, true); err != nil {
		slog.Warn("net_dpaa: shared link not raised", "device", dev.Name, "err", err)
	}
	return nil
}

type cryptoDriver struct{}

func (cryptoDriver) Name() string { return CryptoDriverName }
func (cryptoDriver) Type() bus.DeviceType { return bus.Crypto }

func (cryptoDriver) Probe(_ context.Context, b *bus.Bus, dev *bus.Device) error {
	era, ok := b.SecEra()
	if !ok {
		return errNoSec
	}
	slog.Info("crypto device ready", "device", dev.Name, "era", era)
	return nil
}
