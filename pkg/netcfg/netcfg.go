// Package netcfg builds the per-scan network configuration from bound
// FMan interfaces and, optionally, controls the kernel links that share
// a port's hardware address.
package netcfg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vishvananda/netlink"

	"github.com/christophefontaine/dpdk/pkg/fman"
)

var (
	// ErrNoPorts is returned by Acquire when no interface was bound.
	ErrNoPorts = errors.New("ports not available")

	// ErrNoSharedLink is returned when a port has no kernel link to control.
	ErrNoSharedLink = errors.New("no shared kernel link")
)

// linkHandle abstracts the netlink.Handle calls used for shared links.
type linkHandle interface {
	LinkList() ([]netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	Delete()
}

// PortConfig describes one port of the configuration.
type PortConfig struct {
	Interface     *fman.Interface
	RxDefaultFQID uint32
	// SharedLink names the kernel link carrying the same hardware
	// address, empty when there is none or sharing is off.
	SharedLink string

	link netlink.Link
}

// Options controls Acquire.
type Options struct {
	// Shared enables kernel link correlation and control.
	Shared bool

	// newHandle overrides netlink.NewHandle in tests.
	newHandle func() (linkHandle, error)
}

// Config is the network configuration of one scan. It is read-only once
// returned by Acquire.
type Config struct {
	NumPorts int
	Ports    []PortConfig

	nl linkHandle
}

func defaultHandle() (linkHandle, error) {
	return netlink.NewHandle()
}

// Acquire builds a Config over ifs, in order.
func Acquire(ifs []*fman.Interface, opts Options) (*Config, error) {
	if len(ifs) == 0 {
		return nil, fmt.Errorf("netcfg: %w", ErrNoPorts)
	}
	cfg := &Config{
		NumPorts: len(ifs),
		Ports:    make([]PortConfig, len(ifs)),
	}
	for i, ifc := range ifs {
		cfg.Ports[i] = PortConfig{Interface: ifc, RxDefaultFQID: ifc.FQIDRxDefault}
	}
	if !opts.Shared {
		return cfg, nil
	}

	newHandle := opts.newHandle
	if newHandle == nil {
		newHandle = defaultHandle
	}
	h, err := newHandle()
	if err != nil {
		return nil, fmt.Errorf("netcfg: open netlink handle: %w", err)
	}
	links, err := h.LinkList()
	if err != nil {
		h.Delete()
		return nil, fmt.Errorf("netcfg: list links: %w", err)
	}
	byMAC := make(map[string]netlink.Link, len(links))
	for _, l := range links {
		if hw := l.Attrs().HardwareAddr; len(hw) == 6 {
			byMAC[hw.String()] = l
		}
	}
	for i := range cfg.Ports {
		p := &cfg.Ports[i]
		l, ok := byMAC[p.Interface.MACAddr.String()]
		if !ok {
			continue
		}
		p.link = l
		p.SharedLink = l.Attrs().Name
		slog.Debug("netcfg: shared link", "port", p.Interface.Name(), "link", p.SharedLink)
	}
	cfg.nl = h
	return cfg, nil
}

// SetLinkUp brings the kernel link shared with port i up or down.
func (c *Config) SetLinkUp(i int, up bool) error {
	if i < 0 || i >= len(c.Ports) {
		return fmt.Errorf("netcfg: port %d out of range", i)
	}
	p := c.Ports[i]
	if c.nl == nil || p.link == nil {
		return fmt.Errorf("netcfg: port %s: %w", p.Interface.Name(), ErrNoSharedLink)
	}
	var err error
	if up {
		err = c.nl.LinkSetUp(p.link)
	} else {
		err = c.nl.LinkSetDown(p.link)
	}
	if err != nil {
		return fmt.Errorf("netcfg: set %s up=%v: %w", p.SharedLink, up, err)
	}
	return nil
}

// Release closes the shared-link control handle. It is safe to call more
// than once.
func (c *Config) Release() {
	if c == nil || c.nl == nil {
		return
	}
	c.nl.Delete()
	c.nl = nil
}

// Dump writes a human-readable description of the configuration.
func (c *Config) Dump(w io.Writer) {
	fmt.Fprintf(w, "DPAA network configuration: %d port(s)\n", c.NumPorts)
	for _, p := range c.Ports {
		ifc := p.Interface
		kind := "dtsec"
		switch {
		case ifc.IsMEMAC:
			kind = "memac"
		case ifc.MACType == fman.MAC10G:
			kind = "tgec"
		}
		fmt.Fprintf(w, "\n%s  %s %s  %s\n", ifc.Name(), kind, ifc.MACType, ifc.MACAddr)
		fmt.Fprintf(w, "  node:        %s\n", ifc.NodePath)
		if ifc.IsRGMII {
			fmt.Fprintf(w, "  phy:         rgmii\n")
		}
		fmt.Fprintf(w, "  tx channel:  %#x\n", ifc.TxChannelID)
		fmt.Fprintf(w, "  rx fqid:     default %#x error %#x\n", p.RxDefaultFQID, ifc.FQIDRxError)
		fmt.Fprintf(w, "  tx fqid:     confirm %#x error %#x\n", ifc.FQIDTxConfirm, ifc.FQIDTxError)
		for _, bp := range ifc.Pools {
			fmt.Fprintf(w, "  bpool %-3d    count %d size %d addr %#x\n", bp.BPID, bp.Count, bp.Size, bp.Addr)
		}
		if p.SharedLink != "" {
			fmt.Fprintf(w, "  shared with: %s\n", p.SharedLink)
		}
	}
}
