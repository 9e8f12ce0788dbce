// Package fman binds DPAA Frame Manager network ports described in the
// device tree to mapped register windows, queue ids and buffer pools.
package fman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/christophefontaine/dpdk/pkg/of"
)

// Device tree compatibles and properties.
const (
	CompatInterface = "fsl,dpa-ethernet-init"
	CompatMAC1G     = "fsl,fman-1g-mac"
	CompatMAC10G    = "fsl,fman-10g-mac"
	CompatMEMAC     = "fsl,fman-memac"

	propMAC         = "fsl,fman-mac"
	propCellIndex   = "cell-index"
	propPHY         = "phy-connection-type"
	propHWAddr      = "local-mac-address"
	propPortHandles = "fsl,port-handles"
	propTxChannel   = "fsl,qman-channel-id"
	propRxFQs       = "fsl,qman-frame-queues-rx"
	propTxFQs       = "fsl,qman-frame-queues-tx"
	propPools       = "fsl,bman-buffer-pools"
	propBPID        = "fsl,bpid"
	propPoolCfg     = "fsl,bpool-cfg"
	propPoolEthCfg  = "fsl,bpool-ethernet-cfg"
)

var tracer = otel.Tracer("github.com/christophefontaine/dpdk/pkg/fman")

// Controller owns the memory device, the bound interfaces and the cached
// silicon revision for one device tree.
type Controller struct {
	tree  *of.Tree
	ports PortTable

	mem PhysMem
	ifs []*Interface

	rev         Revision
	revDetected bool
}

// NewController returns an unopened controller for tree. A nil ports
// table means DefaultPortTable.
func NewController(tree *of.Tree, ports PortTable) *Controller {
	if ports == nil {
		ports = DefaultPortTable
	}
	return &Controller{tree: tree, ports: ports}
}

// Init opens the memory device with open and binds every available
// interface node. It is a no-op when the device is already open. On any
// failure every interface bound so far is released, the device is closed
// and no interface is kept.
func (c *Controller) Init(ctx context.Context, open func() (PhysMem, error)) error {
	if c.mem != nil {
		return nil
	}
	mem, err := open()
	if err != nil {
		return fmt.Errorf("open memory device: %w", err)
	}
	c.mem = mem

	for _, node := range c.tree.FindCompatible(CompatInterface) {
		if !node.IsAvailable() {
			slog.Debug("fman: skipping disabled interface", "node", node.FullName)
			continue
		}
		ifc, err := c.bindTraced(ctx, node)
		if err != nil {
			if ferr := c.Finish(); ferr != nil {
				slog.Warn("fman: cleanup after failed bind", "err", ferr)
			}
			return fmt.Errorf("bind %s: %w", node.FullName, err)
		}
		c.ifs = append(c.ifs, ifc)
	}
	return nil
}

func (c *Controller) bindTraced(ctx context.Context, node *of.Node) (*Interface, error) {
	_, span := tracer.Start(ctx, "fman.bind")
	defer span.End()
	span.SetAttributes(attribute.String("dpaa.node", node.FullName))
	ifc, err := c.bind(node)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("dpaa.port", ifc.Name()))
	return ifc, nil
}

// Finish disables and unmaps every bound interface and closes the memory
// device. The cached revision is kept.
func (c *Controller) Finish() error {
	var errs []error
	for _, ifc := range c.ifs {
		if err := ifc.release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", ifc.Name(), err))
		}
	}
	c.ifs = nil
	if c.mem != nil {
		if err := c.mem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory device: %w", err))
		}
		c.mem = nil
	}
	return errors.Join(errs...)
}

// Open reports whether the memory device is open.
func (c *Controller) Open() bool {
	return c.mem != nil
}

// Mem returns the open memory device, or nil.
func (c *Controller) Mem() PhysMem {
	return c.mem
}

// Interfaces returns the bound interfaces in discovery order.
func (c *Controller) Interfaces() []*Interface {
	return c.ifs
}

// Revision returns the cached silicon revision and whether it has been
// read yet.
func (c *Controller) Revision() (Revision, bool) {
	return c.rev, c.revDetected
}

// bind resolves one interface node. Windows mapped before a failure are
// unmapped before returning.
func (c *Controller) bind(node *of.Node) (_ *Interface, err error) {
	ifc := &Interface{NodePath: node.FullName}
	defer func() {
		if err != nil {
			if rerr := ifc.unmap(); rerr != nil {
				slog.Warn("fman: unmap after failed bind", "node", node.FullName, "err", rerr)
			}
		}
	}()

	macNode, err := node.Phandle(propMAC)
	if err != nil {
		return nil, err
	}
	regs, size, err := of.GetAddress(macNode, 0)
	if err != nil {
		return nil, err
	}
	phys, err := of.TranslateAddress(macNode, regs)
	if err != nil {
		return nil, err
	}
	if ifc.CCSR, err = c.mem.Map(phys, size); err != nil {
		return nil, fmt.Errorf("map MAC %s: %w", macNode.FullName, err)
	}
	macOffset := of.ReadNumber(regs, of.NAddrCells(macNode))

	fmanNode := macNode.Parent()
	if fmanNode == nil || fmanNode.Parent() == nil {
		return nil, fmt.Errorf("MAC %s has no controller parent: %w", macNode.FullName, of.ErrNotFound)
	}
	if ifc.ControllerIndex, err = fmanNode.Uint32(propCellIndex); err != nil {
		return nil, err
	}
	if err := c.detectRevision(fmanNode); err != nil {
		return nil, err
	}

	switch {
	case macNode.IsCompatible(CompatMAC1G):
		ifc.MACType = MAC1G
	case macNode.IsCompatible(CompatMAC10G):
		ifc.MACType = MAC10G
	case macNode.IsCompatible(CompatMEMAC):
		ifc.IsMEMAC = true
		phy, _ := macNode.String(propPHY)
		ifc.MACType, ifc.IsRGMII = classifyPHY(macNode.FullName, phy)
	default:
		return nil, fmt.Errorf("%s: compatible %q: %w",
			macNode.FullName, macNode.Strings("compatible"), ErrUnknownMAC)
	}

	if ifc.PortIndex, err = c.ports.Index(macOffset); err != nil {
		return nil, fmt.Errorf("%s: %w", macNode.FullName, err)
	}

	hw, err := macNode.Require(propHWAddr)
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%s: %s is %d bytes, want 6: %w",
			macNode.FullName, propHWAddr, len(hw), of.ErrConfigMalformed)
	}
	ifc.MACAddr = append([]byte(nil), hw...)

	handles, err := macNode.CellsExact(propPortHandles, 2)
	if err != nil {
		return nil, err
	}
	txNode, err := c.tree.FindByPhandle(handles[1])
	if err != nil {
		return nil, fmt.Errorf("%s tx port: %w", macNode.FullName, err)
	}
	if ifc.TxChannelID, err = txNode.Uint32(propTxChannel); err != nil {
		return nil, err
	}
	rxNode, err := c.tree.FindByPhandle(handles[0])
	if err != nil {
		return nil, fmt.Errorf("%s rx port: %w", macNode.FullName, err)
	}
	rxRegs, rxSize, err := of.GetAddress(rxNode, 0)
	if err != nil {
		return nil, err
	}
	rxPhys, err := of.TranslateAddress(rxNode, rxRegs)
	if err != nil {
		return nil, err
	}
	if ifc.BMI, err = c.mem.Map(rxPhys, rxSize); err != nil {
		return nil, fmt.Errorf("map rx port %s: %w", rxNode.FullName, err)
	}

	if ifc.FQIDRxError, ifc.FQIDRxDefault, err = queuePair(node, propRxFQs); err != nil {
		return nil, err
	}
	if ifc.FQIDTxError, ifc.FQIDTxConfirm, err = queuePair(node, propTxFQs); err != nil {
		return nil, err
	}

	if ifc.Pools, err = c.pools(node); err != nil {
		return nil, err
	}

	slog.Debug("fman: interface bound",
		"node", node.FullName,
		"name", ifc.Name(),
		"mac", ifc.MACAddr.String(),
		"type", ifc.MACType.String(),
		"memac", ifc.IsMEMAC,
		"tx_channel", ifc.TxChannelID,
		"pools", len(ifc.Pools))
	return ifc, nil
}

// classifyPHY maps a multi-rate MAC's phy-connection-type to a speed class.
// Unrecognized or missing strings fall back to 1G.
func classifyPHY(node, phy string) (MACType, bool) {
	switch {
	case strings.Contains(phy, "sgmii"):
		return MAC1G, false
	case strings.Contains(phy, "rgmii"):
		return MAC1G, true
	case strings.Contains(phy, "xgmii"):
		return MAC10G, false
	}
	slog.Warn("fman: unknown phy-connection-type, assuming 1G", "node", node, "phy", phy)
	return MAC1G, false
}

// queuePair decodes [error, 1, default-or-confirm, 1].
func queuePair(node *of.Node, prop string) (errFQ, mainFQ uint32, err error) {
	q, err := node.CellsExact(prop, 4)
	if err != nil {
		return 0, 0, err
	}
	if q[1] != 1 || q[3] != 1 {
		return 0, 0, fmt.Errorf("%s: %s = %v, count cells must be 1: %w",
			node.FullName, prop, q, of.ErrConfigMalformed)
	}
	return q[0], q[2], nil
}

func (c *Controller) pools(node *of.Node) ([]BufferPool, error) {
	raw, err := node.Require(propPools)
	if err != nil {
		return nil, err
	}
	refs, err := of.Cells(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", node.FullName, propPools, err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%s: empty %s: %w", node.FullName, propPools, of.ErrConfigMalformed)
	}
	out := make([]BufferPool, 0, len(refs))
	for _, ph := range refs {
		pn, err := c.tree.FindByPhandle(ph)
		if err != nil {
			return nil, fmt.Errorf("%s pool: %w", node.FullName, err)
		}
		bp := BufferPool{}
		if bp.BPID, err = pn.Uint32(propBPID); err != nil {
			return nil, err
		}
		cfg, ok := pn.Property(propPoolCfg)
		name := propPoolCfg
		if !ok {
			cfg, ok = pn.Property(propPoolEthCfg)
			name = propPoolEthCfg
		}
		if ok {
			cells, err := of.Cells(cfg)
			if err != nil || len(cells) != 6 {
				return nil, fmt.Errorf("%s: %s is %d bytes, want 24: %w",
					pn.FullName, name, len(cfg), of.ErrConfigMalformed)
			}
			bp.Count = of.ReadNumber(cfg[0:], 2)
			bp.Size = of.ReadNumber(cfg[8:], 2)
			bp.Addr = of.ReadNumber(cfg[16:], 2)
		}
		out = append(out, bp)
	}
	return out, nil
}
