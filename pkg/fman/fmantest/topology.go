package fmantest

import (
	"net"
	"strconv"

	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/of"
)

// Physical layout of the fixture: one SoC bus at SocBase holding one
// controller at FmanOffset.
const (
	SocBase    = 0xfe000000
	FmanOffset = 0x400000
	FmanSize   = 0x100000
	FmanPhys   = SocBase + FmanOffset

	// RevisionReg is the physical address of the controller revision
	// register.
	RevisionReg = FmanPhys + 0xC30C4

	// Portal register banks inside the SoC bus.
	BPortalBase = 0x800000
	QPortalBase = 0xa00000
	portalSize  = 0x4000

	macSize  = 0x1000
	portSize = 0x1000
	rxBase   = 0x88000
	txBase   = 0xa8000
)

// Pool describes one buffer pool reference.
type Pool struct {
	BPID uint32
	// Config holds the raw cells of the pool configuration; nil omits it.
	Config []uint32
	// EthernetCfg stores Config under fsl,bpool-ethernet-cfg.
	EthernetCfg bool
}

// Port describes one interface node and its MAC.
type Port struct {
	Offset   uint64 // MAC register offset inside the controller
	MAC      string // MAC compatible; empty means fsl,fman-memac
	PHY      string // phy-connection-type; empty omits it
	HWAddr   net.HardwareAddr
	Pools    []Pool
	Disabled bool
}

// Topology is a device tree fixture.
type Topology struct {
	CellIndex uint32
	Ports     []Port
	// SecEra adds a crypto node with this era when non-zero.
	SecEra uint32
	// Cores adds that many cpu nodes, each with one buffer manager and
	// one queue manager portal tied to it.
	Cores int
}

// Nodes gives tests access to the built nodes for fault injection.
type Nodes struct {
	Fman      *of.Node
	Interface []*of.Node
	MAC       []*of.Node
	Rx        []*of.Node
	Tx        []*of.Node
	Pools     [][]*of.Node
	Crypto    *of.Node
	BPortals  []*of.Node
	QPortals  []*of.Node
}

// DefaultPort returns a 10G memac port in slot i (0-based) with one
// pool.
func DefaultPort(i int) Port {
	return Port{
		Offset: 0xE0000 + uint64(i)*0x2000,
		PHY:    "xgmii",
		HWAddr: net.HardwareAddr{0x00, 0x04, 0x9f, 0x00, 0x00, byte(i + 1)},
		Pools: []Pool{{
			BPID:   uint32(i + 8),
			Config: []uint32{0, 256, 0, 2048, 0, 0},
		}},
	}
}

// WithPorts returns a topology with n default ports.
func WithPorts(n int) Topology {
	tp := Topology{}
	for i := range n {
		tp.Ports = append(tp.Ports, DefaultPort(i))
	}
	return tp
}

// Build assembles the device tree.
func (tp Topology) Build() (*of.Tree, *Nodes) {
	t := of.New()
	nodes := &Nodes{}
	phandle := uint32(0x100)
	next := func(n *of.Node) uint32 {
		phandle++
		n.SetProperty("phandle", of.EncodeCells(phandle))
		return phandle
	}

	root := t.Root()
	root.SetProperty("#address-cells", of.EncodeCells(1))
	root.SetProperty("#size-cells", of.EncodeCells(1))

	soc := t.AddNode(nil, "soc")
	soc.SetProperty("#address-cells", of.EncodeCells(1))
	soc.SetProperty("#size-cells", of.EncodeCells(1))
	soc.SetProperty("ranges", of.EncodeCells(0, SocBase, 0x1000000))

	fm := t.AddNode(soc, "fman@400000")
	fm.SetProperty("compatible", of.EncodeStrings("fsl,fman"))
	fm.SetProperty("cell-index", of.EncodeCells(tp.CellIndex))
	fm.SetProperty("reg", of.EncodeCells(FmanOffset, FmanSize))
	fm.SetProperty("#address-cells", of.EncodeCells(1))
	fm.SetProperty("#size-cells", of.EncodeCells(1))
	fm.SetProperty("ranges", of.EncodeCells(0, FmanOffset, FmanSize))
	nodes.Fman = fm

	if tp.SecEra != 0 {
		sec := t.AddNode(soc, "crypto@300000")
		sec.SetProperty("compatible", of.EncodeStrings("fsl,sec-v4.0"))
		sec.SetProperty("fsl,sec-era", of.EncodeCells(tp.SecEra))
		nodes.Crypto = sec
	}

	if tp.Cores > 0 {
		cpus := t.AddNode(nil, "cpus")
		cpus.SetProperty("#address-cells", of.EncodeCells(1))
		cpus.SetProperty("#size-cells", of.EncodeCells(0))
		for i := range tp.Cores {
			cpu := t.AddNode(cpus, "cpu@"+hex(uint64(i)))
			cpu.SetProperty("reg", of.EncodeCells(uint32(i)))
			cpuPh := next(cpu)
			for _, kind := range []struct {
				name, compat string
				base         uint32
				out          *[]*of.Node
			}{
				{"bman-portal", "fsl,bman-portal", BPortalBase, &nodes.BPortals},
				{"qman-portal", "fsl,qman-portal", QPortalBase, &nodes.QPortals},
			} {
				off := kind.base + uint32(i)*portalSize
				pn := t.AddNode(soc, kind.name+"@"+hex(uint64(off)))
				pn.SetProperty("compatible", of.EncodeStrings(kind.compat))
				pn.SetProperty("reg", of.EncodeCells(off, portalSize))
				pn.SetProperty("cell-index", of.EncodeCells(uint32(i)))
				pn.SetProperty("cpu-handle", of.EncodeCells(cpuPh))
				*kind.out = append(*kind.out, pn)
			}
		}
	}

	dpaa := t.AddNode(nil, "fsl,dpaa")
	dpaa.SetProperty("compatible", of.EncodeStrings("fsl,dpaa", "simple-bus"))

	for i, p := range tp.Ports {
		rx := t.AddNode(fm, "port@"+hex(rxBase+uint64(i)*portSize))
		rx.SetProperty("compatible", of.EncodeStrings("fsl,fman-v3-port-rx"))
		rx.SetProperty("reg", of.EncodeCells(uint32(rxBase+i*portSize), portSize))
		rxPh := next(rx)

		tx := t.AddNode(fm, "port@"+hex(txBase+uint64(i)*portSize))
		tx.SetProperty("compatible", of.EncodeStrings("fsl,fman-v3-port-tx"))
		tx.SetProperty("reg", of.EncodeCells(uint32(txBase+i*portSize), portSize))
		tx.SetProperty("fsl,qman-channel-id", of.EncodeCells(uint32(0x800+i)))
		txPh := next(tx)

		mac := t.AddNode(fm, "ethernet@"+hex(p.Offset))
		compat := p.MAC
		if compat == "" {
			compat = fman.CompatMEMAC
		}
		mac.SetProperty("compatible", of.EncodeStrings(compat))
		mac.SetProperty("reg", of.EncodeCells(uint32(p.Offset), macSize))
		if p.PHY != "" {
			mac.SetProperty("phy-connection-type", of.EncodeStrings(p.PHY))
		}
		if p.HWAddr != nil {
			mac.SetProperty("local-mac-address", []byte(p.HWAddr))
		}
		mac.SetProperty("fsl,port-handles", of.EncodeCells(rxPh, txPh))
		macPh := next(mac)

		var poolNodes []*of.Node
		var refs []uint32
		for _, pool := range p.Pools {
			pn := t.AddNode(nil, "bpool@"+hex(uint64(pool.BPID)))
			pn.SetProperty("compatible", of.EncodeStrings("fsl,bpool"))
			pn.SetProperty("fsl,bpid", of.EncodeCells(pool.BPID))
			if pool.Config != nil {
				name := "fsl,bpool-cfg"
				if pool.EthernetCfg {
					name = "fsl,bpool-ethernet-cfg"
				}
				pn.SetProperty(name, of.EncodeCells(pool.Config...))
			}
			refs = append(refs, next(pn))
			poolNodes = append(poolNodes, pn)
		}

		eth := t.AddNode(dpaa, "ethernet@"+hex(uint64(i)))
		eth.SetProperty("compatible", of.EncodeStrings(fman.CompatInterface))
		eth.SetProperty("fsl,fman-mac", of.EncodeCells(macPh))
		base := uint32(0x100 * (i + 1))
		eth.SetProperty("fsl,qman-frame-queues-rx", of.EncodeCells(base, 1, base+1, 1))
		eth.SetProperty("fsl,qman-frame-queues-tx", of.EncodeCells(base+2, 1, base+3, 1))
		eth.SetProperty("fsl,bman-buffer-pools", of.EncodeCells(refs...))
		if p.Disabled {
			eth.SetProperty("status", of.EncodeStrings("disabled"))
		}

		nodes.Interface = append(nodes.Interface, eth)
		nodes.MAC = append(nodes.MAC, mac)
		nodes.Rx = append(nodes.Rx, rx)
		nodes.Tx = append(nodes.Tx, tx)
		nodes.Pools = append(nodes.Pools, poolNodes)
	}
	return t, nodes
}

// MACPhys returns the physical address of port i's MAC registers.
func (tp Topology) MACPhys(i int) uint64 {
	return FmanPhys + tp.Ports[i].Offset
}

// SeedRevision stores major in the controller revision register.
func SeedRevision(m *Mem, major uint16) {
	m.SetReg(RevisionReg, uint32(major)<<8|0x01)
}

func hex(v uint64) string {
	return strconv.FormatUint(v, 16)
}
