package fman

import (
	"errors"
	"fmt"
	"net"
)

// MACType is the MAC speed class.
type MACType int

const (
	MAC1G MACType = iota
	MAC10G
)

func (m MACType) String() string {
	switch m {
	case MAC1G:
		return "1G"
	case MAC10G:
		return "10G"
	}
	return fmt.Sprintf("MACType(%d)", int(m))
}

// BufferPool is a hardware buffer pool referenced by an interface. Count,
// Size and Addr are zero when the pool is managed elsewhere.
type BufferPool struct {
	BPID  uint32
	Count uint64
	Size  uint64
	Addr  uint64
}

// Interface is a bound FMan network port.
type Interface struct {
	NodePath        string
	ControllerIndex uint32
	PortIndex       uint8
	MACType         MACType
	IsMEMAC         bool
	IsRGMII         bool
	MACAddr         net.HardwareAddr
	TxChannelID     uint32

	FQIDRxDefault uint32
	FQIDRxError   uint32
	FQIDTxConfirm uint32
	FQIDTxError   uint32

	// CCSR is the MAC control register bank, BMI the rx port bank.
	CCSR *Window
	BMI  *Window

	Pools []BufferPool
}

// Name returns the bus name of the port, e.g. "fm1-mac3".
func (i *Interface) Name() string {
	return fmt.Sprintf("fm%d-mac%d", i.ControllerIndex+1, i.PortIndex)
}

// MAC command register layouts.
const (
	dtsecMaccfg1     = 0x100
	dtsecMaccfg1RxTx = 0x5 // RX_EN | TX_EN
	commandConfig    = 0x8
	commandRxTx      = 0x3 // RX_EN | TX_EN
)

// disable clears the Rx/Tx enable bits in the MAC command register.
func (i *Interface) disable() {
	if !i.CCSR.Mapped() {
		return
	}
	reg, bits := uint64(commandConfig), uint32(commandRxTx)
	if i.MACType == MAC1G && !i.IsMEMAC {
		reg, bits = dtsecMaccfg1, dtsecMaccfg1RxTx
	}
	if !i.CCSR.Contains(reg) {
		return
	}
	i.CCSR.Out32(reg, i.CCSR.In32(reg)&^bits)
}

func (i *Interface) unmap() error {
	return errors.Join(i.CCSR.Unmap(), i.BMI.Unmap())
}

// release stops the MAC and unmaps both register banks.
func (i *Interface) release() error {
	i.disable()
	return i.unmap()
}
