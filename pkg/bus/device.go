package bus

import (
	"context"
	"fmt"

	"github.com/christophefontaine/dpdk/pkg/fman"
)

// DeviceType tags a device for driver dispatch.
type DeviceType int

const (
	Network DeviceType = iota
	Crypto
)

func (t DeviceType) String() string {
	switch t {
	case Network:
		return "network"
	case Crypto:
		return "crypto"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// Device is a bus-visible device.
type Device struct {
	ControllerID int // controller index + 1; zero for crypto
	PortID       int
	Type         DeviceType
	Name         string
	Index        int // position in the device list

	// Interface is the bound port behind a network device and Port its
	// position in the network configuration.
	Interface *fman.Interface
	Port      int

	// Driver names the driver that probed the device, empty when none
	// matched or probing failed.
	Driver string
}

// Driver handles devices of one type.
type Driver interface {
	Name() string
	Type() DeviceType
	Probe(ctx context.Context, b *Bus, dev *Device) error
}
