package bus

import (
	"github.com/google/uuid"

	"github.com/christophefontaine/dpdk/pkg/fman"
)

// PoolInfo describes one buffer pool of an interface.
type PoolInfo struct {
	BPID  uint32 `json:"bpid"`
	Count uint64 `json:"count"`
	Size  uint64 `json:"size"`
	Addr  uint64 `json:"addr"`
}

// InterfaceInfo is the exported view of a bound interface.
type InterfaceInfo struct {
	Name          string     `json:"name"`
	Node          string     `json:"node"`
	Controller    uint32     `json:"controller"`
	Port          uint8      `json:"port"`
	MACType       string     `json:"mac_type"`
	MEMAC         bool       `json:"memac"`
	RGMII         bool       `json:"rgmii"`
	MAC           string     `json:"mac"`
	TxChannel     uint32     `json:"tx_channel"`
	FQIDRxDefault uint32     `json:"fqid_rx_default"`
	FQIDRxError   uint32     `json:"fqid_rx_error"`
	FQIDTxConfirm uint32     `json:"fqid_tx_confirm"`
	FQIDTxError   uint32     `json:"fqid_tx_error"`
	CCSR          uint64     `json:"ccsr"`
	BMI           uint64     `json:"bmi"`
	Pools         []PoolInfo `json:"pools"`
	SharedLink    string     `json:"shared_link,omitempty"`
}

// DeviceInfo is the exported view of a device.
type DeviceInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Index      int    `json:"index"`
	Controller int    `json:"controller,omitempty"`
	Port       int    `json:"port,omitempty"`
	Driver     string `json:"driver,omitempty"`
}

// StatusInfo summarizes the bus.
type StatusInfo struct {
	State         string `json:"state"`
	ScanID        string `json:"scan_id,omitempty"`
	Interfaces    int    `json:"interfaces"`
	Devices       int    `json:"devices"`
	Revision      *int   `json:"fman_major,omitempty"`
	Offload       bool   `json:"offload"`
	SecEra        *int   `json:"sec_era,omitempty"`
	ActivePortals int    `json:"active_portals"`
	Probed        int64  `json:"probed"`
	ProbeFailures int64  `json:"probe_failures"`
}

// NewInterfaceInfo converts a bound interface.
func NewInterfaceInfo(ifc *fman.Interface) InterfaceInfo {
	info := InterfaceInfo{
		Name:          ifc.Name(),
		Node:          ifc.NodePath,
		Controller:    ifc.ControllerIndex,
		Port:          ifc.PortIndex,
		MACType:       ifc.MACType.String(),
		MEMAC:         ifc.IsMEMAC,
		RGMII:         ifc.IsRGMII,
		MAC:           ifc.MACAddr.String(),
		TxChannel:     ifc.TxChannelID,
		FQIDRxDefault: ifc.FQIDRxDefault,
		FQIDRxError:   ifc.FQIDRxError,
		FQIDTxConfirm: ifc.FQIDTxConfirm,
		FQIDTxError:   ifc.FQIDTxError,
		Pools:         make([]PoolInfo, 0, len(ifc.Pools)),
	}
	if ifc.CCSR != nil {
		info.CCSR = ifc.CCSR.Phys
	}
	if ifc.BMI != nil {
		info.BMI = ifc.BMI.Phys
	}
	for _, p := range ifc.Pools {
		info.Pools = append(info.Pools, PoolInfo{BPID: p.BPID, Count: p.Count, Size: p.Size, Addr: p.Addr})
	}
	return info
}

// InterfaceInfos returns views of the bound interfaces, with the shared
// kernel link filled in from the network configuration.
func (b *Bus) InterfaceInfos() []InterfaceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg != nil && len(b.cfg.Ports) > 0 {
		out := make([]InterfaceInfo, 0, len(b.cfg.Ports))
		for _, p := range b.cfg.Ports {
			info := NewInterfaceInfo(p.Interface)
			info.SharedLink = p.SharedLink
			out = append(out, info)
		}
		return out
	}
	ifs := b.ctl.Interfaces()
	out := make([]InterfaceInfo, 0, len(ifs))
	for _, ifc := range ifs {
		out = append(out, NewInterfaceInfo(ifc))
	}
	return out
}

// DeviceInfos returns views of the device list.
func (b *Bus) DeviceInfos() []DeviceInfo {
	devs := b.Devices()
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceInfo{
			Name:       d.Name,
			Type:       d.Type.String(),
			Index:      d.Index,
			Controller: d.ControllerID,
			Port:       d.PortID,
			Driver:     d.Driver,
		})
	}
	return out
}

// Status summarizes the bus state.
func (b *Bus) Status() StatusInfo {
	st := StatusInfo{State: b.State().String()}
	if id := b.ScanID(); id != uuid.Nil {
		st.ScanID = id.String()
	}
	st.Interfaces = len(b.Interfaces())
	st.Devices = len(b.Devices())
	if rev, ok := b.Revision(); ok {
		major := int(rev.Major)
		st.Revision = &major
		st.Offload = rev.Offload()
	}
	if era, ok := b.SecEra(); ok {
		e := int(era)
		st.SecEra = &e
	}
	if pm := b.Portals(); pm != nil {
		st.ActivePortals = pm.Active()
	}
	s := b.Stats()
	st.Probed = s.Probed
	st.ProbeFailures = s.ProbeFailures
	return st
}
