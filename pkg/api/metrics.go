package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/christophefontaine/dpdk/pkg/bus"
)

// busCollector implements prometheus.Collector, reading bus state on each
// scrape.
type busCollector struct {
	srv *Server

	state         *prometheus.Desc
	interfaces    *prometheus.Desc
	devices       *prometheus.Desc
	bufferPools   *prometheus.Desc
	probedTotal   *prometheus.Desc
	probeFailures *prometheus.Desc
	portalsActive *prometheus.Desc
	fmanRevision  *prometheus.Desc
	fmanOffload   *prometheus.Desc
	secEra        *prometheus.Desc
	eventsTotal   *prometheus.Desc
}

func newCollector(srv *Server) *busCollector {
	return &busCollector{
		srv: srv,

		state: prometheus.NewDesc(
			"dpaa_bus_state",
			"Bus lifecycle state (1 for the current state).",
			[]string{"state"}, nil,
		),
		interfaces: prometheus.NewDesc(
			"dpaa_interfaces",
			"Number of bound network interfaces.",
			nil, nil,
		),
		devices: prometheus.NewDesc(
			"dpaa_devices",
			"Number of bus devices.",
			[]string{"type"}, nil,
		),
		bufferPools: prometheus.NewDesc(
			"dpaa_interface_buffer_pools",
			"Number of buffer pools per interface.",
			[]string{"iface"}, nil,
		),
		probedTotal: prometheus.NewDesc(
			"dpaa_probe_total",
			"Total devices probed successfully.",
			nil, nil,
		),
		probeFailures: prometheus.NewDesc(
			"dpaa_probe_failures_total",
			"Total device probe failures.",
			nil, nil,
		),
		portalsActive: prometheus.NewDesc(
			"dpaa_portals_active",
			"Number of threads holding a portal pair.",
			nil, nil,
		),
		fmanRevision: prometheus.NewDesc(
			"dpaa_fman_revision_major",
			"Frame manager major revision.",
			nil, nil,
		),
		fmanOffload: prometheus.NewDesc(
			"dpaa_fman_offload",
			"Whether buffer deallocation offload is enabled (1) or not (0).",
			nil, nil,
		),
		secEra: prometheus.NewDesc(
			"dpaa_sec_era",
			"Crypto accelerator era.",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"dpaa_events_total",
			"Total bus events recorded.",
			nil, nil,
		),
	}
}

func (c *busCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.interfaces
	ch <- c.devices
	ch <- c.bufferPools
	ch <- c.probedTotal
	ch <- c.probeFailures
	ch <- c.portalsActive
	ch <- c.fmanRevision
	ch <- c.fmanOffload
	ch <- c.secEra
	ch <- c.eventsTotal
}

func (c *busCollector) Collect(ch chan<- prometheus.Metric) {
	if eb := c.srv.eventBuf; eb != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue, float64(eb.Seq()))
	}
	b := c.srv.bus
	if b == nil {
		return
	}

	c.collectState(ch, b.State())
	c.collectTopology(ch, b)

	st := b.Status()
	ch <- prometheus.MustNewConstMetric(c.probedTotal, prometheus.CounterValue, float64(st.Probed))
	ch <- prometheus.MustNewConstMetric(c.probeFailures, prometheus.CounterValue, float64(st.ProbeFailures))
	ch <- prometheus.MustNewConstMetric(c.portalsActive, prometheus.GaugeValue, float64(st.ActivePortals))
	if st.Revision != nil {
		ch <- prometheus.MustNewConstMetric(c.fmanRevision, prometheus.GaugeValue, float64(*st.Revision))
		ch <- prometheus.MustNewConstMetric(c.fmanOffload, prometheus.GaugeValue, boolToFloat(st.Offload))
	}
	if st.SecEra != nil {
		ch <- prometheus.MustNewConstMetric(c.secEra, prometheus.GaugeValue, float64(*st.SecEra))
	}
}

func (c *busCollector) collectState(ch chan<- prometheus.Metric, cur bus.State) {
	for _, s := range []bus.State{bus.Uninitialized, bus.Scanning, bus.Ready, bus.TornDown} {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue,
			boolToFloat(s == cur), s.String())
	}
}

func (c *busCollector) collectTopology(ch chan<- prometheus.Metric, b *bus.Bus) {
	infos := b.InterfaceInfos()
	ch <- prometheus.MustNewConstMetric(c.interfaces, prometheus.GaugeValue, float64(len(infos)))
	for _, info := range infos {
		ch <- prometheus.MustNewConstMetric(c.bufferPools, prometheus.GaugeValue,
			float64(len(info.Pools)), info.Name)
	}

	counts := map[bus.DeviceType]int{bus.Network: 0, bus.Crypto: 0}
	for _, d := range b.Devices() {
		counts[d.Type]++
	}
	for _, t := range []bus.DeviceType{bus.Network, bus.Crypto} {
		ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue,
			float64(counts[t]), t.String())
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
