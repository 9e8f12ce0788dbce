// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/logging"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon and bus status.
type StatusResponse struct {
	Uptime string `json:"uptime"`
	bus.StatusInfo
	Drivers map[string][]string `json:"drivers,omitempty"`
}

// NetworkConfigResponse is the network configuration of the last scan.
type NetworkConfigResponse struct {
	NumPorts int                 `json:"num_ports"`
	Ports    []bus.InterfaceInfo `json:"ports"`
	Text     string              `json:"text"`
}

// EventsResponse holds recent bus events, newest first.
type EventsResponse struct {
	Seq    uint64                `json:"seq"`
	Events []logging.EventRecord `json:"events"`
}

// LogStreamEntry is an event sent as a log line via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
