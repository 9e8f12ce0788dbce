package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/christophefontaine/dpdk/pkg/logging"
)

const defaultEventCount = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus not available")
		return
	}
	resp := StatusResponse{
		Uptime:     time.Since(s.startTime).Truncate(time.Second).String(),
		StatusInfo: s.bus.Status(),
		Drivers:    make(map[string][]string),
	}
	for t, names := range s.bus.Drivers() {
		resp.Drivers[t.String()] = names
	}
	writeOK(w, resp)
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus not available")
		return
	}
	writeOK(w, s.bus.InterfaceInfos())
}

func (s *Server) interfaceHandler(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus not available")
		return
	}
	name := r.PathValue("name")
	for _, info := range s.bus.InterfaceInfos() {
		if info.Name == name {
			writeOK(w, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, "interface "+name+" not found")
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus not available")
		return
	}
	devs := s.bus.DeviceInfos()
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := devs[:0]
		for _, d := range devs {
			if d.Type == typ {
				filtered = append(filtered, d)
			}
		}
		devs = filtered
	}
	writeOK(w, devs)
}

func (s *Server) netcfgHandler(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus not available")
		return
	}
	cfg := s.bus.NetworkConfig()
	if cfg == nil {
		writeError(w, http.StatusConflict, "bus not scanned")
		return
	}
	var text strings.Builder
	cfg.Dump(&text)
	writeOK(w, NetworkConfigResponse{
		NumPorts: cfg.NumPorts,
		Ports:    s.bus.InterfaceInfos(),
		Text:     text.String(),
	})
}

// eventsHandler returns recent bus events.
// Supports ?count=, ?kind= (prefix) and ?device= filters.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()
	n := defaultEventCount
	if v := q.Get("count"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil || c < 1 {
			writeError(w, http.StatusBadRequest, "invalid count")
			return
		}
		n = c
	}
	filter := logging.EventFilter{Kind: q.Get("kind"), Device: q.Get("device")}
	events := s.eventBuf.LatestFiltered(n, filter)
	if events == nil {
		events = []logging.EventRecord{}
	}
	writeOK(w, EventsResponse{Seq: s.eventBuf.Seq(), Events: events})
}
