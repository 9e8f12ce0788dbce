package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/christophefontaine/dpdk/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams bus events via SSE. The event name is the
// record kind and the id its sequence number.
// Supports ?kind= and ?device= filters.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	filter := logging.EventFilter{Kind: r.URL.Query().Get("kind"), Device: r.URL.Query().Get("device")}

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if !filter.Match(rec) {
				continue
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", rec.Seq), rec.Kind, string(data))
		}
	}
}

// logStreamHandler streams bus events formatted as log lines via SSE.
// Supports ?severity= filter.
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	severityFilter := logging.ParseSeverity(r.URL.Query().Get("severity"))

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			severity := rec.Severity()
			if severityFilter != 0 && severity > severityFilter {
				continue
			}
			data, err := json.Marshal(LogStreamEntry{
				Time:     rec.Time.Format(time.RFC3339),
				Severity: severityName(severity),
				Message:  rec.String(),
			})
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", rec.Seq), "log", string(data))
		}
	}
}

func severityName(s int) string {
	switch s {
	case logging.SyslogError:
		return "error"
	case logging.SyslogWarning:
		return "warning"
	case logging.SyslogDebug:
		return "debug"
	default:
		return "info"
	}
}
