package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// sinks is the client set shared by a handler and every handler derived
// from it with WithAttrs or WithGroup.
type sinks struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// SyslogHandler is an slog.Handler that writes to a base handler and
// forwards each record to remote syslog servers.
type SyslogHandler struct {
	base   slog.Handler
	sinks  *sinks
	attrs  []slog.Attr
	groups []string
}

// NewSyslogHandler wraps base with syslog forwarding.
func NewSyslogHandler(base slog.Handler) *SyslogHandler {
	return &SyslogHandler{base: base, sinks: &sinks{}}
}

// SetClients replaces the syslog clients and closes the old ones.
func (h *SyslogHandler) SetClients(clients []*SyslogClient) {
	h.sinks.mu.Lock()
	old := h.sinks.clients
	h.sinks.clients = clients
	h.sinks.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

// Close closes every syslog client.
func (h *SyslogHandler) Close() {
	h.SetClients(nil)
}

// Enabled implements slog.Handler.
func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.sinks.mu.RLock()
	clients := h.sinks.clients
	h.sinks.mu.RUnlock()
	if len(clients) == 0 {
		return err
	}
	severity := slogLevelToSyslog(r.Level)
	msg := formatRecord(r, h.attrs, h.groups)
	for _, c := range clients {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithAttrs(attrs),
		sinks:  h.sinks,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithGroup(name),
		sinks:  h.sinks,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	}
	return SyslogDebug
}

// formatRecord renders a record as "msg k=v k=v".
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})
	return b.String()
}

// Options configures Setup.
type Options struct {
	Debug bool
	JSON  bool

	// Syslog lists remote servers ("host" or "host:port").
	Syslog      []string
	Facility    string
	MinSeverity string
}

// Setup installs the default slog logger writing to w and forwarding to
// the configured syslog servers. Servers that cannot be dialed are
// skipped with a warning.
func Setup(w io.Writer, opts Options) *SyslogHandler {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}
	var base slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JSON {
		base = slog.NewJSONHandler(w, ho)
	}
	h := NewSyslogHandler(base)
	slog.SetDefault(slog.New(h))

	facility := ParseFacility(opts.Facility)
	var clients []*SyslogClient
	for _, addr := range opts.Syslog {
		c, err := NewSyslogClient(addr, facility)
		if err != nil {
			slog.Warn("failed to create syslog client", "server", addr, "err", err)
			continue
		}
		c.MinSeverity = ParseSeverity(opts.MinSeverity)
		slog.Info("syslog forwarding configured", "server", addr)
		clients = append(clients, c)
	}
	if len(clients) > 0 {
		h.SetClients(clients)
	}
	return h
}
