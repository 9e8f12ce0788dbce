package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventRecord is a bus milestone stored in the event buffer.
type EventRecord struct {
	Seq     uint64            `json:"seq"`
	Time    time.Time         `json:"time"`
	Kind    string            `json:"kind"` // "scan", "probe-failed", "portal-acquire", ...
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Severity maps the event kind to a syslog severity.
func (r EventRecord) Severity() int {
	switch {
	case strings.HasSuffix(r.Kind, "-failed"):
		return SyslogError
	case strings.HasPrefix(r.Kind, "portal-"):
		return SyslogDebug
	}
	return SyslogInfo
}

// String renders the record as one log line.
func (r EventRecord) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Kind, r.Message)
	for _, k := range sortedKeys(r.Attrs) {
		fmt.Fprintf(&b, " %s=%s", k, r.Attrs[k])
	}
	return b.String()
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	log *EventLog

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates an event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// SetLog mirrors every added event to an on-disk log. nil disables it.
func (eb *EventBuffer) SetLog(l *EventLog) {
	eb.mu.Lock()
	eb.log = l
	eb.mu.Unlock()
}

// Record adds an event built from slog-style key/value attrs.
func (eb *EventBuffer) Record(kind, msg string, attrs ...any) {
	rec := EventRecord{Time: time.Now(), Kind: kind, Message: msg}
	r := slog.NewRecord(rec.Time, slog.LevelInfo, msg, 0)
	r.Add(attrs...)
	if r.NumAttrs() > 0 {
		rec.Attrs = make(map[string]string, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			rec.Attrs[a.Key] = a.Value.String()
			return true
		})
	}
	eb.Add(rec)
}

// Add appends an event, overwriting the oldest if full. Subscribers are
// notified without blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	l := eb.log
	eb.mu.Unlock()

	if l != nil {
		if err := l.Write(rec); err != nil {
			slog.Warn("event log write failed", "err", err)
		}
	}

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Seq returns the sequence number of the newest event.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter selects events.
type EventFilter struct {
	Kind   string // prefix match on Kind
	Device string // exact match on the "device" attr
}

// IsEmpty reports whether no criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Kind == "" && f.Device == ""
}

// Match reports whether rec satisfies every criterion.
func (f EventFilter) Match(rec EventRecord) bool {
	return f.matches(&rec)
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Kind != "" && !strings.HasPrefix(rec.Kind, f.Kind) {
		return false
	}
	if f.Device != "" && rec.Attrs["device"] != f.Device {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching f, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}
