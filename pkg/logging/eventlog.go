package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// DefaultEventLogPath is where bus events are written when no path is
// configured.
const DefaultEventLogPath = "/var/log/dpaad/events.log"

var errLogClosed = errors.New("event log closed")

// EventLog writes bus events to a local file with rotation.
type EventLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64

	MinSeverity int // 0 = no filter
}

// EventLogConfig configures an EventLog.
type EventLogConfig struct {
	Path     string // default DefaultEventLogPath
	MaxSize  int64  // bytes before rotation (default 10MB)
	MaxFiles int    // rotated files kept (default 5)
}

// OpenEventLog opens or creates the event log file.
func OpenEventLog(cfg EventLogConfig) (*EventLog, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultEventLogPath
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	l := &EventLog{
		file:     f,
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}
	if info, err := f.Stat(); err == nil {
		l.written = info.Size()
	}
	return l, nil
}

// Path returns the active log file path.
func (l *EventLog) Path() string {
	return l.path
}

// Write appends rec as one line, rotating when the file exceeds its
// size limit.
func (l *EventLog) Write(rec EventRecord) error {
	severity := rec.Severity()
	if l.MinSeverity != 0 && severity > l.MinSeverity {
		return nil
	}
	line := fmt.Sprintf("%s [%s] #%d %s\n",
		rec.Time.Format("2006-01-02T15:04:05.000"), severityTag(severity), rec.Seq, rec)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errLogClosed
	}
	n, err := l.file.WriteString(line)
	if err != nil {
		return err
	}
	l.written += int64(n)
	if l.written >= l.maxSize {
		l.rotate()
	}
	return nil
}

// Close closes the log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *EventLog) rotate() {
	l.file.Close()
	l.file = nil

	for i := l.maxFiles - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}
	os.Rename(l.path, l.path+".1")
	os.Remove(fmt.Sprintf("%s.%d", l.path, l.maxFiles+1))

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to reopen rotated event log", "err", err)
		return
	}
	l.file = f
	l.written = 0
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
