// Package logging sets up daemon logging: slog output, forwarding to
// remote syslog servers, and the bus event buffer.
package logging

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

const (
	defaultSyslogPort = "514"
	syslogTag         = "dpaad"
)

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn     net.Conn
	hostname string
	facility int

	MinSeverity int // 0 = no filter
}

// NewSyslogClient dials a syslog server at addr ("host" or "host:port").
func NewSyslogClient(addr string, facility int) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultSyslogPort)
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = syslogTag
	}
	return &SyslogClient{conn: conn, hostname: hostname, facility: facility}, nil
}

// Send sends msg with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.facility*8 + severity
	ts := time.Now().Format(time.Stamp)
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, ts, s.hostname, syslogTag, os.Getpid(), msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// Close closes the connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

// ParseSeverity converts a severity name to its value, 0 when unknown.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return 0
}

// ParseFacility converts a facility name to its value. Unknown names map
// to daemon.
func ParseFacility(name string) int {
	switch name {
	case "kern":
		return FacilityKern
	case "user":
		return FacilityUser
	case "daemon":
		return FacilityDaemon
	}
	if len(name) == 6 && name[:5] == "local" && name[5] >= '0' && name[5] <= '7' {
		return FacilityLocal0 + int(name[5]-'0')
	}
	return FacilityDaemon
}

func severityTag(severity int) string {
	switch severity {
	case SyslogError:
		return "ERROR"
	case SyslogWarning:
		return "WARNING"
	case SyslogDebug:
		return "DEBUG"
	}
	return "INFO"
}
