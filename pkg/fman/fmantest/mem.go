// Package fmantest provides an in-memory physical memory fake and a
// device tree fixture for tests of code built on package fman.
package fmantest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/christophefontaine/dpdk/pkg/fman"
)

// Mem is a fman.PhysMem backed by ordinary heap buffers. Registers seeded
// with SetReg show up in every window covering their address.
type Mem struct {
	mu     sync.Mutex
	regs   map[uint64]uint32
	fail   map[uint64]error
	bufs   map[uint64][]byte
	live   int
	maps   int
	closed bool
}

// NewMem returns an open fake.
func NewMem() *Mem {
	return &Mem{
		regs: make(map[uint64]uint32),
		fail: make(map[uint64]error),
		bufs: make(map[uint64][]byte),
	}
}

// SetReg seeds the 32-bit register at physical address phys.
func (m *Mem) SetReg(phys uint64, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[phys] = v
}

// FailAt makes Map of a window starting at phys return err.
func (m *Mem) FailAt(phys uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[phys] = err
}

// Map implements fman.PhysMem.
func (m *Mem) Map(phys, size uint64) (*fman.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("map %#x on closed device: %w", phys, fman.ErrResourceUnavailable)
	}
	if err := m.fail[phys]; err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	for addr, v := range m.regs {
		if addr >= phys && addr+4 <= phys+size {
			binary.BigEndian.PutUint32(buf[addr-phys:], v)
		}
	}
	m.bufs[phys] = buf
	m.live++
	m.maps++
	return fman.NewWindow(phys, buf, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.live--
		return nil
	}), nil
}

// Close implements fman.PhysMem.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Read32 returns the register at phys as seen by the smallest window
// mapped over it, including windows already unmapped.
func (m *Mem) Read32(phys uint64) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best []byte
	var bestBase uint64
	for base, buf := range m.bufs {
		if phys >= base && phys+4 <= base+uint64(len(buf)) {
			if best == nil || len(buf) < len(best) {
				best, bestBase = buf, base
			}
		}
	}
	if best == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(best[phys-bestBase:]), true
}

// Closed reports whether Close was called.
func (m *Mem) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Live returns the number of windows mapped and not yet unmapped.
func (m *Mem) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Maps returns the total number of Map calls that succeeded.
func (m *Mem) Maps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps
}

// Opener returns an open function for fman.Controller.Init that yields m
// and counts how often it was called.
func (m *Mem) Opener(calls *int) func() (fman.PhysMem, error) {
	return func() (fman.PhysMem, error) {
		if calls != nil {
			*calls++
		}
		return m, nil
	}
}
