package fman

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultMemDevice is the special file used to map physical register banks.
const DefaultMemDevice = "/dev/mem"

// PhysMem maps physical address ranges into the process.
type PhysMem interface {
	// Map returns a window over [phys, phys+size).
	Map(phys, size uint64) (*Window, error)
	Close() error
}

// Window is a mapped register bank. Registers are big-endian 32-bit words
// accessed with a single load or store each.
type Window struct {
	Phys uint64
	Size uint64

	mem     []byte
	release func() error
}

// NewWindow wraps mem as a register window at phys. release is called once
// by Unmap and may be nil.
func NewWindow(phys uint64, mem []byte, release func() error) *Window {
	return &Window{Phys: phys, Size: uint64(len(mem)), mem: mem, release: release}
}

func (w *Window) word(off uint64) *uint32 {
	if off%4 != 0 || off+4 > uint64(len(w.mem)) {
		panic(fmt.Sprintf("fman: register %#x outside window %#x+%#x", off, w.Phys, w.Size))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[off]))
}

// In32 reads the big-endian register at off.
func (w *Window) In32(off uint64) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(w.word(off)))
	return binary.BigEndian.Uint32(b[:])
}

// Out32 writes v to the big-endian register at off.
func (w *Window) Out32(off uint64, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	atomic.StoreUint32(w.word(off), binary.NativeEndian.Uint32(b[:]))
}

// Contains reports whether the 32-bit register at off lies in the window.
func (w *Window) Contains(off uint64) bool {
	return off%4 == 0 && off+4 <= uint64(len(w.mem))
}

// Unmap releases the mapping. Calling it more than once is harmless.
func (w *Window) Unmap() error {
	if w == nil || w.mem == nil {
		return nil
	}
	w.mem = nil
	if w.release == nil {
		return nil
	}
	rel := w.release
	w.release = nil
	return rel()
}

// Mapped reports whether the window is still live.
func (w *Window) Mapped() bool {
	return w != nil && w.mem != nil
}

// DevMem maps physical memory through /dev/mem.
type DevMem struct {
	path string
	fd   int
}

// OpenDevMem opens the memory device read/write with synchronous access.
func OpenDevMem(path string) (*DevMem, error) {
	if path == "" {
		path = DefaultMemDevice
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, ErrResourceUnavailable)
	}
	return &DevMem{path: path, fd: fd}, nil
}

// Fd returns the open descriptor.
func (d *DevMem) Fd() int {
	return d.fd
}

// Map mmaps a physical range. The offset passed to mmap is rounded down
// to a page boundary; the returned window starts exactly at phys.
func (d *DevMem) Map(phys, size uint64) (*Window, error) {
	if size == 0 {
		return nil, fmt.Errorf("map %#x: zero size: %w", phys, ErrResourceUnavailable)
	}
	page := uint64(unix.Getpagesize())
	base := phys &^ (page - 1)
	delta := phys - base
	mem, err := unix.Mmap(d.fd, int64(base), int(size+delta),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s %#x+%#x: %v: %w", d.path, phys, size, err, ErrResourceUnavailable)
	}
	return NewWindow(phys, mem[delta:delta+size], func() error {
		return unix.Munmap(mem)
	}), nil
}

// Close closes the descriptor.
func (d *DevMem) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
