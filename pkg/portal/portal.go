// Package portal manages the per-thread buffer and queue manager portals
// a worker needs before it can touch DPAA queues.
//
// A portal is bound to the OS thread that acquired it. Acquire locks the
// calling goroutine to its thread; Release unlocks it. Use Do to scope a
// portal to a function call.
package portal

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// MasterCore as a core hint selects the configured master core.
const MasterCore = -1

var (
	// ErrNoCore is returned when the master core is invalid.
	ErrNoCore = errors.New("no usable core")

	// ErrWrongThread is returned when a handle is released from a thread
	// other than the one that acquired it.
	ErrWrongThread = errors.New("portal handle used from another thread")

	// ErrReleased is returned when a handle is released twice.
	ErrReleased = errors.New("portal handle already released")
)

// Subsystem initializes one kind of per-thread portal.
type Subsystem interface {
	Name() string
	// Init claims a portal for core and returns its index.
	Init(core int) (int, error)
	// Finish gives the portal back.
	Finish(index int) error
}

// Affinity pins the calling thread to a core. The returned restore
// function puts back the thread's previous CPU mask; it may be called from
// any thread.
type Affinity interface {
	Pin(core int) (restore func() error, err error)
}

// CPUAffinity pins with sched_setaffinity.
type CPUAffinity struct{}

// Pin restricts the calling thread to core.
func (CPUAffinity) Pin(core int) (func() error, error) {
	tid := unix.Gettid()
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &prev); err != nil {
		return nil, fmt.Errorf("sched_getaffinity thread %d: %w", tid, err)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(tid, &set); err != nil {
		return nil, fmt.Errorf("sched_setaffinity core %d: %w", core, err)
	}
	return func() error {
		err := unix.SchedSetaffinity(tid, &prev)
		if err == nil || errors.Is(err, unix.ESRCH) {
			// ESRCH: the thread exited, nothing to restore.
			return nil
		}
		return fmt.Errorf("restore affinity of thread %d: %w", tid, err)
	}, nil
}

// Handle is a thread's pair of initialized portals.
type Handle struct {
	BPortal int // buffer manager portal index
	QPortal int // queue manager portal index
	TID     int
	Core    int

	restore  func() error
	released bool // guarded by Manager.mu
	unlocked bool // guarded by Manager.mu
}

// snapshot copies the exported fields only.
func (h *Handle) snapshot() Handle {
	return Handle{BPortal: h.BPortal, QPortal: h.QPortal, TID: h.TID, Core: h.Core}
}

// Options configures a Manager.
type Options struct {
	MasterCore int
	// NumCores bounds explicit core hints; hints outside [0, NumCores)
	// resolve to MasterCore. Zero means runtime.NumCPU().
	NumCores int
	Affinity Affinity
	BMan     Subsystem
	QMan     Subsystem
	// Notify, when set, is called after a portal is acquired or released
	// with kind "acquire" or "release".
	Notify func(kind string, h Handle)
}

// Manager tracks the portal handle of every thread.
type Manager struct {
	opts Options

	mu      sync.Mutex
	handles map[int]*Handle // by thread id
}

// NewManager returns a manager with no handles.
func NewManager(opts Options) (*Manager, error) {
	if opts.NumCores <= 0 {
		opts.NumCores = runtime.NumCPU()
	}
	if opts.MasterCore < 0 || opts.MasterCore >= opts.NumCores {
		return nil, fmt.Errorf("master core %d of %d: %w", opts.MasterCore, opts.NumCores, ErrNoCore)
	}
	if opts.Affinity == nil {
		opts.Affinity = CPUAffinity{}
	}
	if opts.BMan == nil || opts.QMan == nil {
		return nil, errors.New("portal: both subsystems are required")
	}
	return &Manager{opts: opts, handles: make(map[int]*Handle)}, nil
}

// resolveCore maps a hint to a core id.
func (m *Manager) resolveCore(hint int) int {
	if hint == MasterCore || hint < 0 || hint >= m.opts.NumCores {
		return m.opts.MasterCore
	}
	return hint
}

// Acquire returns the calling thread's handle, initializing the buffer
// manager portal and then the queue manager portal on first use. The
// calling goroutine stays locked to its OS thread until Release.
func (m *Manager) Acquire(hint int) (*Handle, error) {
	h, _, err := m.acquire(hint)
	return h, err
}

func (m *Manager) acquire(hint int) (*Handle, bool, error) {
	runtime.LockOSThread()
	tid := unix.Gettid()

	m.mu.Lock()
	h, ok := m.handles[tid]
	m.mu.Unlock()
	if ok {
		// Already locked by the Acquire that created h.
		runtime.UnlockOSThread()
		return h, false, nil
	}

	core := m.resolveCore(hint)
	restore, err := m.opts.Affinity.Pin(core)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, false, fmt.Errorf("portal: pin thread %d: %w", tid, err)
	}
	bp, err := m.opts.BMan.Init(core)
	if err != nil {
		m.restoreAffinity(tid, restore)
		runtime.UnlockOSThread()
		return nil, false, fmt.Errorf("portal: %s init on core %d: %w", m.opts.BMan.Name(), core, err)
	}
	qp, err := m.opts.QMan.Init(core)
	if err != nil {
		if ferr := m.opts.BMan.Finish(bp); ferr != nil {
			slog.Warn("portal: rollback failed", "subsystem", m.opts.BMan.Name(), "portal", bp, "err", ferr)
		}
		m.restoreAffinity(tid, restore)
		runtime.UnlockOSThread()
		return nil, false, fmt.Errorf("portal: %s init on core %d: %w", m.opts.QMan.Name(), core, err)
	}

	h = &Handle{BPortal: bp, QPortal: qp, TID: tid, Core: core, restore: restore}
	m.mu.Lock()
	m.handles[tid] = h
	m.mu.Unlock()

	slog.Debug("portal acquired", "tid", tid, "core", core, "bportal", bp, "qportal", qp)
	if m.opts.Notify != nil {
		m.opts.Notify("acquire", h.snapshot())
	}
	return h, true, nil
}

func (m *Manager) restoreAffinity(tid int, restore func() error) {
	if restore == nil {
		return
	}
	if err := restore(); err != nil {
		slog.Warn("portal: affinity restore failed", "tid", tid, "err", err)
	}
}

// Release finishes the queue manager portal, then the buffer manager
// portal, restores the thread's CPU mask and unlocks the calling goroutine
// from its thread. It must be called on the thread that acquired h.
//
// If Close already finished h, Release still unlocks the thread and
// returns ErrReleased.
func (m *Manager) Release(h *Handle) error {
	m.mu.Lock()
	unlocked := h.unlocked
	m.mu.Unlock()
	if unlocked {
		return ErrReleased
	}
	if tid := unix.Gettid(); tid != h.TID {
		return fmt.Errorf("release from thread %d, acquired on %d: %w", tid, h.TID, ErrWrongThread)
	}
	err := m.finish(h)
	m.mu.Lock()
	h.unlocked = true
	m.mu.Unlock()
	runtime.UnlockOSThread()
	return err
}

// finish returns ErrReleased if h was already finished.
func (m *Manager) finish(h *Handle) error {
	m.mu.Lock()
	if h.released {
		m.mu.Unlock()
		return ErrReleased
	}
	h.released = true
	delete(m.handles, h.TID)
	m.mu.Unlock()

	var errs []error
	if err := m.opts.QMan.Finish(h.QPortal); err != nil {
		errs = append(errs, fmt.Errorf("%s finish: %w", m.opts.QMan.Name(), err))
	}
	if err := m.opts.BMan.Finish(h.BPortal); err != nil {
		errs = append(errs, fmt.Errorf("%s finish: %w", m.opts.BMan.Name(), err))
	}
	m.restoreAffinity(h.TID, h.restore)
	slog.Debug("portal released", "tid", h.TID, "core", h.Core)
	if m.opts.Notify != nil {
		m.opts.Notify("release", h.snapshot())
	}
	return errors.Join(errs...)
}

// Do runs fn with the calling thread's handle. A handle acquired by Do is
// released when fn returns or panics; a handle the thread already held is
// left in place.
func (m *Manager) Do(hint int, fn func(*Handle) error) error {
	h, fresh, err := m.acquire(hint)
	if err != nil {
		return err
	}
	if fresh {
		defer func() {
			if err := m.Release(h); err != nil {
				slog.Warn("portal release failed", "tid", h.TID, "err", err)
			}
		}()
	}
	return fn(h)
}

// Active returns the number of threads holding a handle.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close finishes every handle still registered and restores the CPU mask
// of the threads that held them. Those threads remain locked until their
// goroutines call Release or exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range hs {
		slog.Info("portal: releasing leftover handle", "tid", h.TID, "core", h.Core)
		if err := m.finish(h); err != nil && !errors.Is(err, ErrReleased) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
