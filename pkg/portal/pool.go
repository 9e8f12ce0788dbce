package portal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/christophefontaine/dpdk/pkg/fman"
	"github.com/christophefontaine/dpdk/pkg/of"
)

// Device tree compatibles of the software portals.
const (
	CompatBManPortal = "fsl,bman-portal"
	CompatQManPortal = "fsl,qman-portal"
)

// ErrNoPortal is returned when every portal of a pool is in use.
var ErrNoPortal = errors.New("no free portal")

type slot struct {
	index uint32
	cpu   int // -1 when not tied to a core
	node  *of.Node
	inUse bool
	win   *fman.Window
}

// Pool is a Subsystem handing out the portals found in the device tree.
type Pool struct {
	name string
	mem  fman.PhysMem

	mu    sync.Mutex
	slots []*slot
}

// DiscoverPool collects the available nodes compatible with compat. When
// mem is non-nil each claimed portal's first register bank is mapped
// while it is in use.
func DiscoverPool(tree *of.Tree, name, compat string, mem fman.PhysMem) (*Pool, error) {
	p := &Pool{name: name, mem: mem}
	for _, n := range tree.FindCompatible(compat) {
		if !n.IsAvailable() {
			continue
		}
		idx, err := n.Uint32("cell-index")
		if err != nil {
			return nil, err
		}
		s := &slot{index: idx, cpu: -1, node: n}
		if _, ok := n.Property("cpu-handle"); ok {
			cpu, err := n.Phandle("cpu-handle")
			if err != nil {
				return nil, err
			}
			reg, err := cpu.Uint32("reg")
			if err != nil {
				return nil, err
			}
			s.cpu = int(reg)
		}
		p.slots = append(p.slots, s)
	}
	slog.Debug("portal pool discovered", "pool", name, "portals", len(p.slots))
	return p, nil
}

// Name implements Subsystem.
func (p *Pool) Name() string { return p.name }

// Init claims the portal tied to core, or else the first free portal not
// tied to any core.
func (p *Pool) Init(core int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pick *slot
	for _, s := range p.slots {
		if s.inUse {
			continue
		}
		if s.cpu == core {
			pick = s
			break
		}
		if s.cpu < 0 && pick == nil {
			pick = s
		}
	}
	if pick == nil {
		return 0, fmt.Errorf("%s core %d: %w", p.name, core, ErrNoPortal)
	}
	if p.mem != nil {
		regs, size, err := of.GetAddress(pick.node, 0)
		if err != nil {
			return 0, err
		}
		phys, err := of.TranslateAddress(pick.node, regs)
		if err != nil {
			return 0, err
		}
		if pick.win, err = p.mem.Map(phys, size); err != nil {
			return 0, fmt.Errorf("%s portal %d: %w", p.name, pick.index, err)
		}
	}
	pick.inUse = true
	return int(pick.index), nil
}

// Finish implements Subsystem.
func (p *Pool) Finish(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if int(s.index) != index || !s.inUse {
			continue
		}
		s.inUse = false
		err := s.win.Unmap()
		s.win = nil
		return err
	}
	return fmt.Errorf("%s portal %d not in use", p.name, index)
}

// InUse returns the number of claimed portals.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.inUse {
			n++
		}
	}
	return n
}

// Len returns the number of portals in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
