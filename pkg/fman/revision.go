package fman

import (
	"fmt"
	"log/slog"

	"github.com/christophefontaine/dpdk/pkg/of"
)

const (
	// FMAN_IP_REV_1 inside the controller register bank.
	ipRev1Offset     = 0xC30C4
	ipRev1MajorMask  = 0x0000FF00
	ipRev1MajorShift = 8

	// OffloadMinMajor is the first major revision able to release rx
	// buffers back to their pool without software involvement.
	OffloadMinMajor = 3

	ContextAA2V  = 0x10000000 // address valid
	ContextAOVOM = 0x02000000 // override frame ownership
	ContextAEBD  = 0x80000000 // external buffer deallocation
)

// Revision is the controller silicon revision and the frame queue
// context-A masks it implies.
type Revision struct {
	Major uint16

	// DeallocHi and DeallocLo are OR-ed into the high and low words of
	// the rx frame queue context A. Both are zero below OffloadMinMajor.
	DeallocHi uint32
	DeallocLo uint32
}

// Offload reports whether hardware buffer release is enabled.
func (r Revision) Offload() bool {
	return r.Major >= OffloadMinMajor
}

func revisionFromWord(word uint32) Revision {
	r := Revision{Major: uint16((word & ipRev1MajorMask) >> ipRev1MajorShift)}
	if r.Offload() {
		r.DeallocHi = ContextAA2V | ContextAOVOM
		r.DeallocLo = ContextAEBD
	}
	return r
}

// detectRevision reads the controller revision register on first use and
// caches it. The presence check is not synchronized; callers bind from a
// single goroutine.
func (c *Controller) detectRevision(fmanNode *of.Node) error {
	if c.revDetected {
		return nil
	}
	regs, size, err := of.GetAddress(fmanNode, 0)
	if err != nil {
		return err
	}
	if size < ipRev1Offset+4 {
		return fmt.Errorf("%s: register bank %#x too small for revision register: %w",
			fmanNode.FullName, size, of.ErrConfigMalformed)
	}
	phys, err := of.TranslateAddress(fmanNode, regs)
	if err != nil {
		return err
	}
	w, err := c.mem.Map(phys, size)
	if err != nil {
		return fmt.Errorf("%s: %w", fmanNode.FullName, err)
	}
	word := w.In32(ipRev1Offset)
	if err := w.Unmap(); err != nil {
		slog.Warn("fman: unmap revision window failed", "node", fmanNode.FullName, "err", err)
	}
	c.rev = revisionFromWord(word)
	c.revDetected = true
	slog.Info("fman revision detected",
		"node", fmanNode.FullName, "major", c.rev.Major, "offload", c.rev.Offload())
	return nil
}
