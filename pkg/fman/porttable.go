package fman

import (
	"fmt"
	"maps"
	"slices"

	"github.com/christophefontaine/dpdk/pkg/of"
)

// PortTable maps the register offset of a MAC inside its controller to
// the port index. The device tree "cell-index" of a MAC is not used
// because some silicon repeats it across distinct ports.
type PortTable map[uint64]uint8

// DefaultPortTable covers the ten MAC slots of current FMan parts.
var DefaultPortTable = PortTable{
	0xE0000: 1,
	0xE2000: 2,
	0xE4000: 3,
	0xE6000: 4,
	0xE8000: 5,
	0xEA000: 6,
	0xEC000: 7,
	0xEE000: 8,
	0xF0000: 9,
	0xF2000: 10,
}

// Index returns the port index for a MAC register offset. Unknown offsets
// are rejected.
func (t PortTable) Index(offset uint64) (uint8, error) {
	idx, ok := t[offset]
	if !ok {
		return 0, fmt.Errorf("MAC register offset %#x not in port table: %w", offset, of.ErrConfigMalformed)
	}
	return idx, nil
}

// With returns a copy of t extended with extra entries. An extra offset
// already in t, or an index already used by t or by another extra entry,
// is rejected.
func (t PortTable) With(extra map[uint64]uint8) (PortTable, error) {
	out := make(PortTable, len(t)+len(extra))
	used := make(map[uint8]uint64, len(t)+len(extra))
	for off, idx := range t {
		out[off] = idx
		used[idx] = off
	}
	for _, off := range slices.Sorted(maps.Keys(extra)) {
		idx := extra[off]
		if _, ok := out[off]; ok {
			return nil, fmt.Errorf("MAC register offset %#x already mapped: %w", off, of.ErrConfigMalformed)
		}
		if prev, ok := used[idx]; ok {
			return nil, fmt.Errorf("port index %d of offset %#x already used by %#x: %w", idx, off, prev, of.ErrConfigMalformed)
		}
		out[off] = idx
		used[idx] = off
	}
	return out, nil
}
