package of

import "fmt"

// Defaults used when no ancestor declares #address-cells / #size-cells.
const (
	DefaultAddrCells = 1
	DefaultSizeCells = 1
)

func (n *Node) inheritedCells(prop string, def int) int {
	for p := n.parent; p != nil; p = p.parent {
		if v, ok := p.props[prop]; ok && len(v) == CellSize {
			return int(ReadNumber(v, 1))
		}
	}
	return def
}

// NAddrCells returns the number of cells used to encode addresses in
// the node's "reg", as declared by the nearest ancestor.
func NAddrCells(n *Node) int {
	return n.inheritedCells("#address-cells", DefaultAddrCells)
}

// NSizeCells returns the number of cells used to encode sizes in the
// node's "reg".
func NSizeCells(n *Node) int {
	return n.inheritedCells("#size-cells", DefaultSizeCells)
}

// ownCells returns the cell counts a bus node declares for its children.
func ownCells(bus *Node) (na, ns int) {
	na, ns = NAddrCells(bus), NSizeCells(bus)
	if v, ok := bus.props["#address-cells"]; ok && len(v) == CellSize {
		na = int(ReadNumber(v, 1))
	}
	if v, ok := bus.props["#size-cells"]; ok && len(v) == CellSize {
		ns = int(ReadNumber(v, 1))
	}
	return na, ns
}

// GetAddress returns the bus-local address cells and the size of the
// index'th "reg" entry.
func GetAddress(n *Node, index int) ([]byte, uint64, error) {
	reg, err := n.Require("reg")
	if err != nil {
		return nil, 0, err
	}
	na, ns := NAddrCells(n), NSizeCells(n)
	stride := (na + ns) * CellSize
	if stride == 0 || len(reg)%stride != 0 {
		return nil, 0, fmt.Errorf("%s: reg length %d not a multiple of %d: %w",
			n.FullName, len(reg), stride, ErrConfigMalformed)
	}
	if index < 0 || index >= len(reg)/stride {
		return nil, 0, fmt.Errorf("%s: reg index %d out of range: %w", n.FullName, index, ErrConfigMalformed)
	}
	entry := reg[index*stride : (index+1)*stride]
	return entry[:na*CellSize], ReadNumber(entry[na*CellSize:], ns), nil
}

// TranslateAddress turns bus-local address cells of node n into a CPU
// physical address by walking "ranges" of every ancestor bus up to the
// root. An empty "ranges" is an identity mapping; a missing one makes the
// address untranslatable.
func TranslateAddress(n *Node, addr []byte) (uint64, error) {
	na := NAddrCells(n)
	phys := ReadNumber(addr, na)

	for bus := n.parent; bus != nil && bus.parent != nil; bus = bus.parent {
		ranges, ok := bus.props["ranges"]
		if !ok {
			return 0, fmt.Errorf("%s: no ranges on %s: %w", n.FullName, bus.FullName, ErrConfigMalformed)
		}
		if len(ranges) == 0 {
			continue
		}
		childNA, childNS := ownCells(bus)
		parentNA := NAddrCells(bus)
		stride := (childNA + parentNA + childNS) * CellSize
		if len(ranges)%stride != 0 {
			return 0, fmt.Errorf("%s: ranges length %d not a multiple of %d: %w",
				bus.FullName, len(ranges), stride, ErrConfigMalformed)
		}
		matched := false
		for off := 0; off < len(ranges); off += stride {
			e := ranges[off : off+stride]
			child := ReadNumber(e, childNA)
			parent := ReadNumber(e[childNA*CellSize:], parentNA)
			size := ReadNumber(e[(childNA+parentNA)*CellSize:], childNS)
			if phys >= child && phys-child < size {
				phys = phys - child + parent
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("%s: address %#x outside ranges of %s: %w",
				n.FullName, phys, bus.FullName, ErrConfigMalformed)
		}
	}
	return phys, nil
}
