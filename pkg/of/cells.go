package of

import (
	"encoding/binary"
	"fmt"
)

// CellSize is the size in bytes of one device tree cell.
const CellSize = 4

// ReadNumber decodes the first n big-endian cells of buf into a host
// integer. Cells beyond 64 bits shift the high ones out, as in the
// kernel's of_read_number.
func ReadNumber(buf []byte, n int) uint64 {
	var v uint64
	for i := 0; i < n && (i+1)*CellSize <= len(buf); i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(buf[i*CellSize:]))
	}
	return v
}

// Cells decodes a whole property into host-order 32-bit cells.
func Cells(buf []byte) ([]uint32, error) {
	if len(buf)%CellSize != 0 {
		return nil, fmt.Errorf("length %d not a multiple of %d: %w", len(buf), CellSize, ErrConfigMalformed)
	}
	out := make([]uint32, len(buf)/CellSize)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(buf[i*CellSize:])
	}
	return out, nil
}

// EncodeCells encodes host integers as big-endian cells.
func EncodeCells(v ...uint32) []byte {
	buf := make([]byte, len(v)*CellSize)
	for i, c := range v {
		binary.BigEndian.PutUint32(buf[i*CellSize:], c)
	}
	return buf
}

// EncodeStrings encodes a NUL-terminated string list.
func EncodeStrings(s ...string) []byte {
	var buf []byte
	for _, v := range s {
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	return buf
}

// Require returns a property that must be present.
func (n *Node) Require(name string) ([]byte, error) {
	v, ok := n.props[name]
	if !ok {
		return nil, fmt.Errorf("%s: no %s: %w", n.FullName, name, ErrConfigMissing)
	}
	return v, nil
}

// CellsExact returns a required property that must hold exactly count
// cells.
func (n *Node) CellsExact(name string, count int) ([]uint32, error) {
	v, err := n.Require(name)
	if err != nil {
		return nil, err
	}
	if len(v) != count*CellSize {
		return nil, fmt.Errorf("%s: %s has %d bytes, want %d cells: %w",
			n.FullName, name, len(v), count, ErrConfigMalformed)
	}
	return Cells(v)
}

// Uint32 returns a required single-cell property.
func (n *Node) Uint32(name string) (uint32, error) {
	c, err := n.CellsExact(name, 1)
	if err != nil {
		return 0, err
	}
	return c[0], nil
}

// Phandle resolves a required single-cell phandle property.
func (n *Node) Phandle(name string) (*Node, error) {
	ph, err := n.Uint32(name)
	if err != nil {
		return nil, err
	}
	target, err := n.tree.FindByPhandle(ph)
	if err != nil {
		return nil, fmt.Errorf("%s: bad %s: %w", n.FullName, name, err)
	}
	return target, nil
}
