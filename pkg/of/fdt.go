package of

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	fdtMagic = 0xd00dfeed

	fdtBeginNode = 1
	fdtEndNode   = 2
	fdtProp      = 3
	fdtNop       = 4
	fdtEnd       = 9

	fdtHeaderSize = 40
)

// LoadFDT reads a flattened device tree blob from path.
func LoadFDT(path string) (*Tree, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseFDT(b)
}

// ParseFDT parses a flattened device tree blob.
func ParseFDT(b []byte) (*Tree, error) {
	if len(b) < fdtHeaderSize {
		return nil, fmt.Errorf("fdt: short header (%d bytes): %w", len(b), ErrConfigMalformed)
	}
	be := binary.BigEndian
	if be.Uint32(b[0:]) != fdtMagic {
		return nil, fmt.Errorf("fdt: bad magic %#x: %w", be.Uint32(b[0:]), ErrConfigMalformed)
	}
	total := be.Uint32(b[4:])
	offStruct := be.Uint32(b[8:])
	offStrings := be.Uint32(b[12:])
	sizeStrings := be.Uint32(b[32:])
	sizeStruct := be.Uint32(b[36:])
	if uint64(total) > uint64(len(b)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return nil, fmt.Errorf("fdt: blocks exceed blob size %d: %w", len(b), ErrConfigMalformed)
	}
	structs := b[offStruct : offStruct+sizeStruct]
	strs := b[offStrings : offStrings+sizeStrings]

	t := New()
	var cur *Node
	p := 0
	word := func() (uint32, error) {
		if p+4 > len(structs) {
			return 0, fmt.Errorf("fdt: truncated structure block at %d: %w", p, ErrConfigMalformed)
		}
		v := be.Uint32(structs[p:])
		p += 4
		return v, nil
	}
	align := func() { p = (p + 3) &^ 3 }

	for {
		tok, err := word()
		if err != nil {
			return nil, err
		}
		switch tok {
		case fdtBeginNode:
			end := bytes.IndexByte(structs[p:], 0)
			if end < 0 {
				return nil, fmt.Errorf("fdt: unterminated node name: %w", ErrConfigMalformed)
			}
			name := string(structs[p : p+end])
			p += end + 1
			align()
			if cur == nil {
				cur = t.root
			} else {
				cur = t.AddNode(cur, name)
			}
		case fdtEndNode:
			if cur == nil {
				return nil, fmt.Errorf("fdt: unbalanced end node: %w", ErrConfigMalformed)
			}
			cur = cur.parent
		case fdtProp:
			if cur == nil {
				return nil, fmt.Errorf("fdt: property outside node: %w", ErrConfigMalformed)
			}
			plen, err := word()
			if err != nil {
				return nil, err
			}
			nameOff, err := word()
			if err != nil {
				return nil, err
			}
			if uint64(p)+uint64(plen) > uint64(len(structs)) || int(nameOff) >= len(strs) {
				return nil, fmt.Errorf("fdt: property out of bounds: %w", ErrConfigMalformed)
			}
			nameEnd := bytes.IndexByte(strs[nameOff:], 0)
			if nameEnd < 0 {
				return nil, fmt.Errorf("fdt: unterminated property name: %w", ErrConfigMalformed)
			}
			val := make([]byte, plen)
			copy(val, structs[p:p+int(plen)])
			cur.SetProperty(string(strs[nameOff:int(nameOff)+nameEnd]), val)
			p += int(plen)
			align()
		case fdtNop:
		case fdtEnd:
			return t, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token %#x at %d: %w", tok, p-4, ErrConfigMalformed)
		}
	}
}
