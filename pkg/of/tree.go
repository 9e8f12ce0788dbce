// Package of reads the hardware description tree (the Open Firmware /
// flattened device tree) used to discover DPAA blocks: nodes, properties,
// phandle cross-references and register address translation.
package of

import (
	"fmt"
	"strings"
)

// Node is a single device tree node.
type Node struct {
	Name     string // unit name, e.g. "ethernet@e0000"
	FullName string // absolute path, e.g. "/soc/fman@1a00000/ethernet@e0000"

	tree     *Tree
	parent   *Node
	children []*Node
	props    map[string][]byte
	order    []string // property names in insertion order
}

// Tree is an in-memory device tree with a phandle index.
type Tree struct {
	root     *Node
	phandles map[uint32]*Node
}

// New creates an empty tree holding only the root node "/".
func New() *Tree {
	t := &Tree{phandles: make(map[uint32]*Node)}
	t.root = &Node{
		Name:     "",
		FullName: "/",
		tree:     t,
		props:    make(map[string][]byte),
	}
	return t
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.root
}

// AddNode creates a child of parent. A nil parent means the root.
func (t *Tree) AddNode(parent *Node, name string) *Node {
	if parent == nil {
		parent = t.root
	}
	full := parent.FullName + "/" + name
	if parent == t.root {
		full = "/" + name
	}
	n := &Node{
		Name:     name,
		FullName: full,
		tree:     t,
		parent:   parent,
		props:    make(map[string][]byte),
	}
	parent.children = append(parent.children, n)
	return n
}

// SetProperty stores a raw property value, replacing any previous one.
// "phandle" and "linux,phandle" values are indexed for FindByPhandle.
func (n *Node) SetProperty(name string, val []byte) {
	if _, ok := n.props[name]; !ok {
		n.order = append(n.order, name)
	} else {
		n.unindexPhandle(name)
	}
	n.props[name] = val
	if ph, ok := phandleValue(name, val); ok {
		n.tree.phandles[ph] = n
	}
}

func phandleValue(name string, val []byte) (uint32, bool) {
	if (name != "phandle" && name != "linux,phandle") || len(val) != 4 {
		return 0, false
	}
	return uint32(ReadNumber(val, 1)), true
}

// unindexPhandle drops the index entry held by property name, unless the
// node's other phandle property carries the same value.
func (n *Node) unindexPhandle(name string) {
	ph, ok := phandleValue(name, n.props[name])
	if !ok || n.tree.phandles[ph] != n {
		return
	}
	for _, other := range []string{"phandle", "linux,phandle"} {
		if other == name {
			continue
		}
		if v, ok := phandleValue(other, n.props[other]); ok && v == ph {
			return
		}
	}
	delete(n.tree.phandles, ph)
}

// RemoveProperty deletes a property if present.
func (n *Node) RemoveProperty(name string) {
	if _, ok := n.props[name]; !ok {
		return
	}
	n.unindexPhandle(name)
	delete(n.props, name)
	for i, p := range n.order {
		if p == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Property returns the raw bytes of a property. The length of the
// returned slice is the property length; ok is false when absent.
func (n *Node) Property(name string) ([]byte, bool) {
	v, ok := n.props[name]
	return v, ok
}

// PropertyNames returns the node's property names in insertion order.
func (n *Node) PropertyNames() []string {
	return append([]string(nil), n.order...)
}

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the node's children in tree order.
func (n *Node) Children() []*Node {
	return n.children
}

// String returns the first string of a string-list property.
func (n *Node) String(name string) (string, bool) {
	v, ok := n.props[name]
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(string(v), 0); i >= 0 {
		v = v[:i]
	}
	return string(v), true
}

// Strings returns every NUL-separated string of a string-list property.
func (n *Node) Strings(name string) []string {
	v, ok := n.props[name]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range strings.Split(string(v), "\x00") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsCompatible reports whether compat appears in the node's
// "compatible" list.
func (n *Node) IsCompatible(compat string) bool {
	for _, c := range n.Strings("compatible") {
		if c == compat {
			return true
		}
	}
	return false
}

// IsAvailable reports whether the node is enabled. A missing "status"
// property means available.
func (n *Node) IsAvailable() bool {
	s, ok := n.String("status")
	if !ok {
		return true
	}
	return s == "okay" || s == "ok"
}

// Walk visits every node in pre-order. Returning false stops the walk.
func (t *Tree) Walk(fn func(*Node) bool) {
	var visit func(*Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(t.root)
}

// FindCompatible returns all nodes compatible with compat, in tree order.
func (t *Tree) FindCompatible(compat string) []*Node {
	var out []*Node
	t.Walk(func(n *Node) bool {
		if n.IsCompatible(compat) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// FindByPhandle resolves a phandle to its node.
func (t *Tree) FindByPhandle(ph uint32) (*Node, error) {
	n, ok := t.phandles[ph]
	if !ok {
		return nil, fmt.Errorf("phandle %#x: %w", ph, ErrNotFound)
	}
	return n, nil
}

// FindByPath resolves an absolute node path.
func (t *Tree) FindByPath(path string) (*Node, error) {
	if path == "/" || path == "" {
		return t.root, nil
	}
	n := t.root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		var next *Node
		for _, c := range n.children {
			if c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("path %s: %w", path, ErrNotFound)
		}
		n = next
	}
	return n, nil
}
