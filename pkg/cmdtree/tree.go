// Package cmdtree defines the dpaactl command tree.
//
// The same tree drives dispatch help, tab completion and "?" context help.
// When adding a command, add it here and it appears in all three.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Source supplies dynamic values, such as interface names, at completion
// time.
type Source interface {
	Values(kind string) []string
}

// Dynamic value kinds.
const (
	DynInterfaces = "interfaces"
	DynDevices    = "devices"
)

// Node defines a completion tree node with description, children, and an
// optional dynamic value kind.
type Node struct {
	Desc     string
	Children map[string]*Node
	Dynamic  string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// Tree is the dpaactl command tree.
var Tree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":     {Desc: "Show bus state and counters"},
		"interfaces": {Desc: "Show bound interfaces", Dynamic: DynInterfaces},
		"devices": {Desc: "Show discovered devices", Children: map[string]*Node{
			"network": {Desc: "Network devices only"},
			"crypto":  {Desc: "Crypto devices only"},
		}},
		"netcfg": {Desc: "Show the network configuration"},
		"events": {Desc: "Show recent bus events [N]", Children: map[string]*Node{
			"kind":   {Desc: "Only events whose kind starts with a prefix"},
			"device": {Desc: "Only events for one device", Dynamic: DynDevices},
		}},
	}},
	"monitor": {Desc: "Follow live output", Children: map[string]*Node{
		"events": {Desc: "Stream bus events until interrupted", Children: map[string]*Node{
			"kind":   {Desc: "Only events whose kind starts with a prefix"},
			"device": {Desc: "Only events for one device", Dynamic: DynDevices},
		}},
	}},
	"help": {Desc: "Show available commands"},
	"quit": {Desc: "Exit the CLI"},
	"exit": {Desc: "Exit the CLI"},
}

// Complete walks tree along words and returns the candidates starting with
// partial. Words not in the tree are accepted as values of the preceding
// node when it has a dynamic kind or no children.
func Complete(tree map[string]*Node, words []string, partial string, src Source) []Candidate {
	current := tree
	var currentNode *Node
	consumed := false
	for _, w := range words {
		consumed = false
		node, ok := current[w]
		if !ok {
			if currentNode != nil && currentNode.Dynamic != "" {
				consumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.Dynamic == "" {
				return nil
			}
			continue
		}
		current = node.Children
	}

	var candidates []Candidate
	if currentNode == nil || currentNode.Children != nil {
		for name, node := range current {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
			}
		}
	}
	if !consumed && currentNode != nil && currentNode.Dynamic != "" && src != nil {
		for _, v := range src.Values(currentNode.Dynamic) {
			if strings.HasPrefix(v, partial) {
				candidates = append(candidates, Candidate{Name: v})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates
}

// Names returns the candidate names.
func Names(candidates []Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return names
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}
