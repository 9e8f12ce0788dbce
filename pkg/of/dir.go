package of

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDir is where the running kernel exposes its device tree.
const DefaultDir = "/proc/device-tree"

// LoadDir reads a device tree exposed as a directory hierarchy, one
// directory per node and one file per property.
func LoadDir(root string) (*Tree, error) {
	t := New()
	if err := loadDir(t, t.root, root); err != nil {
		return nil, err
	}
	return t, nil
}

func loadDir(t *Tree, n *Node, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	// Properties first so children see the bus cell counts.
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		val, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read property %s: %w", filepath.Join(dir, e.Name()), err)
		}
		n.SetProperty(e.Name(), val)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := t.AddNode(n, e.Name())
		if err := loadDir(t, child, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a device tree from path: a directory is read with LoadDir,
// a regular file is parsed as a flattened blob.
func Load(path string) (*Tree, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return LoadDir(path)
	}
	return LoadFDT(path)
}
