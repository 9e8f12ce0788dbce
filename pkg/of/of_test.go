package of

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadNumber(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		n    int
		want uint64
	}{
		{"one cell", EncodeCells(0xE0000), 1, 0xE0000},
		{"two cells", EncodeCells(0x1, 0x2000), 2, 0x100002000},
		{"first of two", EncodeCells(0x12, 0x34), 1, 0x12},
		{"short buffer", []byte{0, 0}, 1, 0},
		{"three cells keep low 64 bits", EncodeCells(0xdead, 0x1, 0x2), 3, 0x100000002},
	}
	for _, tt := range tests {
		if got := ReadNumber(tt.buf, tt.n); got != tt.want {
			t.Errorf("%s: ReadNumber = %#x, want %#x", tt.name, got, tt.want)
		}
	}
}

func TestCells(t *testing.T) {
	c, err := Cells(EncodeCells(1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != 3 || c[0] != 1 || c[2] != 3 {
		t.Errorf("Cells = %v", c)
	}
	if _, err := Cells([]byte{1, 2, 3}); !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("odd length: err = %v, want ErrConfigMalformed", err)
	}
}

func TestPhandleResolution(t *testing.T) {
	tr := New()
	a := tr.AddNode(nil, "a")
	a.SetProperty("phandle", EncodeCells(7))
	b := tr.AddNode(nil, "b")
	b.SetProperty("ref", EncodeCells(7))
	b.SetProperty("dangling", EncodeCells(9))
	b.SetProperty("wide", EncodeCells(7, 7))

	got, err := b.Phandle("ref")
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Errorf("Phandle(ref) = %s, want %s", got.FullName, a.FullName)
	}
	if _, err := b.Phandle("dangling"); !errors.Is(err, ErrNotFound) {
		t.Errorf("dangling: err = %v, want ErrNotFound", err)
	}
	if _, err := b.Phandle("missing"); !errors.Is(err, ErrConfigMissing) {
		t.Errorf("missing: err = %v, want ErrConfigMissing", err)
	}
	if _, err := b.Phandle("wide"); !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("wide: err = %v, want ErrConfigMalformed", err)
	}
}

func TestPhandleReindex(t *testing.T) {
	tr := New()
	a := tr.AddNode(nil, "a")
	a.SetProperty("phandle", EncodeCells(7))
	a.SetProperty("phandle", EncodeCells(8))
	if _, err := tr.FindByPhandle(7); !errors.Is(err, ErrNotFound) {
		t.Errorf("old phandle 7: err = %v, want ErrNotFound", err)
	}
	if got, err := tr.FindByPhandle(8); err != nil || got != a {
		t.Errorf("FindByPhandle(8) = %v, %v", got, err)
	}

	// Both properties carry the same value; removing one keeps the entry.
	a.SetProperty("linux,phandle", EncodeCells(8))
	a.RemoveProperty("phandle")
	if got, err := tr.FindByPhandle(8); err != nil || got != a {
		t.Errorf("after removing phandle: %v, %v", got, err)
	}
	a.RemoveProperty("linux,phandle")
	if _, err := tr.FindByPhandle(8); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed phandle 8: err = %v, want ErrNotFound", err)
	}

	// A node that took over a value keeps it when the previous owner drops it.
	b := tr.AddNode(nil, "b")
	a.SetProperty("phandle", EncodeCells(9))
	b.SetProperty("phandle", EncodeCells(9))
	a.RemoveProperty("phandle")
	if got, err := tr.FindByPhandle(9); err != nil || got != b {
		t.Errorf("FindByPhandle(9) = %v, %v, want b", got, err)
	}
}

func TestCompatibleAndStatus(t *testing.T) {
	tr := New()
	soc := tr.AddNode(nil, "soc")
	e0 := tr.AddNode(soc, "ethernet@0")
	e0.SetProperty("compatible", EncodeStrings("vendor,x", "fsl,dpa-ethernet-init"))
	e1 := tr.AddNode(soc, "ethernet@1")
	e1.SetProperty("compatible", EncodeStrings("fsl,dpa-ethernet-init"))
	e1.SetProperty("status", EncodeStrings("disabled"))

	nodes := tr.FindCompatible("fsl,dpa-ethernet-init")
	if len(nodes) != 2 || nodes[0] != e0 || nodes[1] != e1 {
		t.Fatalf("FindCompatible returned %d nodes", len(nodes))
	}
	if !e0.IsAvailable() {
		t.Error("node without status should be available")
	}
	if e1.IsAvailable() {
		t.Error("disabled node reported available")
	}
	if e0.FullName != "/soc/ethernet@0" {
		t.Errorf("FullName = %q", e0.FullName)
	}
	if n, err := tr.FindByPath("/soc/ethernet@1"); err != nil || n != e1 {
		t.Errorf("FindByPath = %v, %v", n, err)
	}
	if _, err := tr.FindByPath("/soc/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByPath missing: err = %v", err)
	}
}

// buildSoc returns soc (1 addr cell, ranges 0 -> 0xffe000000) with an
// fman child bus mapping 0 -> 0x400000 inside it.
func buildSoc(t *testing.T) (*Tree, *Node) {
	t.Helper()
	tr := New()
	root := tr.Root()
	root.SetProperty("#address-cells", EncodeCells(2))
	root.SetProperty("#size-cells", EncodeCells(2))
	soc := tr.AddNode(nil, "soc@ffe000000")
	soc.SetProperty("#address-cells", EncodeCells(1))
	soc.SetProperty("#size-cells", EncodeCells(1))
	soc.SetProperty("ranges", EncodeCells(0x0, 0xf, 0xfe000000, 0x1000000))
	fman := tr.AddNode(soc, "fman@400000")
	fman.SetProperty("#address-cells", EncodeCells(1))
	fman.SetProperty("#size-cells", EncodeCells(1))
	fman.SetProperty("reg", EncodeCells(0x400000, 0x100000))
	fman.SetProperty("ranges", EncodeCells(0x0, 0x400000, 0x100000))
	mac := tr.AddNode(fman, "ethernet@e0000")
	mac.SetProperty("reg", EncodeCells(0xe0000, 0x1000))
	return tr, mac
}

func TestGetAddressAndTranslate(t *testing.T) {
	_, mac := buildSoc(t)

	if na := NAddrCells(mac); na != 1 {
		t.Fatalf("NAddrCells = %d, want 1", na)
	}
	addr, size, err := GetAddress(mac, 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != 0x1000 {
		t.Errorf("size = %#x, want 0x1000", size)
	}
	if off := ReadNumber(addr, NAddrCells(mac)); off != 0xe0000 {
		t.Errorf("bus address = %#x, want 0xe0000", off)
	}
	phys, err := TranslateAddress(mac, addr)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(0xffe000000 + 0x400000 + 0xe0000); phys != want {
		t.Errorf("phys = %#x, want %#x", phys, want)
	}

	if _, _, err := GetAddress(mac, 1); !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("index out of range: err = %v", err)
	}
}

func TestTranslateMissingRanges(t *testing.T) {
	_, mac := buildSoc(t)
	fman := mac.Parent()
	fman.RemoveProperty("ranges")
	addr, _, err := GetAddress(mac, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := TranslateAddress(mac, addr); !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("err = %v, want ErrConfigMalformed", err)
	}
}

func TestTranslateEmptyRangesIsIdentity(t *testing.T) {
	tr := New()
	bus := tr.AddNode(nil, "bus")
	bus.SetProperty("ranges", nil)
	dev := tr.AddNode(bus, "dev@1000")
	dev.SetProperty("reg", EncodeCells(0x1000, 0x100))
	addr, _, err := GetAddress(dev, 0)
	if err != nil {
		t.Fatal(err)
	}
	phys, err := TranslateAddress(dev, addr)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x1000 {
		t.Errorf("phys = %#x, want 0x1000", phys)
	}
}

// fdtBuilder assembles a minimal flattened device tree blob.
type fdtBuilder struct {
	structs []byte
	strs    []byte
	offsets map[string]uint32
}

func (b *fdtBuilder) u32(v uint32) {
	b.structs = binary.BigEndian.AppendUint32(b.structs, v)
}

func (b *fdtBuilder) pad() {
	for len(b.structs)%4 != 0 {
		b.structs = append(b.structs, 0)
	}
}

func (b *fdtBuilder) begin(name string) {
	b.u32(fdtBeginNode)
	b.structs = append(b.structs, name...)
	b.structs = append(b.structs, 0)
	b.pad()
}

func (b *fdtBuilder) end() { b.u32(fdtEndNode) }

func (b *fdtBuilder) prop(name string, val []byte) {
	if b.offsets == nil {
		b.offsets = make(map[string]uint32)
	}
	off, ok := b.offsets[name]
	if !ok {
		off = uint32(len(b.strs))
		b.offsets[name] = off
		b.strs = append(b.strs, name...)
		b.strs = append(b.strs, 0)
	}
	b.u32(fdtProp)
	b.u32(uint32(len(val)))
	b.u32(off)
	b.structs = append(b.structs, val...)
	b.pad()
}

func (b *fdtBuilder) blob() []byte {
	b.u32(fdtEnd)
	hdr := make([]byte, fdtHeaderSize)
	offStruct := uint32(fdtHeaderSize + 16) // empty reserve map entry
	offStrings := offStruct + uint32(len(b.structs))
	total := offStrings + uint32(len(b.strs))
	be := binary.BigEndian
	be.PutUint32(hdr[0:], fdtMagic)
	be.PutUint32(hdr[4:], total)
	be.PutUint32(hdr[8:], offStruct)
	be.PutUint32(hdr[12:], offStrings)
	be.PutUint32(hdr[16:], fdtHeaderSize)
	be.PutUint32(hdr[20:], 17)
	be.PutUint32(hdr[24:], 16)
	be.PutUint32(hdr[32:], uint32(len(b.strs)))
	be.PutUint32(hdr[36:], uint32(len(b.structs)))
	out := append(hdr, make([]byte, 16)...)
	out = append(out, b.structs...)
	return append(out, b.strs...)
}

func TestParseFDT(t *testing.T) {
	var b fdtBuilder
	b.begin("")
	b.prop("#address-cells", EncodeCells(1))
	b.begin("pool@0")
	b.prop("compatible", EncodeStrings("fsl,bpool"))
	b.prop("phandle", EncodeCells(3))
	b.prop("fsl,bpid", EncodeCells(8))
	b.end()
	b.begin("odd")
	b.prop("name", []byte("odd\x00\x00")) // 5 bytes forces padding
	b.prop("ref", EncodeCells(3))
	b.end()
	b.end()

	tr, err := ParseFDT(b.blob())
	if err != nil {
		t.Fatalf("ParseFDT: %v", err)
	}
	pools := tr.FindCompatible("fsl,bpool")
	if len(pools) != 1 || pools[0].FullName != "/pool@0" {
		t.Fatalf("pools = %v", pools)
	}
	if bpid, err := pools[0].Uint32("fsl,bpid"); err != nil || bpid != 8 {
		t.Errorf("bpid = %d, %v", bpid, err)
	}
	odd, err := tr.FindByPath("/odd")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := odd.Property("name"); len(v) != 5 {
		t.Errorf("name length = %d, want 5", len(v))
	}
	if ref, err := odd.Phandle("ref"); err != nil || ref != pools[0] {
		t.Errorf("ref = %v, %v", ref, err)
	}
}

func TestParseFDTRejectsGarbage(t *testing.T) {
	if _, err := ParseFDT([]byte("not a tree")); !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("short blob: err = %v", err)
	}
	bad := make([]byte, fdtHeaderSize)
	binary.BigEndian.PutUint32(bad, 0x12345678)
	if _, err := ParseFDT(bad); !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("bad magic: err = %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "soc", "crypto@30000")
	if err := os.MkdirAll(node, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(path string, val []byte) {
		if err := os.WriteFile(path, val, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(root, "#address-cells"), EncodeCells(1))
	write(filepath.Join(node, "compatible"), EncodeStrings("fsl,sec-v4.0"))
	write(filepath.Join(node, "fsl,sec-era"), EncodeCells(4))

	tr, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	nodes := tr.FindCompatible("fsl,sec-v4.0")
	if len(nodes) != 1 || nodes[0].FullName != "/soc/crypto@30000" {
		t.Fatalf("nodes = %v", nodes)
	}
	if era, err := nodes[0].Uint32("fsl,sec-era"); err != nil || era != 4 {
		t.Errorf("era = %d, %v", era, err)
	}
}
