package hypervisor_test

import (
	"bytes"
	"testing"

	"example.com/bootcore/core_engine/hypervisor"
)

const (
	testGDTBase = 0x800
	testTSSBase = 0x900
)

func TestNewGDT_Layout(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	b := g.Bytes()
	if len(b) != 48 {
		t.Fatalf("Expected 48-byte GDT, got %d", len(b))
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // null
		0xFF, 0xFF, 0x00, 0x00, 0x00, 0x9A, 0xCF, 0x00, // kernel code
		0xFF, 0xFF, 0x00, 0x00, 0x00, 0x92, 0xCF, 0x00, // kernel data
		0xFF, 0xFF, 0x00, 0x00, 0x00, 0xFA, 0xCF, 0x00, // user code
		0xFF, 0xFF, 0x00, 0x00, 0x00, 0xF2, 0xCF, 0x00, // user data
		0x67, 0x00, 0x00, 0x09, 0x00, 0x89, 0x00, 0x00, // TSS at 0x900
	}
	if !bytes.Equal(b, want) {
		t.Errorf("Unexpected GDT image:\nexpected % x\ngot      % x", want, b)
	}
}

func TestNewGDT_NullDescriptor(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	d, err := g.Entry(0)
	if err != nil {
		t.Fatalf("Entry(0) failed: %v", err)
	}
	if !d.IsNull() {
		t.Errorf("Expected entry 0 to be all zero, got % x", d)
	}
}

func TestGDT_SelectorsReferenceExpectedEntries(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	tests := []struct {
		sel  hypervisor.Selector
		raw  uint16
		kind hypervisor.SegmentKind
		dpl  hypervisor.PrivilegeLevel
	}{
		{hypervisor.KernelCodeSelector, 0x08, hypervisor.SegmentCode, hypervisor.Ring0},
		{hypervisor.KernelDataSelector, 0x10, hypervisor.SegmentData, hypervisor.Ring0},
		{hypervisor.UserCodeSelector, 0x1B, hypervisor.SegmentCode, hypervisor.Ring3},
		{hypervisor.UserDataSelector, 0x23, hypervisor.SegmentData, hypervisor.Ring3},
		{hypervisor.TaskStateSelector, 0x28, hypervisor.SegmentTaskState, hypervisor.Ring0},
	}
	for _, tt := range tests {
		if uint16(tt.sel) != tt.raw {
			t.Errorf("Expected selector %#x, got %#x", tt.raw, uint16(tt.sel))
		}
		d, err := g.Lookup(tt.sel)
		if err != nil {
			t.Fatalf("Lookup(%v) failed: %v", tt.sel, err)
		}
		f := hypervisor.DecodeSegment(d)
		if f.Kind != tt.kind || f.DPL != tt.dpl {
			t.Errorf("Selector %v: expected %v ring %d, got %v ring %d", tt.sel, tt.kind, tt.dpl, f.Kind, f.DPL)
		}
		if f.DPL != tt.sel.RPL() {
			t.Errorf("Selector %v: RPL %d does not match DPL %d", tt.sel, tt.sel.RPL(), f.DPL)
		}
	}
}

func TestGDT_FlatSegments(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	for i := 1; i <= 4; i++ {
		d, _ := g.Entry(i)
		f := hypervisor.DecodeSegment(d)
		if f.Base != 0 || f.Limit != 0xFFFFFFFF || !f.PageGranular || !f.Size32 {
			t.Errorf("Entry %d: expected flat 4 GiB 32-bit segment, got %+v", i, f)
		}
	}
	d, _ := g.Entry(5)
	f := hypervisor.DecodeSegment(d)
	if f.Base != testTSSBase || f.Limit != hypervisor.TaskStateSize-1 {
		t.Errorf("TSS entry: expected base %#x limit %#x, got %+v", testTSSBase, hypervisor.TaskStateSize-1, f)
	}
}

func TestGDT_EntryOutOfRange(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	if _, err := g.Entry(hypervisor.GDTEntries); err == nil {
		t.Errorf("Expected error for index %d", hypervisor.GDTEntries)
	}
	if _, err := g.Entry(-1); err == nil {
		t.Errorf("Expected error for index -1")
	}
}

func TestGDT_LookupRejectsNullAndLocal(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	if _, err := g.Lookup(0); err == nil {
		t.Errorf("Expected error for null selector")
	}
	if _, err := g.Lookup(0x0C); err == nil {
		t.Errorf("Expected error for LDT selector")
	}
	if _, err := g.Lookup(0x30); err == nil {
		t.Errorf("Expected error for selector past the table")
	}
}

func TestGDT_BytesIsCopy(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	b := g.Bytes()
	b[13] = 0
	d, _ := g.Entry(1)
	if d[5] != 0x9A {
		t.Errorf("Mutating Bytes() changed the table: access byte %#x", d[5])
	}
}

func TestGDT_Pointer(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	p := g.Pointer()
	if p.Limit != 47 || p.Base != testGDTBase {
		t.Errorf("Expected limit 47 base %#x, got %v", testGDTBase, p)
	}
	if p.Size() != hypervisor.GDTSize {
		t.Errorf("Expected size %d, got %d", hypervisor.GDTSize, p.Size())
	}
	want := [6]byte{47, 0, 0x00, 0x08, 0x00, 0x00}
	if p.Bytes() != want {
		t.Errorf("Expected pointer bytes % x, got % x", want, p.Bytes())
	}
}

func TestPointerFor_OutOfRange(t *testing.T) {
	expectPanicError(t, func() { hypervisor.PointerFor(0, 0) })
	expectPanicError(t, func() { hypervisor.PointerFor(0, 1<<16+1) })
}

func TestLoadSegment(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	c, err := hypervisor.LoadSegment(g, hypervisor.KernelCodeSelector)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	if c.Type != 0xB {
		t.Errorf("Expected code type 0xb with accessed bit, got %#x", c.Type)
	}
	if !c.S || !c.DB || !c.G || c.Limit != 0xFFFFFFFF || c.Base != 0 {
		t.Errorf("Unexpected cache %+v", c)
	}

	c, err = hypervisor.LoadSegmentFromTable(g.Bytes(), g.Pointer().Limit, hypervisor.KernelDataSelector)
	if err != nil {
		t.Fatalf("LoadSegmentFromTable failed: %v", err)
	}
	if c.Type != 0x3 || c.Selector != hypervisor.KernelDataSelector {
		t.Errorf("Expected data type 0x3, got %+v", c)
	}
}

func TestLoadSegmentFromTable_BeyondLimit(t *testing.T) {
	g := hypervisor.NewGDT(testGDTBase, testTSSBase)
	if _, err := hypervisor.LoadSegmentFromTable(g.Bytes(), 23, hypervisor.UserCodeSelector); err == nil {
		t.Errorf("Expected error for selector beyond limit 23")
	}
	if _, err := hypervisor.LoadSegmentFromTable(g.Bytes(), 47, 0); err == nil {
		t.Errorf("Expected error for null selector")
	}
}
