package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// GDT slot indexes. Slot 0 is the mandatory null descriptor.
const (
	gdtNull = iota
	gdtKernelCode
	gdtKernelData
	gdtUserCode
	gdtUserData
	gdtTaskState
	gdtEntries
)

// Selectors for the fixed GDT. Any code that performs a privileged control
// transfer or builds a gate must use these rather than recompute them.
const (
	KernelCodeSelector Selector = gdtKernelCode<<selectorIndexShift | Selector(Ring0) // 0x08
	KernelDataSelector Selector = gdtKernelData<<selectorIndexShift | Selector(Ring0) // 0x10
	UserCodeSelector   Selector = gdtUserCode<<selectorIndexShift | Selector(Ring3)   // 0x1B
	UserDataSelector   Selector = gdtUserData<<selectorIndexShift | Selector(Ring3)   // 0x23
	TaskStateSelector  Selector = gdtTaskState<<selectorIndexShift | Selector(Ring0)  // 0x28
)

const (
	// GDTEntries is the number of descriptors in the fixed GDT.
	GDTEntries = gdtEntries

	// GDTSize is the size in bytes of the fixed GDT.
	GDTSize = GDTEntries * DescriptorSize

	// TaskStateSize is the size of the 32-bit task-state block the TSS
	// descriptor references.
	TaskStateSize = 0x68

	// flatLimit covers the whole 4 GiB linear address space.
	flatLimit = 0xFFFFFFFF
)

// TablePointer is the 6-byte operand of LGDT/LIDT: a 16-bit limit (table
// size minus one) followed by the 32-bit linear base address.
type TablePointer struct {
	Limit uint16
	Base  uint32
}

// PointerFor derives the table pointer for a table of size bytes at base.
func PointerFor(base uint32, size int) TablePointer {
	if size <= 0 || size > 1<<16 {
		panic(&Error{Module: "table", Message: fmt.Sprintf("table size %d out of range", size)})
	}
	return TablePointer{Limit: uint16(size - 1), Base: base}
}

// Bytes returns the in-memory layout the load-table instructions expect.
func (p TablePointer) Bytes() [6]byte {
	var b [6]byte
	binary.LittleEndian.PutUint16(b[0:2], p.Limit)
	binary.LittleEndian.PutUint32(b[2:6], p.Base)
	return b
}

// Size returns the table size in bytes.
func (p TablePointer) Size() int {
	return int(p.Limit) + 1
}

func (p TablePointer) String() string {
	return fmt.Sprintf("base=%#x limit=%#x", p.Base, p.Limit)
}

// GDT is the global descriptor table: null, ring 0 code/data, ring 3
// code/data and one TSS descriptor. Its buffer is populated once by NewGDT
// and never mutated afterwards.
type GDT struct {
	base  uint32
	table [GDTSize]byte
}

// NewGDT builds the fixed table for placement at base. tssBase is the
// linear address of the TaskStateSize-byte task-state block.
func NewGDT(base, tssBase uint32) *GDT {
	g := &GDT{base: base}

	// Slot 0 stays zero.
	g.put(gdtKernelCode, EncodeSegment(0, flatLimit, SegmentCode, Ring0))
	g.put(gdtKernelData, EncodeSegment(0, flatLimit, SegmentData, Ring0))
	g.put(gdtUserCode, EncodeSegment(0, flatLimit, SegmentCode, Ring3))
	g.put(gdtUserData, EncodeSegment(0, flatLimit, SegmentData, Ring3))
	g.put(gdtTaskState, EncodeTaskState(tssBase, TaskStateSize-1, Ring0))
	return g
}

func (g *GDT) put(index int, d Descriptor) {
	copy(g.table[index*DescriptorSize:], d[:])
}

// Entry returns the descriptor at index.
func (g *GDT) Entry(index int) (Descriptor, error) {
	var d Descriptor
	if index < 0 || index >= GDTEntries {
		return d, fmt.Errorf("gdt: index %d out of range [0,%d)", index, GDTEntries)
	}
	copy(d[:], g.table[index*DescriptorSize:])
	return d, nil
}

// Lookup returns the descriptor referenced by sel, rejecting the null
// selector and LDT selectors.
func (g *GDT) Lookup(sel Selector) (Descriptor, error) {
	if sel.Local() {
		return Descriptor{}, fmt.Errorf("gdt: selector %v references the LDT", sel)
	}
	if sel.IsNull() {
		return Descriptor{}, fmt.Errorf("gdt: null selector cannot be dereferenced")
	}
	return g.Entry(int(sel.Index()))
}

// Bytes returns a copy of the table.
func (g *GDT) Bytes() []byte {
	b := make([]byte, GDTSize)
	copy(b, g.table[:])
	return b
}

// Base returns the linear address the table is built for.
func (g *GDT) Base() uint32 {
	return g.base
}

// Pointer returns the LGDT operand for the table.
func (g *GDT) Pointer() TablePointer {
	return PointerFor(g.base, GDTSize)
}
