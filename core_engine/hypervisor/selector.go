package hypervisor

import "fmt"

// Selector is a 16-bit reference into a descriptor table.
// Bits 0-1: requested privilege level (RPL).
// Bit 2:    table indicator (0 = GDT, 1 = LDT).
// Bits 3-15: descriptor index.
type Selector uint16

const (
	selectorRPLMask    = 0x3
	selectorTableLocal = 1 << 2
	selectorIndexShift = 3

	// MaxSelectorIndex is the largest index a 13-bit selector can hold.
	MaxSelectorIndex = 1<<13 - 1
)

// NewSelector returns the GDT selector for index at the given requested
// privilege level. LDT selectors are not supported, so the table
// indicator is always clear.
func NewSelector(index uint16, rpl PrivilegeLevel) Selector {
	mustPrivilege("selector", rpl)
	if index > MaxSelectorIndex {
		panic(&Error{Module: "selector", Message: fmt.Sprintf("index %d out of range", index)})
	}
	return Selector(index<<selectorIndexShift | uint16(rpl))
}

// Index returns the descriptor index.
func (s Selector) Index() uint16 {
	return uint16(s) >> selectorIndexShift
}

// RPL returns the requested privilege level.
func (s Selector) RPL() PrivilegeLevel {
	return PrivilegeLevel(uint16(s) & selectorRPLMask)
}

// Local reports whether the selector references the LDT.
func (s Selector) Local() bool {
	return uint16(s)&selectorTableLocal != 0
}

// IsNull reports whether s references the null descriptor.
func (s Selector) IsNull() bool {
	return s.Index() == 0 && !s.Local()
}

func (s Selector) String() string {
	return fmt.Sprintf("%#04x(index=%d,rpl=%d)", uint16(s), s.Index(), s.RPL())
}
