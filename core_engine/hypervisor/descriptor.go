package hypervisor

import "fmt"

// DescriptorSize is the size in bytes of every GDT and IDT entry on i386.
const DescriptorSize = 8

// Descriptor is the exact 8-byte encoding the processor reads from a
// descriptor table.
type Descriptor [DescriptorSize]byte

// PrivilegeLevel is a CPU protection ring, 0 (most trusted) to 3.
type PrivilegeLevel uint8

const (
	Ring0 PrivilegeLevel = 0
	Ring3 PrivilegeLevel = 3
)

// SegmentKind selects how the access byte of a segment descriptor is built.
type SegmentKind uint8

const (
	SegmentCode SegmentKind = iota
	SegmentData
	SegmentTaskState
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentCode:
		return "code"
	case SegmentData:
		return "data"
	case SegmentTaskState:
		return "task-state"
	default:
		return fmt.Sprintf("SegmentKind(%d)", uint8(k))
	}
}

// GateKind is the 4-bit type field of an IDT gate. Interrupt gates clear
// IF on entry, trap gates leave it untouched.
type GateKind uint8

const (
	InterruptGate GateKind = 0xE
	TrapGate      GateKind = 0xF
)

func (k GateKind) String() string {
	switch k {
	case InterruptGate:
		return "interrupt"
	case TrapGate:
		return "trap"
	default:
		return fmt.Sprintf("GateKind(%#x)", uint8(k))
	}
}

// Access byte bits (byte 5 of a segment descriptor).
const (
	AccessPresent    uint8 = 1 << 7
	AccessDescriptor uint8 = 1 << 4 // S: code/data (1) or system (0)
	AccessExecutable uint8 = 1 << 3
	AccessReadWrite  uint8 = 1 << 1
	AccessAccessed   uint8 = 1 << 0

	accessDPLShift = 5
	accessDPLMask  = 0x3 << accessDPLShift

	// 32-bit TSS (available).
	accessTSSAvailable uint8 = 0x9
)

// Flag nibble bits (upper nibble of byte 6).
const (
	FlagGranularity uint8 = 1 << 7 // 4 KiB pages instead of bytes
	FlagSize        uint8 = 1 << 6 // D/B: 32-bit segment
)

// MaxByteLimit is the largest limit representable with byte granularity.
const MaxByteLimit = 0xFFFFF

// segmentLayout mirrors the processor's view of a segment descriptor.
// LimitLow:   bits 0-15 of the limit.
// BaseLow:    bits 0-15 of the base.
// BaseMid:    bits 16-23 of the base.
// Access:     type (4 bits), S, DPL (2 bits), P.
// LimitFlags: bits 16-19 of the limit in the low nibble, G/DB/L/AVL in the high nibble.
// BaseHigh:   bits 24-31 of the base.
type segmentLayout struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	Access     uint8
	LimitFlags uint8
	BaseHigh   uint8
}

func newSegmentLayout(base, limit uint32, access, flags uint8) segmentLayout {
	return segmentLayout{
		LimitLow:   uint16(limit & 0xFFFF),
		BaseLow:    uint16(base & 0xFFFF),
		BaseMid:    uint8((base >> 16) & 0xFF),
		Access:     access,
		LimitFlags: uint8((limit>>16)&0x0F) | (flags & 0xF0),
		BaseHigh:   uint8((base >> 24) & 0xFF),
	}
}

func (l segmentLayout) descriptor() Descriptor {
	var d Descriptor
	d[0] = uint8(l.LimitLow)
	d[1] = uint8(l.LimitLow >> 8)
	d[2] = uint8(l.BaseLow)
	d[3] = uint8(l.BaseLow >> 8)
	d[4] = l.BaseMid
	d[5] = l.Access
	d[6] = l.LimitFlags
	d[7] = l.BaseHigh
	return d
}

func mustPrivilege(module string, dpl PrivilegeLevel) {
	if dpl > Ring3 {
		panic(&Error{Module: module, Message: fmt.Sprintf("privilege level %d out of range", dpl)})
	}
}

// EncodeSegment encodes a code or data segment descriptor. Limits above
// MaxByteLimit are shifted right by 12 and marked page-granular, so the
// low 12 bits of such a limit are not recoverable from the encoding.
//
// A privilege level above 3 is a programming error and panics with *Error.
func EncodeSegment(base, limit uint32, kind SegmentKind, dpl PrivilegeLevel) Descriptor {
	mustPrivilege("descriptor", dpl)

	access := AccessPresent | AccessDescriptor | AccessReadWrite | uint8(dpl)<<accessDPLShift
	switch kind {
	case SegmentCode:
		access |= AccessExecutable
	case SegmentData:
	case SegmentTaskState:
		return EncodeTaskState(base, limit, dpl)
	default:
		panic(&Error{Module: "descriptor", Message: fmt.Sprintf("unknown segment kind %d", kind)})
	}

	flags := FlagSize
	if limit > MaxByteLimit {
		limit >>= 12
		flags |= FlagGranularity
	}
	return newSegmentLayout(base, limit, access, flags).descriptor()
}

// EncodeTaskState encodes a 32-bit available TSS descriptor. The TSS is
// always byte granular; a limit that would need page granularity panics.
func EncodeTaskState(base, limit uint32, dpl PrivilegeLevel) Descriptor {
	mustPrivilege("descriptor", dpl)
	if limit > MaxByteLimit {
		panic(&Error{Module: "descriptor", Message: fmt.Sprintf("task-state limit %#x exceeds %#x", limit, MaxByteLimit)})
	}
	access := AccessPresent | uint8(dpl)<<accessDPLShift | accessTSSAvailable
	return newSegmentLayout(base, limit, access, 0).descriptor()
}

// EncodeGate encodes an IDT gate that transfers control to offset through
// the code segment referenced by sel.
func EncodeGate(sel Selector, offset uint32, kind GateKind, dpl PrivilegeLevel) Descriptor {
	mustPrivilege("gate", dpl)
	if kind != InterruptGate && kind != TrapGate {
		panic(&Error{Module: "gate", Message: fmt.Sprintf("unsupported gate type %#x", uint8(kind))})
	}

	var d Descriptor
	d[0] = uint8(offset)
	d[1] = uint8(offset >> 8)
	d[2] = uint8(sel)
	d[3] = uint8(sel >> 8)
	d[4] = 0
	d[5] = AccessPresent | uint8(dpl)<<accessDPLShift | uint8(kind)
	d[6] = uint8(offset >> 16)
	d[7] = uint8(offset >> 24)
	return d
}

// SegmentFields is the decoded form of a segment descriptor.
type SegmentFields struct {
	Base uint32

	// RawLimit is the 20-bit limit field as stored.
	RawLimit uint32

	// Limit is the effective limit in bytes. For page-granular segments it
	// is RawLimit<<12 | 0xFFF.
	Limit uint32

	Kind         SegmentKind
	DPL          PrivilegeLevel
	Present      bool
	PageGranular bool
	Size32       bool
	Access       uint8
	Flags        uint8
}

// Type returns the low nibble of the access byte.
func (f SegmentFields) Type() uint8 {
	return f.Access & 0x0F
}

// DecodeSegment is the inverse of EncodeSegment and EncodeTaskState.
func DecodeSegment(d Descriptor) SegmentFields {
	access := d[5]
	f := SegmentFields{
		Base:     uint32(d[2]) | uint32(d[3])<<8 | uint32(d[4])<<16 | uint32(d[7])<<24,
		RawLimit: uint32(d[0]) | uint32(d[1])<<8 | uint32(d[6]&0x0F)<<16,
		DPL:      PrivilegeLevel((access & accessDPLMask) >> accessDPLShift),
		Present:  access&AccessPresent != 0,
		Access:   access,
		Flags:    d[6] & 0xF0,
	}
	f.PageGranular = f.Flags&FlagGranularity != 0
	f.Size32 = f.Flags&FlagSize != 0

	f.Limit = f.RawLimit
	if f.PageGranular {
		f.Limit = f.RawLimit<<12 | 0xFFF
	}

	switch {
	case access&AccessDescriptor == 0:
		f.Kind = SegmentTaskState
	case access&AccessExecutable != 0:
		f.Kind = SegmentCode
	default:
		f.Kind = SegmentData
	}
	return f
}

// IsNull reports whether every byte of d is zero.
func (d Descriptor) IsNull() bool {
	return d == Descriptor{}
}

// GateFields is the decoded form of an IDT gate.
type GateFields struct {
	Offset   uint32
	Selector Selector
	Kind     GateKind
	DPL      PrivilegeLevel
	Present  bool
}

// DecodeGate is the inverse of EncodeGate.
func DecodeGate(d Descriptor) GateFields {
	return GateFields{
		Offset:   uint32(d[0]) | uint32(d[1])<<8 | uint32(d[6])<<16 | uint32(d[7])<<24,
		Selector: Selector(uint16(d[2]) | uint16(d[3])<<8),
		Kind:     GateKind(d[5] & 0x0F),
		DPL:      PrivilegeLevel((d[5] & accessDPLMask) >> accessDPLShift),
		Present:  d[5]&AccessPresent != 0,
	}
}
