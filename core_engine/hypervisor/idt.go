package hypervisor

import (
	"errors"
	"fmt"
)

const (
	// VectorCount is the number of IDT entries, one per interrupt vector.
	VectorCount = 256

	// IDTSize is the size in bytes of the IDT.
	IDTSize = VectorCount * DescriptorSize
)

// HandlerKind identifies which handler a gate points at.
type HandlerKind uint8

const (
	// HandlerDefault is the catch-all that reports "Unimplemented
	// Interrupt" and halts.
	HandlerDefault HandlerKind = iota

	// HandlerException reports a reserved exception that pushes no error
	// code and halts.
	HandlerException

	// HandlerExceptionWithErrorCode pops the pushed error code, reports it
	// with the exception and halts.
	HandlerExceptionWithErrorCode

	// HandlerSkip returns immediately without reporting.
	HandlerSkip
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerDefault:
		return "default"
	case HandlerException:
		return "exception"
	case HandlerExceptionWithErrorCode:
		return "exception+errcode"
	case HandlerSkip:
		return "skip"
	default:
		return fmt.Sprintf("HandlerKind(%d)", uint8(k))
	}
}

// Terminal reports whether the handler halts instead of returning.
func (k HandlerKind) Terminal() bool {
	return k != HandlerSkip
}

// VectorState tracks how far a vector has progressed through IDT
// construction.
type VectorState uint8

const (
	VectorUnset VectorState = iota
	VectorDefault
	VectorSpecialized
	VectorSuppressed
)

func (s VectorState) String() string {
	switch s {
	case VectorUnset:
		return "unset"
	case VectorDefault:
		return "default"
	case VectorSpecialized:
		return "specialized"
	case VectorSuppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("VectorState(%d)", uint8(s))
	}
}

// ErrIllegalTransition is returned when a vector is moved to a state its
// current state does not lead to.
var ErrIllegalTransition = errors.New("idt: illegal vector state transition")

func validTransition(from, to VectorState) bool {
	switch from {
	case VectorUnset:
		return to == VectorDefault
	case VectorDefault:
		return to == VectorSpecialized || to == VectorSuppressed
	default:
		return false
	}
}

// HandlerResolver maps a vector and handler variant to the linear address
// of the handler entry point.
type HandlerResolver interface {
	HandlerAddress(vector uint8, kind HandlerKind) (uint32, error)
}

// IDTOptions tunes the IDT builder.
type IDTOptions struct {
	// ExceptionGate is the gate type used for vectors 0-31. Defaults to
	// TrapGate.
	ExceptionGate GateKind

	// SkipVectors are non-exception vectors that get the skip handler.
	SkipVectors []uint8

	// GDT, when set, is used to check that the code selector references a
	// present, executable ring 0 descriptor.
	GDT *GDT
}

// IDT is the 256-entry interrupt descriptor table. Its buffer is populated
// once by NewIDT and never mutated afterwards.
type IDT struct {
	base     uint32
	selector Selector
	table    [IDTSize]byte
	state    [VectorCount]VectorState
	kind     [VectorCount]HandlerKind
}

// NewIDT builds the table for placement at base. Every vector first gets
// an interrupt gate to the default handler; vectors 0-31 are then
// overwritten with the handler variant their exception requires, and
// finally opts.SkipVectors are suppressed.
func NewIDT(cs Selector, base uint32, r HandlerResolver, opts IDTOptions) (*IDT, error) {
	if r == nil {
		return nil, errors.New("idt: nil handler resolver")
	}
	if err := checkCodeSelector(cs, opts.GDT); err != nil {
		return nil, err
	}
	excGate := opts.ExceptionGate
	if excGate == 0 {
		excGate = TrapGate
	}

	t := &IDT{base: base, selector: cs}

	for v := 0; v < VectorCount; v++ {
		if err := t.install(uint8(v), HandlerDefault, InterruptGate, VectorDefault, r); err != nil {
			return nil, err
		}
	}

	for _, exc := range Exceptions {
		if err := t.install(exc.Vector, exc.HandlerKind(), excGate, VectorSpecialized, r); err != nil {
			return nil, err
		}
	}

	for _, v := range opts.SkipVectors {
		if err := t.install(v, HandlerSkip, InterruptGate, VectorSuppressed, r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func checkCodeSelector(cs Selector, gdt *GDT) error {
	if cs.IsNull() || cs.Local() {
		return fmt.Errorf("idt: invalid code selector %v", cs)
	}
	if gdt == nil {
		return nil
	}
	d, err := gdt.Lookup(cs)
	if err != nil {
		return fmt.Errorf("idt: %w", err)
	}
	f := DecodeSegment(d)
	if !f.Present || f.Kind != SegmentCode || f.DPL != Ring0 {
		return fmt.Errorf("idt: selector %v does not reference a present ring 0 code segment", cs)
	}
	return nil
}

func (t *IDT) install(vector uint8, kind HandlerKind, gate GateKind, to VectorState, r HandlerResolver) error {
	from := t.state[vector]
	if !validTransition(from, to) {
		return fmt.Errorf("%w: vector %d %v -> %v", ErrIllegalTransition, vector, from, to)
	}
	addr, err := r.HandlerAddress(vector, kind)
	if err != nil {
		return fmt.Errorf("idt: resolving %v handler for vector %d: %w", kind, vector, err)
	}
	d := EncodeGate(t.selector, addr, gate, Ring0)
	copy(t.table[int(vector)*DescriptorSize:], d[:])
	t.state[vector] = to
	t.kind[vector] = kind
	return nil
}

// Entry returns the gate descriptor for vector.
func (t *IDT) Entry(vector uint8) Descriptor {
	var d Descriptor
	copy(d[:], t.table[int(vector)*DescriptorSize:])
	return d
}

// State returns the construction state of vector.
func (t *IDT) State(vector uint8) VectorState {
	return t.state[vector]
}

// Handler returns the handler variant installed for vector.
func (t *IDT) Handler(vector uint8) HandlerKind {
	return t.kind[vector]
}

// Bytes returns a copy of the table.
func (t *IDT) Bytes() []byte {
	b := make([]byte, IDTSize)
	copy(b, t.table[:])
	return b
}

// Base returns the linear address the table is built for.
func (t *IDT) Base() uint32 {
	return t.base
}

// Pointer returns the LIDT operand for the table.
func (t *IDT) Pointer() TablePointer {
	return PointerFor(t.base, IDTSize)
}
