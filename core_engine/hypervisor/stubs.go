package hypervisor

import "fmt"

// Ports the handler stubs report faults on. 0xE0-0xEF is unassigned on
// the PC/AT.
const (
	// FaultVectorPort receives the vector number of a reserved exception.
	FaultVectorPort uint16 = 0xE0

	// UnimplementedPort receives a byte when the default handler runs.
	UnimplementedPort uint16 = 0xE1

	// FaultErrorCodePort receives the 32-bit error code popped by the
	// error-code variant, before the vector is reported.
	FaultErrorCodePort uint16 = 0xE4
)

const (
	// StubSize is the slot reserved for each handler stub.
	StubSize = 16

	stubDefaultSlot   = 0
	stubSkipSlot      = 1
	stubExceptionSlot = 2

	// HandlerStubsSize is the size of the whole stub area.
	HandlerStubsSize = (stubExceptionSlot + ExceptionVectors) * StubSize
)

// i386 opcodes used by the stubs.
const (
	opCLI       = 0xFA
	opHLT       = 0xF4
	opIRET      = 0xCF
	opPopEAX    = 0x58
	opMovALImm  = 0xB0
	opOutImmAL  = 0xE6
	opOutImmEAX = 0xE7
	opJmpRel8   = 0xEB
)

// haltForever re-executes HLT if an NMI ever wakes the processor.
var haltForever = []byte{opHLT, opJmpRel8, 0xFD}

// HandlerStubs lays out 32-bit handler entry points at a fixed linear
// base: the default handler, the skip handler, then one stub per reserved
// exception. It implements HandlerResolver.
type HandlerStubs struct {
	base  uint32
	image [HandlerStubsSize]byte
}

// NewHandlerStubs assembles the handlers for placement at base.
func NewHandlerStubs(base uint32) *HandlerStubs {
	s := &HandlerStubs{base: base}

	s.put(stubDefaultSlot, fatalStub(UnimplementedPort, 0, false))
	s.put(stubSkipSlot, []byte{opIRET})
	for _, exc := range Exceptions {
		s.put(stubExceptionSlot+int(exc.Vector), fatalStub(FaultVectorPort, exc.Vector, exc.HasErrorCode))
	}
	return s
}

// fatalStub disables interrupts, optionally pops the error code the CPU
// pushed and writes it to FaultErrorCodePort, writes vector to port and
// halts.
func fatalStub(port uint16, vector uint8, popErrorCode bool) []byte {
	code := []byte{opCLI}
	if popErrorCode {
		code = append(code, opPopEAX, opOutImmEAX, uint8(FaultErrorCodePort))
	}
	code = append(code, opMovALImm, vector, opOutImmAL, uint8(port))
	return append(code, haltForever...)
}

func (s *HandlerStubs) put(slot int, code []byte) {
	if len(code) > StubSize {
		panic(&Error{Module: "stubs", Message: fmt.Sprintf("stub in slot %d is %d bytes", slot, len(code))})
	}
	copy(s.image[slot*StubSize:], code)
}

// HandlerAddress implements HandlerResolver.
func (s *HandlerStubs) HandlerAddress(vector uint8, kind HandlerKind) (uint32, error) {
	switch kind {
	case HandlerDefault:
		return s.slotAddress(stubDefaultSlot), nil
	case HandlerSkip:
		return s.slotAddress(stubSkipSlot), nil
	case HandlerException, HandlerExceptionWithErrorCode:
		if vector >= ExceptionVectors {
			return 0, fmt.Errorf("stubs: vector %d is not a reserved exception", vector)
		}
		if Exceptions[vector].HandlerKind() != kind {
			return 0, fmt.Errorf("stubs: vector %d needs the %v handler, not %v", vector, Exceptions[vector].HandlerKind(), kind)
		}
		return s.slotAddress(stubExceptionSlot + int(vector)), nil
	default:
		return 0, fmt.Errorf("stubs: unknown handler kind %v", kind)
	}
}

func (s *HandlerStubs) slotAddress(slot int) uint32 {
	return s.base + uint32(slot*StubSize)
}

// Bytes returns a copy of the assembled stubs.
func (s *HandlerStubs) Bytes() []byte {
	b := make([]byte, HandlerStubsSize)
	copy(b, s.image[:])
	return b
}

// Base returns the linear address the stubs are assembled for.
func (s *HandlerStubs) Base() uint32 {
	return s.base
}
