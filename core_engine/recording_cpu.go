package core_engine

import (
	"fmt"
	"strings"

	"example.com/bootcore/core_engine/hypervisor"
)

// OpKind names one privileged operation.
type OpKind uint8

const (
	OpDisableInterrupts OpKind = iota
	OpLoadGDT
	OpFarJump
	OpLoadDataSegments
	OpLoadIDT
	OpOutByte
	OpEnableInterrupts
)

var opNames = [...]string{
	OpDisableInterrupts: "cli",
	OpLoadGDT:           "lgdt",
	OpFarJump:           "ljmp",
	OpLoadDataSegments:  "mov sreg",
	OpLoadIDT:           "lidt",
	OpOutByte:           "out",
	OpEnableInterrupts:  "sti",
}

func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// Op is one recorded operation. Only the fields relevant to Kind are set.
type Op struct {
	Kind     OpKind
	Pointer  hypervisor.TablePointer
	Selector hypervisor.Selector
	Port     uint16
	Value    uint8
}

func (o Op) String() string {
	switch o.Kind {
	case OpLoadGDT, OpLoadIDT:
		return fmt.Sprintf("%v %v", o.Kind, o.Pointer)
	case OpFarJump, OpLoadDataSegments:
		return fmt.Sprintf("%v %#04x", o.Kind, uint16(o.Selector))
	case OpOutByte:
		return fmt.Sprintf("%v %#x, %#02x", o.Kind, o.Port, o.Value)
	default:
		return o.Kind.String()
	}
}

// RecordingCPU implements CPU by recording every operation. FailOn, when
// set, makes the first operation of that kind fail.
type RecordingCPU struct {
	Trace []Op

	FailOn  *OpKind
	FailErr error
}

func (c *RecordingCPU) record(op Op) error {
	if c.FailOn != nil && *c.FailOn == op.Kind {
		c.FailOn = nil
		if c.FailErr != nil {
			return c.FailErr
		}
		return fmt.Errorf("RecordingCPU: injected failure on %v", op.Kind)
	}
	c.Trace = append(c.Trace, op)
	return nil
}

func (c *RecordingCPU) DisableInterrupts() error {
	return c.record(Op{Kind: OpDisableInterrupts})
}

func (c *RecordingCPU) LoadGDT(ptr hypervisor.TablePointer) error {
	return c.record(Op{Kind: OpLoadGDT, Pointer: ptr})
}

func (c *RecordingCPU) FarJump(cs hypervisor.Selector) error {
	return c.record(Op{Kind: OpFarJump, Selector: cs})
}

func (c *RecordingCPU) LoadDataSegments(ds hypervisor.Selector) error {
	return c.record(Op{Kind: OpLoadDataSegments, Selector: ds})
}

func (c *RecordingCPU) LoadIDT(ptr hypervisor.TablePointer) error {
	return c.record(Op{Kind: OpLoadIDT, Pointer: ptr})
}

func (c *RecordingCPU) OutByte(port uint16, val uint8) error {
	return c.record(Op{Kind: OpOutByte, Port: port, Value: val})
}

func (c *RecordingCPU) EnableInterrupts() error {
	return c.record(Op{Kind: OpEnableInterrupts})
}

// Index returns the position of the first op of kind in the trace, or -1.
func (c *RecordingCPU) Index(kind OpKind) int {
	for i, op := range c.Trace {
		if op.Kind == kind {
			return i
		}
	}
	return -1
}

// String renders the trace one operation per line.
func (c *RecordingCPU) String() string {
	var b strings.Builder
	for _, op := range c.Trace {
		b.WriteString(op.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Memory is a flat byte slice that implements io.WriterAt and io.ReaderAt,
// for dry runs and tests.
type Memory []byte

// WriteAt implements io.WriterAt.
func (m Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("memory: write of %d bytes at %#x out of range", len(p), off)
	}
	return copy(m[off:], p), nil
}

// ReadAt implements io.ReaderAt.
func (m Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("memory: read of %d bytes at %#x out of range", len(p), off)
	}
	return copy(p, m[off:]), nil
}
