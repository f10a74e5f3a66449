package core_engine

import (
	"errors"
	"fmt"
	"io"
	"log"

	"example.com/bootcore/core_engine/devices"
	"example.com/bootcore/core_engine/hypervisor"
	"example.com/bootcore/core_engine/multiboot"
)

// CPU is the set of privileged operations the activation sequence issues.
// On bare metal each method is one instruction (CLI, LGDT, LJMP, MOV to a
// segment register, LIDT, OUT, STI); the VCPU back-end applies them to a
// KVM virtual CPU and RecordingCPU only records them.
type CPU interface {
	DisableInterrupts() error
	LoadGDT(ptr hypervisor.TablePointer) error
	FarJump(cs hypervisor.Selector) error
	LoadDataSegments(ds hypervisor.Selector) error
	LoadIDT(ptr hypervisor.TablePointer) error
	OutByte(port uint16, val uint8) error
	EnableInterrupts() error
}

// Layout fixes the linear addresses the tables and handlers are placed at.
type Layout struct {
	GDTBase      uint32
	TSSBase      uint32
	IDTBase      uint32
	HandlerBase  uint32
	StackTop     uint32
	PayloadEntry uint32
}

// DefaultLayout places everything in conventional memory below 1 MiB,
// clear of the real-mode IVT and BIOS data area.
func DefaultLayout() Layout {
	return Layout{
		GDTBase:      0x0800,
		TSSBase:      0x0900,
		IDTBase:      0x1000,
		HandlerBase:  0x1800,
		StackTop:     0x7000,
		PayloadEntry: 0x8000,
	}
}

// StackReserve is the stack space below Layout.StackTop that must not
// overlap any other region.
const StackReserve = 0x1000

// Validate checks that the regions do not overlap and that the tables are
// 8-byte aligned. The stack occupies StackReserve bytes below StackTop and
// the payload is checked at its entry byte.
func (l Layout) Validate() error {
	type region struct {
		name       string
		start, end uint64
		aligned    bool
	}
	if l.StackTop < StackReserve {
		return fmt.Errorf("layout: stack top %#x leaves less than %#x bytes of stack", l.StackTop, StackReserve)
	}
	regions := []region{
		{"gdt", uint64(l.GDTBase), uint64(l.GDTBase) + hypervisor.GDTSize, true},
		{"tss", uint64(l.TSSBase), uint64(l.TSSBase) + hypervisor.TaskStateSize, true},
		{"idt", uint64(l.IDTBase), uint64(l.IDTBase) + hypervisor.IDTSize, true},
		{"handlers", uint64(l.HandlerBase), uint64(l.HandlerBase) + hypervisor.HandlerStubsSize, true},
		{"stack", uint64(l.StackTop) - StackReserve, uint64(l.StackTop), false},
		{"payload", uint64(l.PayloadEntry), uint64(l.PayloadEntry) + 1, false},
	}
	for i, a := range regions {
		if a.aligned && a.start%8 != 0 {
			return fmt.Errorf("layout: %s base %#x is not 8-byte aligned", a.name, a.start)
		}
		for _, b := range regions[i+1:] {
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("layout: %s [%#x,%#x) overlaps %s [%#x,%#x)", a.name, a.start, a.end, b.name, b.start, b.end)
			}
		}
	}
	return nil
}

// Config parameterizes Activate.
type Config struct {
	Layout Layout

	// BootMagic is the EAX value the bootloader handed over.
	BootMagic uint32

	// ExceptionGate is the gate type for vectors 0-31 (default TrapGate).
	ExceptionGate hypervisor.GateKind

	// Debug enables per-step logging.
	Debug bool
}

// ActivationState is the progress of the activation sequence.
type ActivationState uint8

const (
	StateUnconfigured ActivationState = iota
	StateTablesLoaded
	StateSegmentsTransitioned
	StateIDTLoaded
	StateInterruptsEnabled
	StateHalted
)

func (s ActivationState) String() string {
	switch s {
	case StateUnconfigured:
		return "Unconfigured"
	case StateTablesLoaded:
		return "TablesLoaded"
	case StateSegmentsTransitioned:
		return "SegmentsTransitioned"
	case StateIDTLoaded:
		return "IDTLoaded"
	case StateInterruptsEnabled:
		return "InterruptsEnabled"
	case StateHalted:
		return "Halted"
	default:
		return fmt.Sprintf("ActivationState(%d)", uint8(s))
	}
}

// ErrOutOfOrder is returned when a step is attempted from the wrong state.
var ErrOutOfOrder = errors.New("activation: step out of order")

// Activation drives the ordered bring-up of the descriptor tables on a
// CPU. Every failure is terminal: the activation moves to StateHalted and
// rejects further steps.
type Activation struct {
	cpu   CPU
	mem   io.WriterAt
	cfg   Config
	state ActivationState

	gdt   *hypervisor.GDT
	idt   *hypervisor.IDT
	stubs *hypervisor.HandlerStubs
}

// NewActivation prepares an activation that places tables through mem and
// issues operations on cpu.
func NewActivation(cpu CPU, mem io.WriterAt, cfg Config) (*Activation, error) {
	if cpu == nil || mem == nil {
		return nil, errors.New("activation: nil cpu or memory")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	return &Activation{cpu: cpu, mem: mem, cfg: cfg}, nil
}

// State returns the current state.
func (a *Activation) State() ActivationState {
	return a.state
}

// GDT returns the loaded GDT, or nil before LoadGDT.
func (a *Activation) GDT() *hypervisor.GDT {
	return a.gdt
}

// IDT returns the loaded IDT, or nil before LoadIDT.
func (a *Activation) IDT() *hypervisor.IDT {
	return a.idt
}

func (a *Activation) logf(format string, args ...interface{}) {
	if a.cfg.Debug {
		log.Printf("Activation: "+format, args...)
	}
}

func (a *Activation) step(want, next ActivationState, name string, fn func() error) error {
	if a.state != want {
		a.state = StateHalted
		return fmt.Errorf("%w: %s requires state %v", ErrOutOfOrder, name, want)
	}
	if err := fn(); err != nil {
		a.state = StateHalted
		return fmt.Errorf("activation: %s: %w", name, err)
	}
	a.state = next
	a.logf("%s done, state %v", name, next)
	return nil
}

func (a *Activation) place(addr uint32, b []byte) error {
	n, err := a.mem.WriteAt(b, int64(addr))
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// LoadGDT disables interrupts, places the TSS block and the GDT and loads
// GDTR.
func (a *Activation) LoadGDT() error {
	return a.step(StateUnconfigured, StateTablesLoaded, "load GDT", func() error {
		if err := a.cpu.DisableInterrupts(); err != nil {
			return err
		}
		l := a.cfg.Layout
		gdt := hypervisor.NewGDT(l.GDTBase, l.TSSBase)
		if err := a.place(l.TSSBase, make([]byte, hypervisor.TaskStateSize)); err != nil {
			return fmt.Errorf("placing TSS: %w", err)
		}
		if err := a.place(l.GDTBase, gdt.Bytes()); err != nil {
			return fmt.Errorf("placing GDT: %w", err)
		}
		if err := a.cpu.LoadGDT(gdt.Pointer()); err != nil {
			return err
		}
		a.gdt = gdt
		return nil
	})
}

// TransitionSegments far-jumps into the kernel code segment and reloads
// every data segment register with the kernel data selector.
func (a *Activation) TransitionSegments() error {
	return a.step(StateTablesLoaded, StateSegmentsTransitioned, "transition segments", func() error {
		if err := a.cpu.FarJump(hypervisor.KernelCodeSelector); err != nil {
			return err
		}
		return a.cpu.LoadDataSegments(hypervisor.KernelDataSelector)
	})
}

// LoadIDT places the handler stubs and the IDT, loads IDTR and remaps the
// PICs above the exception vectors with every line masked.
func (a *Activation) LoadIDT() error {
	return a.step(StateSegmentsTransitioned, StateIDTLoaded, "load IDT", func() error {
		l := a.cfg.Layout
		stubs := hypervisor.NewHandlerStubs(l.HandlerBase)
		idt, err := hypervisor.NewIDT(hypervisor.KernelCodeSelector, l.IDTBase, stubs, hypervisor.IDTOptions{
			ExceptionGate: a.cfg.ExceptionGate,
			SkipVectors:   []uint8{devices.PIC_MASTER_SPURIOUS_VECTOR},
			GDT:           a.gdt,
		})
		if err != nil {
			return err
		}
		if err := a.place(l.HandlerBase, stubs.Bytes()); err != nil {
			return fmt.Errorf("placing handlers: %w", err)
		}
		if err := a.place(l.IDTBase, idt.Bytes()); err != nil {
			return fmt.Errorf("placing IDT: %w", err)
		}
		if err := a.cpu.LoadIDT(idt.Pointer()); err != nil {
			return err
		}
		program := devices.PICRemapProgram(devices.PIC_MASTER_OFFSET, devices.PIC_SLAVE_OFFSET, 0xFF, 0xFF)
		for _, w := range program {
			if err := a.cpu.OutByte(w.Port, w.Value); err != nil {
				return fmt.Errorf("remapping PIC: %w", err)
			}
		}
		a.stubs, a.idt = stubs, idt
		return nil
	})
}

// EnableInterrupts re-enables interrupt delivery.
func (a *Activation) EnableInterrupts() error {
	return a.step(StateIDTLoaded, StateInterruptsEnabled, "enable interrupts", a.cpu.EnableInterrupts)
}

// Run checks the bootloader handoff and performs every step in order.
func (a *Activation) Run() error {
	if a.state != StateUnconfigured {
		return fmt.Errorf("%w: run requires state %v", ErrOutOfOrder, StateUnconfigured)
	}
	if err := multiboot.CheckHandoff(a.cfg.BootMagic); err != nil {
		a.state = StateHalted
		return err
	}
	for _, fn := range []func() error{a.LoadGDT, a.TransitionSegments, a.LoadIDT, a.EnableInterrupts} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// Activate is NewActivation followed by Run.
func Activate(cpu CPU, mem io.WriterAt, cfg Config) (*Activation, error) {
	a, err := NewActivation(cpu, mem, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Run(); err != nil {
		return a, err
	}
	return a, nil
}
