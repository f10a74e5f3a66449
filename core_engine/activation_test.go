package core_engine_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"example.com/bootcore/core_engine"
	"example.com/bootcore/core_engine/devices"
	"example.com/bootcore/core_engine/hypervisor"
	"example.com/bootcore/core_engine/multiboot"
)

func testConfig() core_engine.Config {
	return core_engine.Config{
		Layout:    core_engine.DefaultLayout(),
		BootMagic: multiboot.BootloaderMagic,
	}
}

func TestActivate_Trace(t *testing.T) {
	cpu := &core_engine.RecordingCPU{}
	mem := make(core_engine.Memory, 0x10000)
	a, err := core_engine.Activate(cpu, mem, testConfig())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if a.State() != core_engine.StateInterruptsEnabled {
		t.Errorf("Expected state InterruptsEnabled, got %v", a.State())
	}

	l := core_engine.DefaultLayout()
	want := []core_engine.Op{
		{Kind: core_engine.OpDisableInterrupts},
		{Kind: core_engine.OpLoadGDT, Pointer: hypervisor.TablePointer{Limit: 47, Base: l.GDTBase}},
		{Kind: core_engine.OpFarJump, Selector: 0x08},
		{Kind: core_engine.OpLoadDataSegments, Selector: 0x10},
		{Kind: core_engine.OpLoadIDT, Pointer: hypervisor.TablePointer{Limit: 2047, Base: l.IDTBase}},
	}
	for _, w := range devices.PICRemapProgram(0x20, 0x28, 0xFF, 0xFF) {
		want = append(want, core_engine.Op{Kind: core_engine.OpOutByte, Port: w.Port, Value: w.Value})
	}
	want = append(want, core_engine.Op{Kind: core_engine.OpEnableInterrupts})

	if !reflect.DeepEqual(cpu.Trace, want) {
		t.Errorf("Unexpected trace:\n%s", cpu)
	}
}

func TestActivate_OrderingProperty(t *testing.T) {
	cpu := &core_engine.RecordingCPU{}
	if _, err := core_engine.Activate(cpu, make(core_engine.Memory, 0x10000), testConfig()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	cli := cpu.Index(core_engine.OpDisableInterrupts)
	lgdt := cpu.Index(core_engine.OpLoadGDT)
	ljmp := cpu.Index(core_engine.OpFarJump)
	movs := cpu.Index(core_engine.OpLoadDataSegments)
	lidt := cpu.Index(core_engine.OpLoadIDT)
	out := cpu.Index(core_engine.OpOutByte)
	sti := cpu.Index(core_engine.OpEnableInterrupts)
	if !(cli < lgdt && lgdt < ljmp && ljmp < movs && movs < lidt && lidt < out && out < sti) {
		t.Errorf("Operations out of order:\n%s", cpu)
	}
	if sti != len(cpu.Trace)-1 {
		t.Errorf("Expected sti to be the last operation")
	}
}

func TestActivate_PlacesTables(t *testing.T) {
	mem := make(core_engine.Memory, 0x10000)
	a, err := core_engine.Activate(&core_engine.RecordingCPU{}, mem, testConfig())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	l := core_engine.DefaultLayout()

	gdt := mem[l.GDTBase : l.GDTBase+hypervisor.GDTSize]
	if !bytes.Equal(gdt, a.GDT().Bytes()) {
		t.Errorf("GDT in memory does not match the built table")
	}
	idt := mem[l.IDTBase : l.IDTBase+hypervisor.IDTSize]
	if !bytes.Equal(idt, a.IDT().Bytes()) {
		t.Errorf("IDT in memory does not match the built table")
	}
	stubs := hypervisor.NewHandlerStubs(l.HandlerBase)
	if !bytes.Equal(mem[l.HandlerBase:l.HandlerBase+hypervisor.HandlerStubsSize], stubs.Bytes()) {
		t.Errorf("Handler stubs in memory do not match")
	}

	// The spurious master IRQ7 vector is the only suppressed one.
	for v := 0; v < hypervisor.VectorCount; v++ {
		suppressed := a.IDT().State(uint8(v)) == hypervisor.VectorSuppressed
		if suppressed != (v == int(devices.PIC_MASTER_SPURIOUS_VECTOR)) {
			t.Errorf("Vector %#x: unexpected state %v", v, a.IDT().State(uint8(v)))
		}
	}
}

func TestActivate_BadHandoff(t *testing.T) {
	cfg := testConfig()
	cfg.BootMagic = 0x2BADB002
	cpu := &core_engine.RecordingCPU{}
	a, err := core_engine.Activate(cpu, make(core_engine.Memory, 0x10000), cfg)
	if !errors.Is(err, multiboot.ErrBadHandoff) {
		t.Fatalf("Expected ErrBadHandoff, got %v", err)
	}
	if len(cpu.Trace) != 0 {
		t.Errorf("Expected no privileged operations, got:\n%s", cpu)
	}
	if a.State() != core_engine.StateHalted {
		t.Errorf("Expected Halted, got %v", a.State())
	}
}

func TestActivation_OutOfOrder(t *testing.T) {
	tests := []struct {
		name string
		call func(*core_engine.Activation) error
	}{
		{"transition before GDT", (*core_engine.Activation).TransitionSegments},
		{"IDT before GDT", (*core_engine.Activation).LoadIDT},
		{"sti before IDT", (*core_engine.Activation).EnableInterrupts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cpu := &core_engine.RecordingCPU{}
			a, err := core_engine.NewActivation(cpu, make(core_engine.Memory, 0x10000), testConfig())
			if err != nil {
				t.Fatalf("NewActivation failed: %v", err)
			}
			if err := tt.call(a); !errors.Is(err, core_engine.ErrOutOfOrder) {
				t.Errorf("Expected ErrOutOfOrder, got %v", err)
			}
			if a.State() != core_engine.StateHalted {
				t.Errorf("Expected Halted, got %v", a.State())
			}
			if len(cpu.Trace) != 0 {
				t.Errorf("Expected no operations, got:\n%s", cpu)
			}
		})
	}
}

func TestActivation_IDTBeforeTransition(t *testing.T) {
	cpu := &core_engine.RecordingCPU{}
	a, _ := core_engine.NewActivation(cpu, make(core_engine.Memory, 0x10000), testConfig())
	if err := a.LoadGDT(); err != nil {
		t.Fatalf("LoadGDT failed: %v", err)
	}
	if err := a.LoadIDT(); !errors.Is(err, core_engine.ErrOutOfOrder) {
		t.Errorf("Expected ErrOutOfOrder, got %v", err)
	}
	if cpu.Index(core_engine.OpLoadIDT) != -1 {
		t.Errorf("Expected no lidt in the trace")
	}
	// Halted is terminal.
	if err := a.TransitionSegments(); !errors.Is(err, core_engine.ErrOutOfOrder) {
		t.Errorf("Expected ErrOutOfOrder after halt, got %v", err)
	}
}

func TestActivation_CPUFailureHalts(t *testing.T) {
	fail := core_engine.OpFarJump
	cpu := &core_engine.RecordingCPU{FailOn: &fail, FailErr: errors.New("general protection")}
	a, err := core_engine.Activate(cpu, make(core_engine.Memory, 0x10000), testConfig())
	if err == nil || err.Error() == "" {
		t.Fatalf("Expected failure")
	}
	if a.State() != core_engine.StateHalted {
		t.Errorf("Expected Halted, got %v", a.State())
	}
	if cpu.Index(core_engine.OpLoadIDT) != -1 || cpu.Index(core_engine.OpEnableInterrupts) != -1 {
		t.Errorf("Expected activation to stop at the failed jump:\n%s", cpu)
	}
}

func TestActivate_MemoryTooSmall(t *testing.T) {
	cpu := &core_engine.RecordingCPU{}
	a, err := core_engine.Activate(cpu, make(core_engine.Memory, 0x100), testConfig())
	if err == nil {
		t.Fatalf("Expected placement failure")
	}
	if a.State() != core_engine.StateHalted {
		t.Errorf("Expected Halted, got %v", a.State())
	}
	if cpu.Index(core_engine.OpLoadGDT) != -1 {
		t.Errorf("Expected lgdt not to be issued")
	}
}

func TestLayout_Validate(t *testing.T) {
	if err := core_engine.DefaultLayout().Validate(); err != nil {
		t.Errorf("Default layout invalid: %v", err)
	}

	overlap := core_engine.DefaultLayout()
	overlap.IDTBase = overlap.GDTBase + 8
	if err := overlap.Validate(); err == nil {
		t.Errorf("Expected overlap error")
	}

	misaligned := core_engine.DefaultLayout()
	misaligned.GDTBase++
	if err := misaligned.Validate(); err == nil {
		t.Errorf("Expected alignment error")
	}

	payload := core_engine.DefaultLayout()
	payload.PayloadEntry = payload.IDTBase + 0x100
	if err := payload.Validate(); err == nil {
		t.Errorf("Expected error for a payload inside the IDT")
	}

	stack := core_engine.DefaultLayout()
	stack.StackTop = stack.HandlerBase + 0x10
	if err := stack.Validate(); err == nil {
		t.Errorf("Expected error for a stack over the handler stubs")
	}

	low := core_engine.DefaultLayout()
	low.StackTop = 0x100
	if err := low.Validate(); err == nil {
		t.Errorf("Expected error for a stack top below the reserve")
	}

	if _, err := core_engine.NewActivation(&core_engine.RecordingCPU{}, make(core_engine.Memory, 16), core_engine.Config{Layout: overlap}); err == nil {
		t.Errorf("Expected NewActivation to reject an invalid layout")
	}
}

func TestActivate_InterruptGateExceptions(t *testing.T) {
	cfg := testConfig()
	cfg.ExceptionGate = hypervisor.InterruptGate
	a, err := core_engine.Activate(&core_engine.RecordingCPU{}, make(core_engine.Memory, 0x10000), cfg)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if g := hypervisor.DecodeGate(a.IDT().Entry(14)); g.Kind != hypervisor.InterruptGate {
		t.Errorf("Expected interrupt gate for #PF, got %v", g.Kind)
	}
}
