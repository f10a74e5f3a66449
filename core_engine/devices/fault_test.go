package devices_test

import (
	"encoding/binary"
	"testing"

	"example.com/bootcore/core_engine/devices"
	"example.com/bootcore/core_engine/hypervisor"
)

func newFaultBus(onReport func(devices.Fault)) (*devices.FaultPortDevice, *devices.IOBus) {
	dev := devices.NewFaultPortDevice(onReport)
	bus := devices.NewIOBus()
	bus.RegisterDevice(hypervisor.FaultVectorPort, hypervisor.UnimplementedPort, dev)
	bus.RegisterDevice(hypervisor.FaultErrorCodePort, hypervisor.FaultErrorCodePort, dev)
	return dev, bus
}

func TestFaultPortDevice_VectorReport(t *testing.T) {
	var reports []devices.Fault
	dev, bus := newFaultBus(func(f devices.Fault) { reports = append(reports, f) })

	if _, ok := dev.Fault(); ok {
		t.Fatalf("Expected no fault before any report")
	}
	if err := bus.OutByte(hypervisor.FaultVectorPort, 3); err != nil {
		t.Fatalf("OutByte failed: %v", err)
	}
	f, ok := dev.Fault()
	if !ok {
		t.Fatalf("Expected a fault")
	}
	if f.Vector != 3 || f.Name() != "Breakpoint" || f.HasErrorCode || f.Unimplemented {
		t.Errorf("Unexpected fault %+v", f)
	}
	if len(reports) != 1 {
		t.Errorf("Expected 1 callback, got %d", len(reports))
	}
}

func TestFaultPortDevice_ErrorCode(t *testing.T) {
	dev, bus := newFaultBus(nil)

	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0x30)
	if err := bus.HandleIO(hypervisor.FaultErrorCodePort, devices.IODirectionOut, 4, code); err != nil {
		t.Fatalf("error code write failed: %v", err)
	}
	if err := bus.OutByte(hypervisor.FaultVectorPort, 13); err != nil {
		t.Fatalf("vector write failed: %v", err)
	}
	f, _ := dev.Fault()
	if !f.HasErrorCode || f.ErrorCode != 0x30 || f.Name() != "General Protection" {
		t.Errorf("Unexpected fault %+v", f)
	}
	want := "General Protection (vector 13, error code 0x30)"
	if f.String() != want {
		t.Errorf("Expected %q, got %q", want, f.String())
	}
}

func TestFaultPortDevice_ErrorCodeSize(t *testing.T) {
	_, bus := newFaultBus(nil)
	if err := bus.OutByte(hypervisor.FaultErrorCodePort, 1); err == nil {
		t.Errorf("Expected error for 1-byte error code write")
	}
}

func TestFaultPortDevice_Unimplemented(t *testing.T) {
	dev, bus := newFaultBus(nil)
	if err := bus.OutByte(hypervisor.UnimplementedPort, 0); err != nil {
		t.Fatalf("OutByte failed: %v", err)
	}
	f, ok := dev.Fault()
	if !ok || !f.Unimplemented || f.Name() != "Unimplemented Interrupt" {
		t.Errorf("Unexpected fault %+v (ok=%v)", f, ok)
	}
}

func TestFaultPortDevice_FirstReportWins(t *testing.T) {
	calls := 0
	dev, bus := newFaultBus(func(devices.Fault) { calls++ })
	bus.OutByte(hypervisor.FaultVectorPort, 6)
	bus.OutByte(hypervisor.FaultVectorPort, 8)
	f, _ := dev.Fault()
	if f.Vector != 6 {
		t.Errorf("Expected first report (vector 6) to be kept, got %d", f.Vector)
	}
	if calls != 1 {
		t.Errorf("Expected 1 callback, got %d", calls)
	}
}

func TestFaultPortDevice_ReadsFloatHigh(t *testing.T) {
	_, bus := newFaultBus(nil)
	data := []byte{0}
	if err := bus.HandleIO(hypervisor.FaultVectorPort, devices.IODirectionIn, 1, data); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if data[0] != 0xFF {
		t.Errorf("Expected 0xff, got %#x", data[0])
	}
}
