package devices_test

import (
	"bytes"
	"testing"

	"example.com/bootcore/core_engine/devices"
)

func newConsoleBus(out *bytes.Buffer) (*devices.SerialConsole, *devices.IOBus) {
	con := devices.NewSerialConsole(out)
	bus := devices.NewIOBus()
	bus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, con)
	return con, bus
}

func inByte(t *testing.T, bus *devices.IOBus, port uint16) byte {
	t.Helper()
	data := []byte{0}
	if err := bus.HandleIO(port, devices.IODirectionIn, 1, data); err != nil {
		t.Fatalf("IN from 0x%x failed: %v", port, err)
	}
	return data[0]
}

func TestSerialConsole_Transmit(t *testing.T) {
	var out bytes.Buffer
	_, bus := newConsoleBus(&out)
	for _, c := range []byte("OK\n") {
		if lsr := inByte(t, bus, devices.COM1_PORT_BASE+devices.LSR); lsr&devices.LSR_THRE == 0 {
			t.Fatalf("Expected THRE set, got LSR=%#x", lsr)
		}
		bus.OutByte(devices.COM1_PORT_BASE, c)
	}
	if out.String() != "OK\n" {
		t.Errorf("Expected %q, got %q", "OK\n", out.String())
	}
}

func TestSerialConsole_DivisorLatch(t *testing.T) {
	var out bytes.Buffer
	con, bus := newConsoleBus(&out)
	bus.Play([]devices.PortWrite{
		{Port: devices.COM1_PORT_BASE + devices.LCR, Value: devices.LCR_DLAB | 0x03},
		{Port: devices.COM1_PORT_BASE + devices.RHR_THR_DLL, Value: 0x01},
		{Port: devices.COM1_PORT_BASE + devices.IER_DLH, Value: 0x00},
		{Port: devices.COM1_PORT_BASE + devices.LCR, Value: 0x03},
	})
	if out.Len() != 0 {
		t.Errorf("Expected divisor writes not to transmit, got %q", out.String())
	}
	if con.Divisor() != 1 {
		t.Errorf("Expected divisor 1, got %d", con.Divisor())
	}
	if lcr := inByte(t, bus, devices.COM1_PORT_BASE+devices.LCR); lcr != 0x03 {
		t.Errorf("Expected LCR 0x03, got %#x", lcr)
	}
}

func TestSerialConsole_Scratch(t *testing.T) {
	_, bus := newConsoleBus(&bytes.Buffer{})
	bus.OutByte(devices.COM1_PORT_BASE+devices.SCR, 0x5A)
	if v := inByte(t, bus, devices.COM1_PORT_BASE+devices.SCR); v != 0x5A {
		t.Errorf("Expected scratch 0x5a, got %#x", v)
	}
	if v := inByte(t, bus, devices.COM1_PORT_BASE+devices.IIR_FCR); v != devices.IIR_NO_INT_PENDING {
		t.Errorf("Expected no interrupt pending, got %#x", v)
	}
}

func TestSerialConsole_WideAccess(t *testing.T) {
	_, bus := newConsoleBus(&bytes.Buffer{})
	if err := bus.HandleIO(devices.COM1_PORT_BASE, devices.IODirectionOut, 2, []byte{0, 0}); err == nil {
		t.Errorf("Expected error for 2-byte access")
	}
}
