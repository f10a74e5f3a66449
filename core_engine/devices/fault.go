package devices

import (
	"encoding/binary"
	"fmt"
	"sync"

	"example.com/bootcore/core_engine/hypervisor"
)

// Fault is one report written by a guest handler stub.
type Fault struct {
	// Vector is the reserved exception vector; meaningless when
	// Unimplemented is set.
	Vector uint8

	// Unimplemented is set when the catch-all default handler ran.
	Unimplemented bool

	// ErrorCode is the code the processor pushed, valid when HasErrorCode.
	ErrorCode    uint32
	HasErrorCode bool
}

// Name returns the exception name, or "Unimplemented Interrupt".
func (f Fault) Name() string {
	if f.Unimplemented {
		return "Unimplemented Interrupt"
	}
	return hypervisor.ExceptionName(f.Vector)
}

func (f Fault) String() string {
	if f.Unimplemented {
		return f.Name()
	}
	if f.HasErrorCode {
		return fmt.Sprintf("%s (vector %d, error code %#x)", f.Name(), f.Vector, f.ErrorCode)
	}
	return fmt.Sprintf("%s (vector %d)", f.Name(), f.Vector)
}

// FaultPortDevice receives the reports of the handler stubs on
// hypervisor.FaultVectorPort, UnimplementedPort and FaultErrorCodePort.
// Every report is terminal, so only the first one is kept.
type FaultPortDevice struct {
	lock sync.Mutex

	errorCode  uint32
	hasErrCode bool

	fault    *Fault
	onReport func(Fault)
}

// NewFaultPortDevice creates the device. onReport, if non-nil, is called
// with the first fault reported.
func NewFaultPortDevice(onReport func(Fault)) *FaultPortDevice {
	return &FaultPortDevice{onReport: onReport}
}

// HandleIO implements PioDevice.
func (d *FaultPortDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if direction != IODirectionOut {
		// Reads float high like an unclaimed port.
		for i := range data {
			data[i] = 0xFF
		}
		return nil
	}

	d.lock.Lock()
	var report *Fault
	switch port {
	case hypervisor.FaultErrorCodePort:
		if size != 4 {
			d.lock.Unlock()
			return fmt.Errorf("FaultPortDevice: error code write of size %d", size)
		}
		d.errorCode = binary.LittleEndian.Uint32(data)
		d.hasErrCode = true
	case hypervisor.FaultVectorPort:
		report = &Fault{Vector: data[0], ErrorCode: d.errorCode, HasErrorCode: d.hasErrCode}
	case hypervisor.UnimplementedPort:
		report = &Fault{Unimplemented: true}
	default:
		d.lock.Unlock()
		return fmt.Errorf("FaultPortDevice: unhandled I/O to port 0x%x", port)
	}

	first := report != nil && d.fault == nil
	if first {
		d.fault = report
	}
	d.lock.Unlock()

	if first && d.onReport != nil {
		d.onReport(*report)
	}
	return nil
}

// Fault returns the first fault reported, if any.
func (d *FaultPortDevice) Fault() (Fault, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.fault == nil {
		return Fault{}, false
	}
	return *d.fault, true
}
