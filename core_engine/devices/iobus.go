package devices

import (
	"fmt"
	"log"
)

// I/O directions as reported by KVM_EXIT_IO.
const (
	IODirectionIn  uint8 = 0 // read from device
	IODirectionOut uint8 = 1 // write to device
)

// PioDevice defines the interface for a port I/O device.
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// IOBus manages port I/O access to registered devices.
type IOBus struct {
	ports map[uint16]PioDevice
}

// NewIOBus creates and initializes a new IOBus.
func NewIOBus() *IOBus {
	return &IOBus{
		ports: make(map[uint16]PioDevice),
	}
}

// RegisterDevice registers a device to handle I/O for the inclusive port
// range [startPort, endPort].
func (bus *IOBus) RegisterDevice(startPort, endPort uint16, device PioDevice) {
	if device == nil {
		log.Printf("IOBus: Warning: Attempted to register a nil device for ports 0x%x-0x%x", startPort, endPort)
		return
	}
	for port := startPort; port <= endPort; port++ {
		if existingDevice, ok := bus.ports[port]; ok {
			log.Printf("IOBus: Warning: Port 0x%x already registered to %T. Overwriting with %T.", port, existingDevice, device)
		}
		bus.ports[port] = device
		if port == 0xFFFF {
			break
		}
	}
}

// HandleIO routes an I/O operation to the appropriate registered device.
func (bus *IOBus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	device, ok := bus.ports[port]
	if !ok {
		return fmt.Errorf("IOBus: Unhandled I/O to port 0x%x", port)
	}
	return device.HandleIO(port, direction, size, data)
}

// OutByte is a convenience for a single 1-byte OUT.
func (bus *IOBus) OutByte(port uint16, val uint8) error {
	return bus.HandleIO(port, IODirectionOut, 1, []byte{val})
}

// Play issues every write of a PortWrite program in order.
func (bus *IOBus) Play(program []PortWrite) error {
	for _, w := range program {
		if err := bus.OutByte(w.Port, w.Value); err != nil {
			return err
		}
	}
	return nil
}
