//go:build linux && amd64

package core_engine

import (
	"fmt"
	"io"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/bootcore/core_engine/devices"
	"example.com/bootcore/core_engine/hypervisor"
	"example.com/bootcore/core_engine/multiboot"
)

// DefaultMemorySize is the guest memory size used when none is given.
const DefaultMemorySize = 16 * 1024 * 1024

// VirtualMachine represents a single-vCPU KVM virtual machine with the
// device models the activation sequence talks to: the 8259A pair, the
// fault-report ports of the handler stubs and a COM1 console for payload
// output.
type VirtualMachine struct {
	vmFD        int
	kvmFD       int
	guestMemory []byte
	vcpu        *VCPU
	ioBus       *devices.IOBus
	picDevice   *devices.PICDevice
	faults      *devices.FaultPortDevice
	console     *devices.SerialConsole
	MemorySize  uint64
	Debug       bool
}

// NewVirtualMachine creates and initializes a new virtual machine.
func NewVirtualMachine(memSize uint64, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = DefaultMemorySize
	}

	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %w", err)
	}
	if v, err := hypervisor.DoKVMGetAPIVersion(kvmFD); err != nil || v != hypervisor.KVM_API_VERSION {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("unsupported KVM API version %d: %v", v, err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %w", err)
	}

	guestMem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %w", err)
	}

	err = hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0])))
	if err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %w", err)
	}

	ioBus := devices.NewIOBus()
	pic := devices.NewPICDevice()
	vm := &VirtualMachine{
		vmFD:        vmFD,
		kvmFD:       kvmFD,
		guestMemory: guestMem,
		ioBus:       ioBus,
		picDevice:   pic,
		console:     devices.NewSerialConsole(nil),
		MemorySize:  memSize,
		Debug:       enableDebug,
	}
	vm.faults = devices.NewFaultPortDevice(func(f devices.Fault) {
		if vm.Debug {
			log.Printf("VirtualMachine: Handler reported %v", f)
		}
	})

	ioBus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, pic)
	ioBus.RegisterDevice(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic)
	ioBus.RegisterDevice(hypervisor.FaultVectorPort, hypervisor.UnimplementedPort, vm.faults)
	ioBus.RegisterDevice(hypervisor.FaultErrorCodePort, hypervisor.FaultErrorCodePort, vm.faults)
	ioBus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, vm.console)

	vcpu, err := NewVCPU(vm, 0)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.vcpu = vcpu

	if enableDebug {
		log.Printf("VirtualMachine: KVM VM created with %d bytes of guest memory.", memSize)
	}
	return vm, nil
}

// VCPU returns the VM's only vCPU.
func (vm *VirtualMachine) VCPU() *VCPU {
	return vm.vcpu
}

// PIC returns the interrupt controller model.
func (vm *VirtualMachine) PIC() *devices.PICDevice {
	return vm.picDevice
}

// SetConsole sends COM1 output to w.
func (vm *VirtualMachine) SetConsole(w io.Writer) {
	vm.console.SetOutput(w)
}

// Fault returns the first fault reported by a handler stub, if any.
func (vm *VirtualMachine) Fault() (devices.Fault, bool) {
	return vm.faults.Fault()
}

// WriteAt implements io.WriterAt over guest physical memory.
func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(vm.guestMemory)) {
		return 0, fmt.Errorf("VirtualMachine: write of %d bytes at 0x%x out of bounds", len(p), off)
	}
	return copy(vm.guestMemory[off:], p), nil
}

// ReadAt implements io.ReaderAt over guest physical memory.
func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(vm.guestMemory)) {
		return 0, fmt.Errorf("VirtualMachine: read of %d bytes at 0x%x out of bounds", len(p), off)
	}
	return copy(p, vm.guestMemory[off:]), nil
}

// LoadBinary loads a binary image into guest memory.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes into guest memory at 0x%x", len(image), address)
	}
	return nil
}

// LoadKernel validates the Multiboot2 header of a flat kernel image, as
// a bootloader would, and loads the image at address.
func (vm *VirtualMachine) LoadKernel(image []byte, address uint64) (*multiboot.Header, error) {
	hdr, err := multiboot.Locate(image)
	if err != nil {
		return nil, err
	}
	if err := vm.LoadBinary(image, address); err != nil {
		return nil, err
	}
	if vm.Debug {
		log.Printf("VirtualMachine: Multiboot2 header at image offset 0x%x, length %d", hdr.Offset, hdr.Length)
	}
	return hdr, nil
}

// Boot runs the activation sequence on the vCPU and then executes guest
// code from cfg.Layout.PayloadEntry until it halts or faults.
func (vm *VirtualMachine) Boot(cfg Config) (*Activation, error) {
	cfg.Debug = cfg.Debug || vm.Debug
	a, err := Activate(vm.vcpu, vm, cfg)
	if err != nil {
		return a, err
	}
	return a, vm.vcpu.Run(cfg.Layout.PayloadEntry, cfg.Layout.StackTop)
}

// HandleIO is called by VCPU on KVM_EXIT_IO.
// It dispatches the I/O operation to the appropriate device via the IOBus.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8) error {
	if vm.Debug {
		directionStr := "OUT"
		if direction == devices.IODirectionIn {
			directionStr = "IN"
		}
		log.Printf("VM: VCPU %d IO Exit: Port=0x%x, Dir=%s, Size=%d", vcpuID, port, directionStr, size)
	}
	if err := vm.ioBus.HandleIO(port, direction, size, data); err != nil {
		log.Printf("VM: Error handling I/O for VCPU %d on port 0x%x: %v", vcpuID, port, err)
		return err
	}
	return nil
}

// Close cleans up resources used by the virtual machine.
func (vm *VirtualMachine) Close() {
	if vm.vcpu != nil {
		vm.vcpu.Close()
		vm.vcpu = nil
	}
	if vm.guestMemory != nil {
		unix.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.vmFD > 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = -1
	}
	if vm.kvmFD > 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = -1
	}
	if vm.Debug {
		log.Println("VirtualMachine: Closed.")
	}
}
