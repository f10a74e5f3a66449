//go:build linux && amd64

package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers from <linux/kvm.h>.
const (
	KVMIO = 0xAE

	KVM_GET_API_VERSION        = 0xAE00
	KVM_CREATE_VM              = 0xAE01
	KVM_GET_VCPU_MMAP_SIZE     = 0xAE04
	KVM_CREATE_VCPU            = 0xAE41
	KVM_SET_USER_MEMORY_REGION = 0x4020AE46
	KVM_RUN                    = 0xAE80
	KVM_GET_REGS               = 0x8090AE81
	KVM_SET_REGS               = 0x4090AE82
	KVM_GET_SREGS              = 0x8138AE83
	KVM_SET_SREGS              = 0x4138AE84
	KVM_INTERRUPT              = 0x4004AE86

	// KVM_API_VERSION is the only stable API version.
	KVM_API_VERSION = 12
)

// KVM exit reasons.
const (
	KVM_EXIT_UNKNOWN         = 0
	KVM_EXIT_EXCEPTION       = 1
	KVM_EXIT_IO              = 2
	KVM_EXIT_HLT             = 5
	KVM_EXIT_MMIO            = 6
	KVM_EXIT_IRQ_WINDOW_OPEN = 7
	KVM_EXIT_SHUTDOWN        = 8
	KVM_EXIT_FAIL_ENTRY      = 9
	KVM_EXIT_INTERNAL_ERROR  = 17

	KVM_EXIT_IO_IN  = 0
	KVM_EXIT_IO_OUT = 1
)

// KVM_EXIT_INTERNAL_ERROR suberrors.
const (
	KVM_INTERNAL_ERROR_EMULATION              = 1
	KVM_INTERNAL_ERROR_SIMUL_EX               = 2
	KVM_INTERNAL_ERROR_DELIVERY_EV            = 3
	KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON = 4
)

// Control register and flag bits touched by the activation back-end.
const (
	CR0_PE = 1 << 0

	RFLAGS_RESERVED = 1 << 1
	RFLAGS_IF       = 1 << 9
)

const kvmNrInterrupts = 256

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs mirrors struct kvm_regs.
type KvmRegs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                            uint64
}

// KvmSegment mirrors struct kvm_segment, the processor's hidden
// descriptor cache for one segment register.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// KvmDtable mirrors struct kvm_dtable, the GDTR/IDTR image.
type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// KvmSregs mirrors struct kvm_sregs.
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	APICBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

// KvmRun mirrors the fixed head of struct kvm_run followed by the exit
// union.
type KvmRun struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	APICBase                   uint64
	Exit                       [256]byte
}

// KvmIo is the io member of the kvm_run exit union.
type KvmIo struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// KvmFailEntry is the fail_entry member of the kvm_run exit union.
type KvmFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// KvmInternalError is the internal member of the kvm_run exit union.
type KvmInternalError struct {
	Suberror uint32
	Ndata    uint32
	Data     [16]uint64
}

// SuberrorName returns a readable name for the suberror.
func (e *KvmInternalError) SuberrorName() string {
	switch e.Suberror {
	case KVM_INTERNAL_ERROR_EMULATION:
		return "emulation failure"
	case KVM_INTERNAL_ERROR_SIMUL_EX:
		return "simultaneous exceptions"
	case KVM_INTERNAL_ERROR_DELIVERY_EV:
		return "event delivery failure"
	case KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON:
		return "unexpected exit reason"
	default:
		return fmt.Sprintf("suberror %d", e.Suberror)
	}
}

// String renders the suberror and the first Ndata data words.
func (e *KvmInternalError) String() string {
	n := int(e.Ndata)
	if n > len(e.Data) {
		n = len(e.Data)
	}
	return fmt.Sprintf("%s, data %#x", e.SuberrorName(), e.Data[:n])
}

// IO returns the io member of the exit union.
func (r *KvmRun) IO() *KvmIo {
	return (*KvmIo)(unsafe.Pointer(&r.Exit[0]))
}

// FailEntry returns the fail_entry member of the exit union.
func (r *KvmRun) FailEntry() *KvmFailEntry {
	return (*KvmFailEntry)(unsafe.Pointer(&r.Exit[0]))
}

// InternalError returns the internal member of the exit union.
func (r *KvmRun) InternalError() *KvmInternalError {
	return (*KvmInternalError)(unsafe.Pointer(&r.Exit[0]))
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// --- KVM ioctl wrappers ---

func DoKVMGetAPIVersion(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, KVM_GET_API_VERSION, 0)
	return int(v), err
}

func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	return int(fd), err
}

func DoKVMGetVCPUMmapSize(kvmFD int) (int, error) {
	n, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	return int(n), err
}

func DoKVMCreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	return int(fd), err
}

func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr uint64, memorySize uint64, userspaceAddr uintptr) error {
	memRegion := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&memRegion)))
	return err
}

func DoKVMRun(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	return err
}

func DoKVMGetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	if _, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

func DoKVMSetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

func DoKVMGetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	if _, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

func DoKVMSetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

// DoKVMInterrupt queues vector for injection. Only valid without an
// in-kernel irqchip, and only when kvm_run reports the vCPU ready for
// injection.
func DoKVMInterrupt(vcpuFD int, vector uint8) error {
	irq := uint32(vector)
	_, err := ioctl(vcpuFD, KVM_INTERRUPT, uintptr(unsafe.Pointer(&irq)))
	return err
}
