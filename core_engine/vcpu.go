//go:build linux && amd64

package core_engine

import (
	"errors"
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/bootcore/core_engine/devices"
	"example.com/bootcore/core_engine/hypervisor"
)

// ErrGuestShutdown is returned by Run when the guest triple-faults.
var ErrGuestShutdown = errors.New("guest shutdown (triple fault)")

// FaultError is returned by Run when a handler stub reported a fault.
type FaultError struct {
	devices.Fault
}

func (e *FaultError) Error() string {
	return "guest fault: " + e.Fault.String()
}

// VCPU represents a virtual CPU within a KVM virtual machine. Besides
// running guest code it implements CPU, applying each privileged
// operation of the activation sequence directly to the vCPU state.
type VCPU struct {
	id      int
	fd      int
	vm      *VirtualMachine
	kvmRun  *hypervisor.KvmRun
	runMmap []byte
}

// NewVCPU creates and initializes a new VCPU for the given VM. The vCPU
// starts in the reset state with a flat real-mode view of memory.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCPU %d: %w", id, err)
	}

	mmapSize, err := hypervisor.DoKVMGetVCPUMmapSize(vm.kvmFD)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for VCPU %d: %w", id, err)
	}
	if mmapSize < int(unsafe.Sizeof(hypervisor.KvmRun{})) {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned %d for VCPU %d", mmapSize, id)
	}

	runMmap, err := unix.Mmap(vcpuFD, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("failed to mmap kvm_run for VCPU %d: %w", id, err)
	}

	vcpu := &VCPU{
		id:      id,
		fd:      vcpuFD,
		vm:      vm,
		kvmRun:  (*hypervisor.KvmRun)(unsafe.Pointer(&runMmap[0])),
		runMmap: runMmap,
	}

	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to initialize registers for VCPU %d: %w", id, err)
	}
	if vm.Debug {
		log.Printf("VCPU %d: Created. KVM_RUN mmap size: %d bytes.", id, mmapSize)
	}
	return vcpu, nil
}

// initRegisters flattens the real-mode segments so guest memory is
// addressed linearly from 0, the state a bootloader hands over before the
// kernel loads its own tables.
func (vcpu *VCPU) initRegisters() error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %w", err)
	}
	for _, seg := range []*hypervisor.KvmSegment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		seg.Base = 0
		seg.Selector = 0
	}
	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %w", err)
	}

	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_REGS failed: %w", err)
	}
	regs.RFLAGS = hypervisor.RFLAGS_RESERVED
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %w", err)
	}
	return nil
}

// ID returns the vCPU index.
func (vcpu *VCPU) ID() int {
	return vcpu.id
}

// Regs returns the general purpose registers.
func (vcpu *VCPU) Regs() (*hypervisor.KvmRegs, error) {
	return hypervisor.DoKVMGetRegs(vcpu.fd)
}

// Sregs returns the special registers.
func (vcpu *VCPU) Sregs() (*hypervisor.KvmSregs, error) {
	return hypervisor.DoKVMGetSregs(vcpu.fd)
}

func (vcpu *VCPU) updateSregs(op string, fn func(*hypervisor.KvmSregs) error) error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("VCPU %d: %s: KVM_GET_SREGS: %w", vcpu.id, op, err)
	}
	if err := fn(sregs); err != nil {
		return fmt.Errorf("VCPU %d: %s: %w", vcpu.id, op, err)
	}
	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("VCPU %d: %s: KVM_SET_SREGS: %w", vcpu.id, op, err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: %s", vcpu.id, op)
	}
	return nil
}

func (vcpu *VCPU) updateFlags(op string, set, clear uint64) error {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("VCPU %d: %s: KVM_GET_REGS: %w", vcpu.id, op, err)
	}
	regs.RFLAGS = (regs.RFLAGS &^ clear) | set
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("VCPU %d: %s: KVM_SET_REGS: %w", vcpu.id, op, err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: %s, RFLAGS=0x%x", vcpu.id, op, regs.RFLAGS)
	}
	return nil
}

// loadSegment refills a segment register's hidden cache from the GDT
// currently in guest memory, as a MOV to a segment register or a far
// jump would.
func (vcpu *VCPU) loadSegment(sregs *hypervisor.KvmSregs, sel hypervisor.Selector) (hypervisor.KvmSegment, error) {
	table := make([]byte, int(sregs.GDT.Limit)+1)
	if _, err := vcpu.vm.ReadAt(table, int64(sregs.GDT.Base)); err != nil {
		return hypervisor.KvmSegment{}, fmt.Errorf("reading GDT: %w", err)
	}
	c, err := hypervisor.LoadSegmentFromTable(table, sregs.GDT.Limit, sel)
	if err != nil {
		return hypervisor.KvmSegment{}, err
	}
	return hypervisor.KvmSegment{
		Base:     uint64(c.Base),
		Limit:    c.Limit,
		Selector: uint16(c.Selector),
		Type:     c.Type,
		Present:  boolToU8(c.Present),
		DPL:      uint8(c.DPL),
		DB:       boolToU8(c.DB),
		S:        boolToU8(c.S),
		G:        boolToU8(c.G),
	}, nil
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// DisableInterrupts implements CPU.
func (vcpu *VCPU) DisableInterrupts() error {
	return vcpu.updateFlags("cli", 0, hypervisor.RFLAGS_IF)
}

// EnableInterrupts implements CPU.
func (vcpu *VCPU) EnableInterrupts() error {
	return vcpu.updateFlags("sti", hypervisor.RFLAGS_IF, 0)
}

// LoadGDT implements CPU.
func (vcpu *VCPU) LoadGDT(ptr hypervisor.TablePointer) error {
	return vcpu.updateSregs("lgdt "+ptr.String(), func(s *hypervisor.KvmSregs) error {
		s.GDT.Base = uint64(ptr.Base)
		s.GDT.Limit = ptr.Limit
		return nil
	})
}

// LoadIDT implements CPU.
func (vcpu *VCPU) LoadIDT(ptr hypervisor.TablePointer) error {
	return vcpu.updateSregs("lidt "+ptr.String(), func(s *hypervisor.KvmSregs) error {
		s.IDT.Base = uint64(ptr.Base)
		s.IDT.Limit = ptr.Limit
		return nil
	})
}

// FarJump implements CPU. It enters protected mode and reloads CS.
func (vcpu *VCPU) FarJump(cs hypervisor.Selector) error {
	return vcpu.updateSregs("ljmp "+cs.String(), func(s *hypervisor.KvmSregs) error {
		seg, err := vcpu.loadSegment(s, cs)
		if err != nil {
			return err
		}
		if seg.S == 0 || seg.Type&hypervisor.AccessExecutable == 0 {
			return fmt.Errorf("selector %v is not a code segment", cs)
		}
		s.CR0 |= hypervisor.CR0_PE
		s.CS = seg
		return nil
	})
}

// LoadDataSegments implements CPU.
func (vcpu *VCPU) LoadDataSegments(ds hypervisor.Selector) error {
	return vcpu.updateSregs("mov sreg "+ds.String(), func(s *hypervisor.KvmSregs) error {
		seg, err := vcpu.loadSegment(s, ds)
		if err != nil {
			return err
		}
		if seg.S == 0 || seg.Type&hypervisor.AccessExecutable != 0 {
			return fmt.Errorf("selector %v is not a data segment", ds)
		}
		s.DS, s.ES, s.FS, s.GS, s.SS = seg, seg, seg, seg, seg
		return nil
	})
}

// OutByte implements CPU by routing the write through the VM's I/O bus.
func (vcpu *VCPU) OutByte(port uint16, val uint8) error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: out 0x%x, 0x%02x", vcpu.id, port, val)
	}
	return vcpu.vm.ioBus.OutByte(port, val)
}

// Run executes guest code at entry with the stack at stackTop until the
// guest halts. A fault reported by a handler stub is returned as a
// *FaultError.
func (vcpu *VCPU) Run(entry, stackTop uint32) error {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_REGS failed: %w", err)
	}
	regs.RIP = uint64(entry)
	regs.RSP = uint64(stackTop)
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %w", err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Entering run loop. RIP=0x%x RSP=0x%x", vcpu.id, entry, stackTop)
	}

	for {
		if err := vcpu.injectPendingInterrupt(); err != nil {
			return err
		}
		if err := hypervisor.DoKVMRun(vcpu.fd); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("KVM_RUN failed for VCPU %d: %w", vcpu.id, err)
		}

		switch vcpu.kvmRun.ExitReason {
		case hypervisor.KVM_EXIT_IO:
			if err := vcpu.handleIO(); err != nil {
				return err
			}
			if f, ok := vcpu.vm.faults.Fault(); ok {
				if vcpu.vm.Debug {
					log.Printf("VCPU %d: Fault reported: %v", vcpu.id, f)
				}
				return &FaultError{Fault: f}
			}

		case hypervisor.KVM_EXIT_IRQ_WINDOW_OPEN:
			// The next loop iteration injects.

		case hypervisor.KVM_EXIT_HLT:
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: KVM_EXIT_HLT. Guest halted.", vcpu.id)
			}
			return nil

		case hypervisor.KVM_EXIT_SHUTDOWN:
			return fmt.Errorf("VCPU %d: %w", vcpu.id, ErrGuestShutdown)

		case hypervisor.KVM_EXIT_FAIL_ENTRY:
			fe := vcpu.kvmRun.FailEntry()
			return fmt.Errorf("VCPU %d KVM_EXIT_FAIL_ENTRY, hardware reason: 0x%x", vcpu.id, fe.HardwareEntryFailureReason)

		case hypervisor.KVM_EXIT_INTERNAL_ERROR:
			return fmt.Errorf("VCPU %d KVM_EXIT_INTERNAL_ERROR: %s", vcpu.id, vcpu.kvmRun.InternalError())

		default:
			return fmt.Errorf("VCPU %d: unhandled KVM exit reason %s", vcpu.id, KvmExitReasonName(vcpu.kvmRun.ExitReason))
		}
	}
}

// injectPendingInterrupt delivers the PIC's highest priority request when
// the guest can take it, and otherwise asks KVM to exit once it can.
func (vcpu *VCPU) injectPendingInterrupt() error {
	run := vcpu.kvmRun
	pic := vcpu.vm.picDevice
	if !pic.HasPendingInterrupt() {
		run.RequestInterruptWindow = 0
		return nil
	}
	if run.ReadyForInterruptInjection == 0 || run.IfFlag == 0 {
		run.RequestInterruptWindow = 1
		return nil
	}
	vector, ok := pic.GetInterruptVector()
	if !ok {
		return nil
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Injecting vector 0x%x", vcpu.id, vector)
	}
	if err := hypervisor.DoKVMInterrupt(vcpu.fd, vector); err != nil {
		return fmt.Errorf("KVM_INTERRUPT failed for VCPU %d: %w", vcpu.id, err)
	}
	run.RequestInterruptWindow = 0
	return nil
}

// handleIO dispatches a KVM_EXIT_IO. The data for each of Count
// transfers lies at DataOffset inside the kvm_run mapping.
func (vcpu *VCPU) handleIO() error {
	io := vcpu.kvmRun.IO()
	total := int(io.Size) * int(io.Count)
	if io.Size == 0 || int(io.DataOffset)+total > len(vcpu.runMmap) {
		return fmt.Errorf("VCPU %d: malformed KVM_EXIT_IO (size %d, count %d, offset %d)", vcpu.id, io.Size, io.Count, io.DataOffset)
	}
	data := vcpu.runMmap[io.DataOffset : int(io.DataOffset)+total]
	for i := 0; i < int(io.Count); i++ {
		chunk := data[i*int(io.Size) : (i+1)*int(io.Size)]
		if err := vcpu.vm.HandleIO(vcpu.id, io.Port, chunk, io.Direction, io.Size); err != nil {
			return err
		}
	}
	return nil
}

// Close cleans up resources used by the VCPU.
func (vcpu *VCPU) Close() {
	if vcpu.runMmap != nil {
		if err := unix.Munmap(vcpu.runMmap); err != nil {
			log.Printf("VCPU %d: Error unmapping kvm_run: %v", vcpu.id, err)
		}
		vcpu.runMmap = nil
		vcpu.kvmRun = nil
	}
	if vcpu.fd > 0 {
		unix.Close(vcpu.fd)
		vcpu.fd = -1
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Closed.", vcpu.id)
	}
}

// KvmExitReasonName returns a readable name for a KVM exit reason.
func KvmExitReasonName(reason uint32) string {
	switch reason {
	case hypervisor.KVM_EXIT_UNKNOWN:
		return "KVM_EXIT_UNKNOWN"
	case hypervisor.KVM_EXIT_EXCEPTION:
		return "KVM_EXIT_EXCEPTION"
	case hypervisor.KVM_EXIT_IO:
		return "KVM_EXIT_IO"
	case hypervisor.KVM_EXIT_HLT:
		return "KVM_EXIT_HLT"
	case hypervisor.KVM_EXIT_MMIO:
		return "KVM_EXIT_MMIO"
	case hypervisor.KVM_EXIT_IRQ_WINDOW_OPEN:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case hypervisor.KVM_EXIT_SHUTDOWN:
		return "KVM_EXIT_SHUTDOWN"
	case hypervisor.KVM_EXIT_FAIL_ENTRY:
		return "KVM_EXIT_FAIL_ENTRY"
	case hypervisor.KVM_EXIT_INTERNAL_ERROR:
		return "KVM_EXIT_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_EXIT_REASON_%d", reason)
	}
}
