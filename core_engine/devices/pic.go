package devices

import (
	"fmt"
	"sync"
)

// PICController represents a single 8259A PIC (Master or Slave).
type PICController struct {
	isMaster bool  // True if this is the Master PIC
	offset   uint8 // Base interrupt vector offset (ICW2)
	imr      uint8 // Interrupt Mask Register
	irr      uint8 // Interrupt Request Register
	isr      uint8 // In-Service Register

	icwCount  int  // Which ICW (1-4) is expected next, 0 when not initializing
	expectOCW bool // True once initialization has completed
	modeFlags byte // ICW1 flags (LTIM, SNGL, IC4) combined with ICW4
	cascade   byte // ICW3
	autoEOI   bool

	readRegSelect byte // OCW3: 0 reads IRR, 1 reads ISR
}

// PICDevice manages a cascaded pair of 8259A PICs.
type PICDevice struct {
	master PICController
	slave  PICController
	lock   sync.Mutex
}

// NewPICDevice creates a PIC pair in its power-on state: BIOS vector
// offsets 0x08/0x70 and every line masked.
func NewPICDevice() *PICDevice {
	p := &PICDevice{
		master: PICController{isMaster: true, offset: PIC_BIOS_MASTER_OFFSET},
		slave:  PICController{isMaster: false, offset: PIC_BIOS_SLAVE_OFFSET},
	}
	p.master.imr = 0xFF
	p.slave.imr = 0xFF
	p.master.modeFlags = PIC_ICW1_IC4
	p.slave.modeFlags = PIC_ICW1_IC4
	return p
}

// HandleIO processes a 1-byte access to one of the four PIC ports.
func (p *PICDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("PICDevice: I/O size %d not supported for port 0x%x", size, port)
	}

	var pc *PICController
	switch port {
	case PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT:
		pc = &p.master
	case PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT:
		pc = &p.slave
	default:
		return fmt.Errorf("PICDevice: unhandled I/O to port 0x%x", port)
	}

	isCmd := port == PIC_MASTER_CMD_PORT || port == PIC_SLAVE_CMD_PORT
	if direction == IODirectionOut {
		if isCmd {
			pc.writeCommandPort(data[0], &p.slave)
		} else {
			pc.writeDataPort(data[0])
		}
		return nil
	}

	if isCmd {
		data[0] = pc.readSelectedRegister()
	} else {
		data[0] = pc.imr
	}
	return nil
}

// writeCommandPort processes ICW1, OCW2 and OCW3.
func (pc *PICController) writeCommandPort(val byte, slave *PICController) {
	if val&PIC_ICW1_INIT != 0 {
		pc.icwCount = 1
		pc.expectOCW = false
		pc.imr = 0x00
		pc.irr = 0x00
		pc.isr = 0x00
		pc.modeFlags = val & (PIC_ICW1_LTIM | PIC_ICW1_SNGL | PIC_ICW1_IC4)
		pc.autoEOI = false
		return
	}
	if val&0x18 == PIC_OCW3_OCW3_ID {
		pc.processOCW3(val)
	} else {
		pc.processOCW2(val, slave)
	}
}

// writeDataPort processes ICW2-ICW4 during initialization and OCW1
// (the interrupt mask) otherwise.
func (pc *PICController) writeDataPort(val byte) {
	if pc.icwCount == 0 || pc.expectOCW {
		pc.imr = val
		return
	}
	switch pc.icwCount {
	case 1: // ICW2
		pc.offset = val &^ 0x07
		switch {
		case pc.modeFlags&PIC_ICW1_SNGL == 0:
			pc.icwCount = 2
		case pc.modeFlags&PIC_ICW1_IC4 != 0:
			pc.icwCount = 3
		default:
			pc.finishInit()
		}
	case 2: // ICW3
		pc.cascade = val
		if pc.modeFlags&PIC_ICW1_IC4 != 0 {
			pc.icwCount = 3
		} else {
			pc.finishInit()
		}
	case 3: // ICW4
		pc.modeFlags |= val
		pc.autoEOI = val&PIC_ICW4_AEOI != 0
		pc.finishInit()
	}
}

func (pc *PICController) finishInit() {
	pc.icwCount = 0
	pc.expectOCW = true
}

func (pc *PICController) readSelectedRegister() byte {
	if pc.readRegSelect == 0 {
		return pc.irr
	}
	return pc.isr
}

// processOCW2 handles end-of-interrupt commands.
func (pc *PICController) processOCW2(val byte, slave *PICController) {
	if val&PIC_OCW2_EOI_CMD == 0 {
		return
	}
	if val&PIC_OCW2_SL_CMD != 0 {
		pc.isr &^= 1 << (val & PIC_OCW2_L0L1L2)
		return
	}
	for i := uint8(0); i < 8; i++ {
		if pc.isr&(1<<i) != 0 {
			pc.isr &^= 1 << i
			if pc.isMaster && i == PIC_MASTER_SLAVE_IRQ && slave != nil {
				slave.processOCW2(PIC_OCW2_EOI_CMD, nil)
			}
			return
		}
	}
}

// processOCW3 handles the read-register select command.
func (pc *PICController) processOCW3(val byte) {
	if val&PIC_OCW3_RR_CMD != 0 {
		pc.readRegSelect = val & PIC_OCW3_RIS_CMD
	}
}

// RaiseIRQ latches irqLine (0-15) in the IRR if it is not masked.
func (p *PICDevice) RaiseIRQ(irqLine uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()

	switch {
	case irqLine < 8:
		if p.master.imr&(1<<irqLine) == 0 {
			p.master.irr |= 1 << irqLine
		}
	case irqLine < 16:
		line := irqLine - 8
		if p.slave.imr&(1<<line) == 0 {
			p.slave.irr |= 1 << line
			if p.master.imr&(1<<PIC_MASTER_SLAVE_IRQ) == 0 {
				p.master.irr |= 1 << PIC_MASTER_SLAVE_IRQ
			}
		}
	}
}

// HasPendingInterrupt reports whether GetInterruptVector would return a
// vector, without acknowledging anything.
func (p *PICDevice) HasPendingInterrupt() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	pending := p.master.irr &^ p.master.imr &^ p.master.isr
	if pending == 0 {
		return false
	}
	if pending&^(1<<PIC_MASTER_SLAVE_IRQ) != 0 {
		return true
	}
	return p.slave.irr&^p.slave.imr&^p.slave.isr != 0
}

// GetInterruptVector acknowledges the highest priority pending request and
// returns its vector. ok is false when nothing is pending.
func (p *PICDevice) GetInterruptVector() (vector uint8, ok bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	pending := p.master.irr &^ p.master.imr
	for i := uint8(0); i < 8; i++ {
		if pending&(1<<i) == 0 || p.master.isr&(1<<i) != 0 {
			continue
		}
		if i == PIC_MASTER_SLAVE_IRQ {
			return p.acknowledgeSlave()
		}
		p.master.acknowledge(i)
		return p.master.offset + i, true
	}
	return 0, false
}

func (p *PICDevice) acknowledgeSlave() (uint8, bool) {
	pending := p.slave.irr &^ p.slave.imr
	for i := uint8(0); i < 8; i++ {
		if pending&(1<<i) == 0 || p.slave.isr&(1<<i) != 0 {
			continue
		}
		p.master.acknowledge(PIC_MASTER_SLAVE_IRQ)
		p.slave.acknowledge(i)
		if p.slave.irr&^p.slave.imr == 0 {
			p.master.irr &^= 1 << PIC_MASTER_SLAVE_IRQ
		}
		return p.slave.offset + i, true
	}
	return 0, false
}

func (pc *PICController) acknowledge(line uint8) {
	if !pc.autoEOI {
		pc.isr |= 1 << line
	}
	pc.irr &^= 1 << line
}

// Offsets returns the vector offsets programmed by ICW2.
func (p *PICDevice) Offsets() (master, slave uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.master.offset, p.slave.offset
}

// Masks returns the interrupt mask registers.
func (p *PICDevice) Masks() (master, slave uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.master.imr, p.slave.imr
}

// Initialized reports whether both controllers finished an ICW sequence.
func (p *PICDevice) Initialized() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.master.expectOCW && p.slave.expectOCW
}
