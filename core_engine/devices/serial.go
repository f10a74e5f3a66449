package devices

import (
	"fmt"
	"io"
	"sync"
)

// COM1 register block.
const (
	COM1_PORT_BASE uint16 = 0x3F8
	COM1_PORT_END  uint16 = 0x3FF
)

// Register offsets from the port base.
const (
	RHR_THR_DLL uint16 = 0 // RHR (R), THR (W), divisor low with DLAB
	IER_DLH     uint16 = 1 // IER, divisor high with DLAB
	IIR_FCR     uint16 = 2 // IIR (R), FCR (W)
	LCR         uint16 = 3
	MCR         uint16 = 4
	LSR         uint16 = 5
	MSR         uint16 = 6
	SCR         uint16 = 7
)

const (
	LCR_DLAB byte = 0x80

	LSR_DR   byte = 0x01 // Data ready
	LSR_THRE byte = 0x20 // Transmitter holding register empty
	LSR_TEMT byte = 0x40 // Transmitter empty

	IIR_NO_INT_PENDING byte = 0x01
)

// SerialConsole is a transmit-only 16550A on COM1. Bytes written to THR go
// straight to the output writer, so the line status always reports an
// empty transmitter and a boot payload can print without polling forever.
// It never raises IRQ4; interrupt delivery to the guest is not modeled.
type SerialConsole struct {
	lock sync.Mutex
	out  io.Writer

	dll, dlh byte
	ier      byte
	fcr      byte
	lcr      byte
	mcr      byte
	scr      byte
}

// NewSerialConsole returns a console writing to w. A nil w discards output.
func NewSerialConsole(w io.Writer) *SerialConsole {
	if w == nil {
		w = io.Discard
	}
	return &SerialConsole{out: w}
}

// SetOutput redirects transmitted bytes.
func (s *SerialConsole) SetOutput(w io.Writer) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if w == nil {
		w = io.Discard
	}
	s.out = w
}

func (s *SerialConsole) dlab() bool { return s.lcr&LCR_DLAB != 0 }

// HandleIO implements PioDevice for COM1_PORT_BASE..COM1_PORT_END.
func (s *SerialConsole) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("SerialConsole: I/O size %d not supported for port 0x%x", size, port)
	}
	if port < COM1_PORT_BASE || port > COM1_PORT_END {
		return fmt.Errorf("SerialConsole: port 0x%x outside COM1", port)
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	offset := port - COM1_PORT_BASE
	switch direction {
	case IODirectionOut:
		s.write(offset, data[0])
		if offset == RHR_THR_DLL && !s.dlab() {
			if _, err := s.out.Write(data[:1]); err != nil {
				return fmt.Errorf("SerialConsole: output: %w", err)
			}
		}
	case IODirectionIn:
		data[0] = s.read(offset)
	default:
		return fmt.Errorf("SerialConsole: invalid I/O direction %d for port 0x%x", direction, port)
	}
	return nil
}

func (s *SerialConsole) write(offset uint16, val byte) {
	switch offset {
	case RHR_THR_DLL:
		if s.dlab() {
			s.dll = val
		}
	case IER_DLH:
		if s.dlab() {
			s.dlh = val
		} else {
			s.ier = val & 0x0F
		}
	case IIR_FCR:
		s.fcr = val
	case LCR:
		s.lcr = val
	case MCR:
		s.mcr = val & 0x1F
	case SCR:
		s.scr = val
	}
	// LSR and MSR writes are ignored.
}

func (s *SerialConsole) read(offset uint16) byte {
	switch offset {
	case RHR_THR_DLL:
		if s.dlab() {
			return s.dll
		}
		return 0 // nothing is ever received
	case IER_DLH:
		if s.dlab() {
			return s.dlh
		}
		return s.ier
	case IIR_FCR:
		return IIR_NO_INT_PENDING
	case LCR:
		return s.lcr
	case MCR:
		return s.mcr
	case LSR:
		return LSR_THRE | LSR_TEMT
	case MSR:
		return 0
	default:
		return s.scr
	}
}

// Divisor returns the programmed baud rate divisor.
func (s *SerialConsole) Divisor() uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return uint16(s.dlh)<<8 | uint16(s.dll)
}
