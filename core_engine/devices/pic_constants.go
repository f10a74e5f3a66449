package devices

// 8259A PIC I/O Port Addresses
const (
	PIC_MASTER_CMD_PORT  uint16 = 0x20 // Master PIC Command Port
	PIC_MASTER_DATA_PORT uint16 = 0x21 // Master PIC Data (IMR) Port
	PIC_SLAVE_CMD_PORT   uint16 = 0xA0 // Slave PIC Command Port
	PIC_SLAVE_DATA_PORT  uint16 = 0xA1 // Slave PIC Data (IMR) Port
)

// Vector offsets.
const (
	// Power-on offsets; the master's overlaps CPU exceptions 8-15.
	PIC_BIOS_MASTER_OFFSET uint8 = 0x08
	PIC_BIOS_SLAVE_OFFSET  uint8 = 0x70

	// Remapped offsets, directly above the 32 reserved exception vectors.
	PIC_MASTER_OFFSET uint8 = 0x20
	PIC_SLAVE_OFFSET  uint8 = 0x28

	// PIC_MASTER_SPURIOUS_VECTOR is where a spurious master IRQ7 lands
	// after remapping.
	PIC_MASTER_SPURIOUS_VECTOR = PIC_MASTER_OFFSET + 7
)

const (
	PIC_MASTER_SLAVE_IRQ uint8 = 2 // Master line the slave cascades into
)

// ICW1 (Initialization Command Word 1) bits
const (
	PIC_ICW1_IC4  byte = 0x01 // ICW4 will be sent
	PIC_ICW1_SNGL byte = 0x02 // Single (1) or cascade (0) mode
	PIC_ICW1_LTIM byte = 0x08 // Level (1) or edge (0) triggered
	PIC_ICW1_INIT byte = 0x10 // Must be set for ICW1
)

// ICW4 (Initialization Command Word 4) bits
const (
	PIC_ICW4_UPM  byte = 0x01 // 8086/8088 mode
	PIC_ICW4_AEOI byte = 0x02 // Auto EOI
)

// OCW2 (Operational Command Word 2) bits
const (
	PIC_OCW2_L0L1L2  byte = 0x07 // IR level for specific EOI
	PIC_OCW2_EOI_CMD byte = 0x20 // End of interrupt
	PIC_OCW2_SL_CMD  byte = 0x40 // Specific
)

// OCW3 (Operational Command Word 3) bits
const (
	PIC_OCW3_RIS_CMD byte = 0x01 // Read ISR (1) or IRR (0)
	PIC_OCW3_RR_CMD  byte = 0x02 // Read register
	PIC_OCW3_OCW3_ID byte = 0x08 // Identifies an OCW3
)

// PortWrite is one OUT instruction.
type PortWrite struct {
	Port  uint16
	Value uint8
}

// PICRemapProgram returns the OUT sequence that reinitializes both
// controllers with the given vector offsets and leaves the mask registers
// at masterMask/slaveMask.
func PICRemapProgram(masterOffset, slaveOffset, masterMask, slaveMask uint8) []PortWrite {
	icw1 := PIC_ICW1_INIT | PIC_ICW1_IC4
	return []PortWrite{
		{PIC_MASTER_CMD_PORT, icw1},
		{PIC_SLAVE_CMD_PORT, icw1},
		{PIC_MASTER_DATA_PORT, masterOffset},
		{PIC_SLAVE_DATA_PORT, slaveOffset},
		{PIC_MASTER_DATA_PORT, 1 << PIC_MASTER_SLAVE_IRQ},
		{PIC_SLAVE_DATA_PORT, PIC_MASTER_SLAVE_IRQ},
		{PIC_MASTER_DATA_PORT, PIC_ICW4_UPM},
		{PIC_SLAVE_DATA_PORT, PIC_ICW4_UPM},
		{PIC_MASTER_DATA_PORT, masterMask},
		{PIC_SLAVE_DATA_PORT, slaveMask},
	}
}
