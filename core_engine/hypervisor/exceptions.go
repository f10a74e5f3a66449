package hypervisor

// ExceptionVectors is the number of architecture-reserved vectors.
const ExceptionVectors = 32

// Exception describes one architecture-reserved vector and whether the
// processor pushes an error code before entering its handler.
type Exception struct {
	Vector       uint8
	Name         string
	Mnemonic     string
	HasErrorCode bool
}

// HandlerKind returns the handler variant matching the exception's stack
// layout.
func (e Exception) HandlerKind() HandlerKind {
	if e.HasErrorCode {
		return HandlerExceptionWithErrorCode
	}
	return HandlerException
}

// Exceptions maps vectors 0-31 to their fixed semantics. The IDT builder
// iterates it once to specialise the reserved vectors.
var Exceptions = [ExceptionVectors]Exception{
	{0, "Divide Error", "#DE", false},
	{1, "Debug", "#DB", false},
	{2, "Non-Maskable Interrupt", "NMI", false},
	{3, "Breakpoint", "#BP", false},
	{4, "Overflow", "#OF", false},
	{5, "Bound Range Exceeded", "#BR", false},
	{6, "Invalid Opcode", "#UD", false},
	{7, "Device Not Available", "#NM", false},
	{8, "Double Fault", "#DF", true},
	{9, "Coprocessor Segment Overrun", "", false},
	{10, "Invalid TSS", "#TS", true},
	{11, "Segment Not Present", "#NP", true},
	{12, "Stack-Segment Fault", "#SS", true},
	{13, "General Protection", "#GP", true},
	{14, "Page Fault", "#PF", true},
	{15, "Reserved", "", false},
	{16, "x87 Floating-Point Error", "#MF", false},
	{17, "Alignment Check", "#AC", false},
	{18, "Machine Check", "#MC", false},
	{19, "SIMD Floating-Point", "#XM", false},
	{20, "Virtualization", "#VE", false},
	{21, "Control Protection", "#CP", false},
	{22, "Reserved", "", false},
	{23, "Reserved", "", false},
	{24, "Reserved", "", false},
	{25, "Reserved", "", false},
	{26, "Reserved", "", false},
	{27, "Reserved", "", false},
	{28, "Hypervisor Injection", "#HV", false},
	{29, "VMM Communication", "#VC", false},
	{30, "Security", "#SX", false},
	{31, "Reserved", "", false},
}

// ExceptionName returns the name of a reserved vector, or "" for vectors
// at or above ExceptionVectors.
func ExceptionName(vector uint8) string {
	if vector >= ExceptionVectors {
		return ""
	}
	return Exceptions[vector].Name
}
