package multiboot

import "encoding/binary"

// Header tag types.
const (
	TagEnd                uint16 = 0
	TagInformationRequest uint16 = 1
	TagAddress            uint16 = 2
	TagEntryAddress       uint16 = 3
	TagConsoleFlags       uint16 = 4
	TagFramebuffer        uint16 = 5
	TagModuleAlignment    uint16 = 6
)

// Information request types (boot information tags the kernel asks for).
const (
	InfoCommandLine    uint32 = 1
	InfoBootLoaderName uint32 = 2
	InfoModules        uint32 = 3
	InfoBasicMemory    uint32 = 4
	InfoBIOSBootDevice uint32 = 5
	InfoMemoryMap      uint32 = 6
	InfoVBE            uint32 = 7
	InfoFramebuffer    uint32 = 8
	InfoELFSymbols     uint32 = 9
	InfoAPMTable       uint32 = 10
)

// Console flag bits.
const (
	ConsoleRequired     uint32 = 1 << 0
	ConsoleEGASupported uint32 = 1 << 1
)

// Tag is one requested feature in the header.
type Tag interface {
	Type() uint16
	Payload() []byte
}

func putUint32s(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// InformationRequest asks the bootloader to supply the listed boot
// information types.
type InformationRequest struct {
	Requests []uint32
}

func (t InformationRequest) Type() uint16    { return TagInformationRequest }
func (t InformationRequest) Payload() []byte { return putUint32s(t.Requests...) }

// ConsoleFlags describes the kernel's console requirements.
type ConsoleFlags struct {
	Flags uint32
}

func (t ConsoleFlags) Type() uint16    { return TagConsoleFlags }
func (t ConsoleFlags) Payload() []byte { return putUint32s(t.Flags) }

// FramebufferRequest asks for a video mode; zero fields mean no
// preference.
type FramebufferRequest struct {
	Width, Height, Depth uint32
}

func (t FramebufferRequest) Type() uint16    { return TagFramebuffer }
func (t FramebufferRequest) Payload() []byte { return putUint32s(t.Width, t.Height, t.Depth) }

// EntryAddress overrides the ELF entry point.
type EntryAddress struct {
	Addr uint32
}

func (t EntryAddress) Type() uint16    { return TagEntryAddress }
func (t EntryAddress) Payload() []byte { return putUint32s(t.Addr) }

// ModuleAlignment asks for modules to be page aligned. It has no payload.
type ModuleAlignment struct{}

func (ModuleAlignment) Type() uint16    { return TagModuleAlignment }
func (ModuleAlignment) Payload() []byte { return nil }

// RawTag carries an arbitrary type and payload.
type RawTag struct {
	TagType uint16
	Data    []byte
}

func (t RawTag) Type() uint16    { return t.TagType }
func (t RawTag) Payload() []byte { return t.Data }
