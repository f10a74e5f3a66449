// Package multiboot assembles the Multiboot2 header a bootloader looks for
// in the first 32 KiB of a kernel image, and performs the checks a
// bootloader applies to it.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderMagic identifies a Multiboot2 header in the kernel image.
	HeaderMagic uint32 = 0xE85250D6

	// ArchI386 requests 32-bit protected mode.
	ArchI386 uint32 = 0

	// BootloaderMagic is the value a compliant bootloader leaves in EAX
	// when it transfers control to the kernel.
	BootloaderMagic uint32 = 0x36D76289

	// SearchLimit bounds the image prefix a bootloader scans.
	SearchLimit = 32768

	// HeaderAlign is the alignment of the header and of every tag.
	HeaderAlign = 8

	// FixedHeaderSize is the size of magic, architecture, length and
	// checksum.
	FixedHeaderSize = 16

	tagHeaderSize = 8
)

var (
	// ErrHeaderNotFound is returned when no aligned magic is present in
	// the search window.
	ErrHeaderNotFound = errors.New("multiboot: header not found")

	// ErrBadChecksum is returned when the four header words do not sum to
	// zero.
	ErrBadChecksum = errors.New("multiboot: bad header checksum")

	// ErrEndTag is the panic value of Build when a caller passes a tag
	// of type TagEnd; the end tag is always appended by Build itself.
	ErrEndTag = errors.New("multiboot: end tag supplied by caller")

	// ErrBadHandoff is returned when the bootloader did not pass
	// BootloaderMagic.
	ErrBadHandoff = errors.New("multiboot: bootloader handoff magic mismatch")
)

// Checksum returns the value that makes magic+arch+length+checksum wrap
// to zero.
func Checksum(magic, arch, length uint32) uint32 {
	return -(magic + arch + length)
}

// alignUp rounds n up to the next multiple of HeaderAlign.
func alignUp(n int) int {
	return (n + HeaderAlign - 1) &^ (HeaderAlign - 1)
}

// Build assembles the header for tags, in order, followed by the end tag.
// It panics with an error wrapping ErrEndTag if any tag has type TagEnd.
func Build(tags ...Tag) []byte {
	var body []byte
	for i, t := range tags {
		if t.Type() == TagEnd {
			panic(fmt.Errorf("%w (tag %d)", ErrEndTag, i))
		}
		body = appendTag(body, t.Type(), t.Payload())
	}
	body = appendTag(body, TagEnd, nil)

	length := uint32(FixedHeaderSize + len(body))
	out := make([]byte, FixedHeaderSize, int(length))
	binary.LittleEndian.PutUint32(out[0:], HeaderMagic)
	binary.LittleEndian.PutUint32(out[4:], ArchI386)
	binary.LittleEndian.PutUint32(out[8:], length)
	binary.LittleEndian.PutUint32(out[12:], Checksum(HeaderMagic, ArchI386, length))
	return append(out, body...)
}

func appendTag(b []byte, typ uint16, payload []byte) []byte {
	size := tagHeaderSize + len(payload)
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:], typ)
	binary.LittleEndian.PutUint16(hdr[2:], 0)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size))
	b = append(b, hdr[:]...)
	b = append(b, payload...)
	return append(b, make([]byte, alignUp(size)-size)...)
}

// Header is a validated header located inside an image.
type Header struct {
	// Offset is the position of the header within the image.
	Offset int

	Magic        uint32
	Architecture uint32
	Length       uint32
	Checksum     uint32

	raw []byte
}

// Locate scans the first SearchLimit bytes of image at HeaderAlign
// boundaries for HeaderMagic and validates the header found there: the
// checksum, the architecture, and that the tag list ends with an end tag
// inside the declared length. A candidate that fails validation does not
// stop the scan; its error is returned only when no later candidate is
// valid.
func Locate(image []byte) (*Header, error) {
	limit := len(image)
	if limit > SearchLimit {
		limit = SearchLimit
	}
	var firstErr error
	for off := 0; off+FixedHeaderSize <= limit; off += HeaderAlign {
		if binary.LittleEndian.Uint32(image[off:]) != HeaderMagic {
			continue
		}
		h, err := parseHeader(image, off)
		if err == nil {
			return h, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrHeaderNotFound
}

func parseHeader(image []byte, off int) (*Header, error) {
	h := &Header{
		Offset:       off,
		Magic:        binary.LittleEndian.Uint32(image[off:]),
		Architecture: binary.LittleEndian.Uint32(image[off+4:]),
		Length:       binary.LittleEndian.Uint32(image[off+8:]),
		Checksum:     binary.LittleEndian.Uint32(image[off+12:]),
	}
	if h.Magic+h.Architecture+h.Length+h.Checksum != 0 {
		return nil, fmt.Errorf("%w at offset %#x", ErrBadChecksum, off)
	}
	if h.Architecture != ArchI386 {
		return nil, fmt.Errorf("multiboot: unsupported architecture %d", h.Architecture)
	}
	end := uint64(off) + uint64(h.Length)
	if h.Length < FixedHeaderSize+tagHeaderSize || end > uint64(len(image)) || end > SearchLimit {
		return nil, fmt.Errorf("multiboot: header length %d at offset %#x out of bounds", h.Length, off)
	}
	h.raw = image[off : off+int(h.Length)]

	if _, err := h.Tags(); err != nil {
		return nil, err
	}
	return h, nil
}

// HeaderTag is one tag as found in a header.
type HeaderTag struct {
	Type    uint16
	Flags   uint16
	Size    uint32
	Payload []byte

	// Offset is the tag position relative to the start of the header.
	Offset int
}

// Tags returns every tag up to and excluding the end tag.
func (h *Header) Tags() ([]HeaderTag, error) {
	var tags []HeaderTag
	off := FixedHeaderSize
	for off+tagHeaderSize <= len(h.raw) {
		t := HeaderTag{
			Type:   binary.LittleEndian.Uint16(h.raw[off:]),
			Flags:  binary.LittleEndian.Uint16(h.raw[off+2:]),
			Size:   binary.LittleEndian.Uint32(h.raw[off+4:]),
			Offset: off,
		}
		if t.Size < tagHeaderSize || uint64(off)+uint64(t.Size) > uint64(len(h.raw)) {
			return nil, fmt.Errorf("multiboot: tag at %#x has bad size %d", off, t.Size)
		}
		if t.Type == TagEnd {
			if t.Size != tagHeaderSize {
				return nil, fmt.Errorf("multiboot: end tag has size %d", t.Size)
			}
			return tags, nil
		}
		t.Payload = h.raw[off+tagHeaderSize : off+int(t.Size)]
		tags = append(tags, t)
		off += alignUp(int(t.Size))
	}
	return nil, errors.New("multiboot: missing end tag")
}

// EntryAddress returns the address carried by an entry address tag, if
// the header has one.
func (h *Header) EntryAddress() (uint32, bool) {
	tags, err := h.Tags()
	if err != nil {
		return 0, false
	}
	for _, t := range tags {
		if t.Type == TagEntryAddress && len(t.Payload) >= 4 {
			return binary.LittleEndian.Uint32(t.Payload), true
		}
	}
	return 0, false
}

// Bytes returns the header as found in the image.
func (h *Header) Bytes() []byte {
	b := make([]byte, len(h.raw))
	copy(b, h.raw)
	return b
}

// CheckHandoff validates the EAX value a bootloader passed at kernel
// entry. A mismatch means the environment cannot be trusted.
func CheckHandoff(eax uint32) error {
	if eax != BootloaderMagic {
		return fmt.Errorf("%w: got %#x, want %#x", ErrBadHandoff, eax, BootloaderMagic)
	}
	return nil
}
