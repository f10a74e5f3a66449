// Package bootimage packages a Multiboot2 kernel and a GRUB El Torito
// loader into a bootable ISO9660 image.
package bootimage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"

	"example.com/bootcore/core_engine/multiboot"
)

// Paths inside the image.
const (
	KernelPath     = "/boot/kernel.bin"
	GrubConfigPath = "/boot/grub/grub.cfg"
	LoaderPath     = "/boot/grub/eltorito.img"
	BootCatalog    = "boot.cat"
)

const (
	sectorSize = 2048
	// LoadSize is the number of 512-byte sectors the BIOS loads from the
	// no-emulation boot image.
	loadSize = 4
)

// Options describes an image.
type Options struct {
	Kernel []byte // must carry a valid Multiboot2 header
	Loader []byte // GRUB i386-pc El Torito image (grub-mkimage -O i386-pc-eltorito)
	Label  string // volume identifier, "BOOTCORE" when empty
	Title  string // menu entry title, "bootcore" when empty
}

// GrubConfig returns the grub.cfg that boots KernelPath through the
// multiboot2 command.
func GrubConfig(title string) []byte {
	if title == "" {
		title = "bootcore"
	}
	return []byte(fmt.Sprintf("set timeout=0\nset default=0\n\nmenuentry %q {\n\tmultiboot2 %s\n\tboot\n}\n", title, KernelPath))
}

// Build writes the image to dst, replacing any existing file. The kernel
// is rejected before anything is written if it has no Multiboot2 header.
func Build(dst string, opts Options) error {
	if _, err := multiboot.Locate(opts.Kernel); err != nil {
		return fmt.Errorf("bootimage: kernel: %w", err)
	}
	if len(opts.Loader) == 0 {
		return fmt.Errorf("bootimage: no El Torito loader")
	}
	label := opts.Label
	if label == "" {
		label = "BOOTCORE"
	}

	files := []struct {
		path string
		data []byte
	}{
		{KernelPath, opts.Kernel},
		{LoaderPath, opts.Loader},
		{GrubConfigPath, GrubConfig(opts.Title)},
	}

	size := int64(1 << 20)
	for _, f := range files {
		size += (int64(len(f.data)) + sectorSize - 1) / sectorSize * sectorSize
	}

	_ = os.Remove(dst)
	d, err := diskfs.Create(dst, size, diskfs.Raw, diskfs.SectorSize(sectorSize))
	if err != nil {
		return fmt.Errorf("bootimage: create %s: %w", dst, err)
	}
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: label,
	})
	if err != nil {
		return fmt.Errorf("bootimage: create filesystem: %w", err)
	}

	for _, f := range files {
		if err := fs.Mkdir(path.Dir(f.path)); err != nil {
			return fmt.Errorf("bootimage: mkdir %s: %w", path.Dir(f.path), err)
		}
		if err := writeFile(fs, f.path, f.data); err != nil {
			return err
		}
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return fmt.Errorf("bootimage: unexpected filesystem %T", fs)
	}
	err = iso.Finalize(iso9660.FinalizeOptions{
		VolumeIdentifier: label,
		RockRidge:        true,
		ElTorito: &iso9660.ElTorito{
			BootCatalog: BootCatalog,
			Entries: []*iso9660.ElToritoEntry{
				{
					Platform:  iso9660.BIOS,
					Emulation: iso9660.NoEmulation,
					BootFile:  LoaderPath,
					BootTable: true,
					LoadSize:  loadSize,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("bootimage: finalize: %w", err)
	}
	return nil
}

func writeFile(fs filesystem.FileSystem, name string, data []byte) error {
	f, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("bootimage: open %s: %w", name, err)
	}
	_, err = io.Copy(f, bytes.NewReader(data))
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("bootimage: write %s: %w", name, err)
	}
	return nil
}

// ReadFile reads one file back out of a built image.
func ReadFile(image, name string) ([]byte, error) {
	d, err := diskfs.Open(image)
	if err != nil {
		return nil, fmt.Errorf("bootimage: open %s: %w", image, err)
	}
	fs, err := d.GetFilesystem(0)
	if err != nil {
		return nil, fmt.Errorf("bootimage: %s: %w", image, err)
	}
	f, err := fs.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("bootimage: open %s: %w", name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
