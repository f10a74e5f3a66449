// Command mkiso packages a Multiboot2 kernel with a GRUB El Torito image
// into a bootable ISO.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"example.com/bootcore/core_engine/bootimage"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("mkiso: ")

	kernel := flag.String("kernel", "", "kernel image with a Multiboot2 header")
	loader := flag.String("loader", "", "GRUB El Torito image (grub-mkimage -O i386-pc-eltorito)")
	out := flag.String("o", "boot.iso", "output image")
	label := flag.String("label", "", "volume identifier")
	title := flag.String("title", "", "boot menu title")
	flag.Parse()

	if *kernel == "" || *loader == "" {
		flag.Usage()
		os.Exit(2)
	}
	k, err := os.ReadFile(*kernel)
	if err != nil {
		log.Fatal(err)
	}
	l, err := os.ReadFile(*loader)
	if err != nil {
		log.Fatal(err)
	}
	if err := bootimage.Build(*out, bootimage.Options{Kernel: k, Loader: l, Label: *label, Title: *title}); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s\n", *out)
}
