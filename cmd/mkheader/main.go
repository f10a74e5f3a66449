// Command mkheader writes a Multiboot2 header blob for linking at the
// start of a kernel image.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"example.com/bootcore/core_engine/multiboot"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("mkheader: ")

	out := flag.String("o", "multiboot_header.bin", "output file")
	requests := flag.String("request", "", "comma-separated boot information types to request")
	console := flag.Bool("console", false, "require a text console with EGA support")
	framebuffer := flag.String("framebuffer", "", "preferred video mode as WIDTHxHEIGHTxDEPTH")
	entry := flag.String("entry", "", "entry point address overriding the image's")
	alignModules := flag.Bool("align-modules", false, "request page-aligned modules")
	flag.Parse()

	tags, err := buildTags(*requests, *console, *framebuffer, *entry, *alignModules)
	if err != nil {
		log.Fatal(err)
	}
	header := multiboot.Build(tags...)
	if err := os.WriteFile(*out, header, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %d-byte header to %s\n", len(header), *out)
}

func buildTags(requests string, console bool, framebuffer, entry string, alignModules bool) ([]multiboot.Tag, error) {
	var tags []multiboot.Tag
	if requests != "" {
		var req multiboot.InformationRequest
		for _, f := range strings.Split(requests, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(f), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("bad information request %q: %w", f, err)
			}
			req.Requests = append(req.Requests, uint32(v))
		}
		tags = append(tags, req)
	}
	if console {
		tags = append(tags, multiboot.ConsoleFlags{Flags: multiboot.ConsoleRequired | multiboot.ConsoleEGASupported})
	}
	if framebuffer != "" {
		var fb multiboot.FramebufferRequest
		if _, err := fmt.Sscanf(framebuffer, "%dx%dx%d", &fb.Width, &fb.Height, &fb.Depth); err != nil {
			return nil, fmt.Errorf("bad framebuffer mode %q: %w", framebuffer, err)
		}
		tags = append(tags, fb)
	}
	if entry != "" {
		addr, err := strconv.ParseUint(entry, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad entry address %q: %w", entry, err)
		}
		tags = append(tags, multiboot.EntryAddress{Addr: uint32(addr)})
	}
	if alignModules {
		tags = append(tags, multiboot.ModuleAlignment{})
	}
	return tags, nil
}
