//go:build linux && amd64

// Command bootvm loads a flat Multiboot2 kernel image into a KVM guest,
// activates the descriptor tables on its vCPU and runs the kernel until
// it halts or faults.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"example.com/bootcore/core_engine"
	"example.com/bootcore/core_engine/hypervisor"
	"example.com/bootcore/core_engine/multiboot"
)

func main() {
	kernel := flag.String("kernel", "", "flat kernel image with a Multiboot2 header")
	loadAddr := flag.Uint64("load", 0x100000, "guest physical load address")
	memSize := flag.Uint64("mem", core_engine.DefaultMemorySize, "guest memory size in bytes")
	interruptGates := flag.Bool("interrupt-gates", false, "use interrupt gates instead of trap gates for exceptions")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *kernel == "" {
		flag.Usage()
		os.Exit(2)
	}
	image, err := os.ReadFile(*kernel)
	if err != nil {
		log.Fatalf("failed to read kernel: %v", err)
	}

	os.Exit(run(image, *loadAddr, *memSize, *interruptGates, *debug))
}

func run(image []byte, loadAddr, memSize uint64, interruptGates, debug bool) int {
	vm, err := core_engine.NewVirtualMachine(memSize, debug)
	if err != nil {
		log.Printf("failed to create VM: %v", err)
		return 1
	}
	defer vm.Close()
	vm.SetConsole(os.Stdout)

	hdr, err := vm.LoadKernel(image, loadAddr)
	if err != nil {
		log.Printf("failed to load kernel: %v", err)
		return 1
	}

	cfg := core_engine.Config{
		Layout:    core_engine.DefaultLayout(),
		BootMagic: multiboot.BootloaderMagic,
		Debug:     debug,
	}
	if interruptGates {
		cfg.ExceptionGate = hypervisor.InterruptGate
	}
	if entry, ok := hdr.EntryAddress(); ok {
		cfg.Layout.PayloadEntry = entry
	} else {
		cfg.Layout.PayloadEntry = uint32(loadAddr) + uint32(hdr.Offset) + hdr.Length
	}

	_, err = vm.Boot(cfg)
	var fault *core_engine.FaultError
	switch {
	case errors.As(err, &fault):
		fmt.Printf("kernel faulted: %v\n", fault.Fault)
		return 1
	case err != nil:
		log.Printf("boot failed: %v", err)
		return 1
	}
	fmt.Println("kernel halted")
	return 0
}
