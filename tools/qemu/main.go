// Command qemu boots a built kernel image under qemu-system-x86_64 and
// reports the verdict the kernel signals through the isa-debug-exit device.
// It is the host half of the boot-test harness: the kernel writes a success
// or failure code to port 0xf4 and QEMU exits with that code shifted left
// one bit and OR-ed with one.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/fatih/color"
)

// Exit codes the kernel writes to the isa-debug-exit port, as seen in the
// QEMU process exit status ((code << 1) | 1).
const (
	exitStatusSuccess = 0x21
	exitStatusFailure = 0x23
)

func main() {
	var (
		image  = flag.String("image", "build/roxy-uefi.img", "path to the bootable disk image")
		ovmf   = flag.String("ovmf", "/usr/share/OVMF/OVMF_CODE.fd", "path to the OVMF firmware blob")
		bios   = flag.Bool("bios", false, "boot via legacy BIOS instead of UEFI firmware")
		debug  = flag.Bool("debug", false, "freeze the CPU at startup and wait for a gdb connection")
		memory = flag.String("memory", "", "guest memory size (passed to qemu -m)")
	)
	flag.Parse()

	args := []string{
		"-device", "isa-debug-exit,iobase=0xf4,iosize=0x04",
		"-serial", "stdio",
		"-display", "none",
		"-drive", fmt.Sprintf("format=raw,file=%s", *image),
	}
	if !*bios {
		args = append(args, "-bios", *ovmf)
	}
	if *debug {
		args = append(args, "-s", "-S", "-no-reboot", "-no-shutdown")
	}
	if *memory != "" {
		args = append(args, "-m", *memory)
	}

	cmd := exec.Command("qemu-system-x86_64", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		// A clean qemu exit means the guest powered off without ever
		// touching the debug-exit device.
		color.Yellow("kernel exited without reporting a verdict")
		os.Exit(1)
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		color.Red("qemu failed to start: %v", err)
		os.Exit(1)
	}

	switch status := exitErr.ExitCode(); status {
	case exitStatusSuccess:
		color.Green("kernel boot test passed")
	case exitStatusFailure:
		color.Red("kernel boot test failed")
		os.Exit(1)
	default:
		color.Red("qemu exited with unexpected status %d", status)
		os.Exit(1)
	}
}
