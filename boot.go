package main

import "github.com/analogrelay/roxy/kernel/kmain"

var handoffPtr uintptr

// main makes a dummy call to the actual kernel entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// The rt0 entry stub (a prebuilt object linked via ROXY_RT0, see the
// Makefile) never executes main; it jumps straight to kmain.Kmain after
// switching to the bootstrap stack, passing the virtual address of the
// bootloader handoff blob in the first argument slot.
//
// A global variable is passed as the argument to Kmain to prevent the
// compiler from inlining the call and removing Kmain from the generated .o
// file.
func main() {
	kmain.Kmain(handoffPtr)
}
