package kernel

import (
	"github.com/analogrelay/roxy/kernel/cpu"
	"github.com/analogrelay/roxy/kernel/kfmt"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// onPanicFn, if non-nil, is invoked after the panic banner has been
	// emitted but before the CPU is halted. The entry sequencer points
	// this at the emulator exit device so the test harness can observe
	// boot failures.
	onPanicFn func()

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetPanicNotifier registers a function to be invoked whenever the kernel
// panics, after the diagnostic output has been written and before the CPU
// halts.
func SetPanicNotifier(fn func()) { onPanicFn = fn }

// Panic outputs the supplied error (if not nil) to the active diagnostic sink
// and halts the CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** kernel panic: system halted ***")
	kfmt.Printf("\n-----------------------------------\n")

	if onPanicFn != nil {
		onPanicFn()
	}

	cpuHaltFn()
}
