// Package kfmt provides a minimal, allocation-free Printf implementation
// that can be used before the Go runtime and the kernel heap have been
// initialized. Output is buffered in a ring buffer until an output sink
// (normally the serial console) is registered.
package kfmt

import (
	"io"
	"unsafe"

	"github.com/analogrelay/roxy/kernel/sync"
)

// maxNumBufSize defines the buffer size for formatting numbers. It is large
// enough for a 64-bit value in base 8 plus a sign.
const maxNumBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numBuf is a scratch buffer for formatting numbers. Access is
	// serialized by printLock.
	numBuf [maxNumBufSize]byte

	// printLock keeps output from interleaving once interrupt handlers
	// can run concurrently with the code that owns the console.
	printLock sync.Spinlock

	// suspendIRQsFn and resumeIRQsFn bracket every locked print so an
	// interrupt cannot preempt the lock holder and leave the handler
	// spinning on the same lock. They start as no-ops; kernel-proper
	// installs the cpu primitives through SetInterruptGuard before
	// interrupts are first enabled.
	suspendIRQsFn = func() uint64 { return 0 }
	resumeIRQsFn  = func(uint64) {}

	// oneByte is a shared single-byte buffer used to emit characters
	// without triggering a string-to-slice conversion (which allocates).
	oneByte = []byte{0}

	// earlyBuf captures Printf output generated before a sink is
	// registered.
	earlyBuf ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While
	// nil, output is redirected to earlyBuf.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf calls to w and drains any output
// accumulated in the early buffer into it. Passing nil reverts to buffering.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuf)
	}
}

// GetOutputSink returns the currently registered output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// SetInterruptGuard installs the pair of functions used to mask maskable
// interrupts for the duration of a locked print and to restore the previous
// interrupt state afterwards. Passing nil for either reverts it to a no-op.
func SetInterruptGuard(suspend func() uint64, resume func(uint64)) {
	if suspend == nil {
		suspend = func() uint64 { return 0 }
	}
	if resume == nil {
		resume = func(uint64) {}
	}
	suspendIRQsFn, resumeIRQsFn = suspend, resume
}

// ForceUnlock releases the output lock no matter which context holds it.
// Fatal fault handlers call it before reporting: the interrupted context
// never resumes, so a lock it held would leave the report spinning forever.
func ForceUnlock() {
	printLock.Release()
}

// Printf formats its arguments to the active output sink. It supports a
// subset of the fmt verbs:
//
//	%s  string or []byte
//	%d  base-10 integer
//	%x  base-16 integer (lower case)
//	%o  base-8 integer
//	%t  boolean
//
// An optional decimal width may precede the verb. Strings and base-10 values
// are left-padded with spaces, base-8 and base-16 values with zeroes.
//
// Printf never allocates: all supported argument types are formatted through
// preallocated scratch buffers. %p and %v are intentionally unsupported as
// they drag in reflect and with it calls to the (unavailable) allocator.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
// The formatting pass runs under the output lock with maskable interrupts
// suspended; the shared scratch buffers are only ever touched inside that
// window.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	flags := suspendIRQsFn()
	printLock.Acquire()

	fprintf(w, format, args...)

	printLock.Release()
	resumeIRQsFn(flags)
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		i, padLen int
		argIndex  int
	)

	for i = 0; i < len(format); i++ {
		if format[i] != '%' {
			emitByte(w, format[i])
			continue
		}

		// Scan the optional pad width and the verb
		padLen = 0
		i++
	verbScan:
		for ; i < len(format); i++ {
			switch ch := format[i]; {
			case ch == '%':
				emitByte(w, '%')
				break verbScan
			case ch >= '0' && ch <= '9':
				padLen = padLen*10 + int(ch-'0')
			case ch == 'd' || ch == 'x' || ch == 'o':
				if argIndex >= len(args) {
					emit(w, errMissingArg)
					break verbScan
				}
				emitInt(w, args[argIndex], verbBase(ch), padLen)
				argIndex++
				break verbScan
			case ch == 's':
				if argIndex >= len(args) {
					emit(w, errMissingArg)
					break verbScan
				}
				emitString(w, args[argIndex], padLen)
				argIndex++
				break verbScan
			case ch == 't':
				if argIndex >= len(args) {
					emit(w, errMissingArg)
					break verbScan
				}
				emitBool(w, args[argIndex])
				argIndex++
				break verbScan
			default:
				emit(w, errNoVerb)
				break verbScan
			}
		}
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, errExtraArg)
	}
}

func verbBase(verb byte) int {
	switch verb {
	case 'o':
		return 8
	case 'x':
		return 16
	default:
		return 10
	}
}

// emitBool writes the formatted boolean value v.
func emitBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		emit(w, errWrongArgType)
		return
	}
	if b {
		emit(w, trueValue)
	} else {
		emit(w, falseValue)
	}
}

// emitString writes string or []byte value v applying the requested padding.
func emitString(w io.Writer, v interface{}, padLen int) {
	switch s := v.(type) {
	case string:
		for pad := padLen - len(s); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		// converting the string to a byte slice would allocate so the
		// bytes are emitted one at a time.
		for i := 0; i < len(s); i++ {
			emitByte(w, s[i])
		}
	case []byte:
		for pad := padLen - len(s); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		emit(w, s)
	default:
		emit(w, errWrongArgType)
	}
}

// emitInt writes a formatted version of v in the requested base, applying
// the requested padding. All built-in signed and unsigned integer types are
// supported.
func emitInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		negative = val < 0
		uval = absInt64(int64(val))
	case int16:
		negative = val < 0
		uval = absInt64(int64(val))
	case int32:
		negative = val < 0
		uval = absInt64(int64(val))
	case int64:
		negative = val < 0
		uval = absInt64(val)
	case int:
		negative = val < 0
		uval = absInt64(int64(val))
	default:
		emit(w, errWrongArgType)
		return
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	// Render digits into numBuf starting from the end
	pos := len(numBuf)
	for {
		pos--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numBuf[pos] = digit + '0'
		} else {
			numBuf[pos] = digit - 10 + 'a'
		}
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative && padCh == '0' {
		pos--
		numBuf[pos] = '-'
		negative = false
	}

	for len(numBuf)-pos < padLen && pos > 0 {
		pos--
		numBuf[pos] = padCh
	}

	if negative {
		// Place the sign on the rightmost blank pad char, or prepend
		// it when the padding is already exhausted.
		signPos := pos
		for signPos < len(numBuf)-1 && numBuf[signPos+1] == ' ' {
			signPos++
		}
		if numBuf[signPos] == ' ' {
			numBuf[signPos] = '-'
		} else if pos > 0 {
			pos--
			numBuf[pos] = '-'
		}
	}

	emit(w, numBuf[pos:])
}

func absInt64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func emitByte(w io.Writer, b byte) {
	oneByte[0] = b
	emit(w, oneByte)
}

// emit is a proxy that uses the runtime noescape hack to hide p from the
// compiler's escape analysis. Without it, the compiler cannot prove that p
// does not escape through the unknown outputSink writer and every Printf
// argument slice would be heap-allocated, crashing the kernel whenever
// Printf runs before the Go allocator is bootstrapped.
func emit(w io.Writer, p []byte) {
	doEmit(w, noEscape(unsafe.Pointer(&p)))
}

func doEmit(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuf.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied
// over from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
