// Package kfmt implements the kernel's diagnostic output. None of the code in
// this package allocates memory so it can be used from interrupt handlers and
// before the heap allocator has been registered.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough to hold a padded 64-bit value in base 8.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	numBuf [numBufSize]byte

	// singleByte is a shared buffer for passing single characters to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output while no output sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer that receives Printf output. When nil, the
	// output goes to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any output accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that never allocates. It
// supports the following subset of fmt verbs:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer, lower-case
//	%o  base 8 integer
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 values
// are left-padded with spaces, base-8 and base-16 values with zeroes.
//
// Only built-in string, bool and integer types are recognised; io.Stringer
// and error values are not inspected.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		inVerb   bool
	)

	for i := 0; i < len(format); i++ {
		ch := format[i]

		if !inVerb {
			if ch == '%' {
				inVerb, width = true, 0
				continue
			}

			writeByte(w, ch)
			continue
		}

		switch {
		case ch >= '0' && ch <= '9':
			width = width*10 + int(ch-'0')
			continue
		case ch == '%':
			writeByte(w, '%')
		case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				break
			}

			formatArg(w, ch, args[argIndex], width)
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}
		inVerb = false
	}

	// A trailing '%' (optionally followed by a width) is missing its verb
	if inVerb {
		doWrite(w, errNoVerb)
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func formatArg(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 'd':
		fmtInt(w, arg, 10, width)
	case 'x':
		fmtInt(w, arg, 16, width)
	case 'o':
		fmtInt(w, arg, 8, width)
	case 's':
		fmtString(w, arg, width)
	case 't':
		fmtBool(w, arg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		// converting s to a []byte would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt renders v in the requested base. All built-in integer types are
// supported.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uint:
		val = uint64(n)
	case uintptr:
		val = uint64(n)
	case int8:
		val, negative = abs(int64(n))
	case int16:
		val, negative = abs(int64(n))
	case int32:
		val, negative = abs(int64(n))
	case int64:
		val, negative = abs(n)
	case int:
		val, negative = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are rendered right-to-left into the tail of numBuf
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = digits[val%base]
		val /= base
		if val == 0 {
			break
		}
	}

	// Space padding goes before the sign, zero padding after it
	signLen := 0
	if negative {
		if padCh == ' ' {
			pos--
			numBuf[pos] = '-'
		} else {
			signLen = 1
		}
	}

	for numBufSize-pos+signLen < width {
		pos--
		numBuf[pos] = padCh
	}

	if signLen != 0 {
		pos--
		numBuf[pos] = '-'
	}

	doWrite(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

func writeRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// doWrite hides p from escape analysis. The call through the io.Writer
// interface would otherwise make the compiler move every Printf argument to
// the heap.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
