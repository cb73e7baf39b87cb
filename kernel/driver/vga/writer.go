package vga

import "rdos/kernel/sync"

const (
	defaultFg = LightGrey
	defaultBg = Black

	tabWidth = 4

	// unprintableChar (a filled square in code page 437) is displayed
	// instead of bytes outside the printable ASCII range.
	unprintableChar = byte(0xfe)
)

var (
	// Console is the system text console.
	Console Writer

	// acquireFn and releaseFn are mocked by tests. The console is written
	// to from interrupt handlers so interrupts stay masked while it is held.
	acquireFn = (*sync.Spinlock).AcquireIRQSave
	releaseFn = (*sync.Spinlock).ReleaseIRQRestore
)

// Writer implements a simple terminal on top of a TextBuffer that can
// process CR, LF, TAB and BS characters. Writer implements io.Writer and
// is safe to use from interrupt handlers.
type Writer struct {
	lock sync.Spinlock
	buf  TextBuffer

	curX    uint16
	curY    uint16
	curAttr Attr
}

// Init attaches the writer to the text buffer at fbAddr and clears it.
func (w *Writer) Init(fbAddr uintptr) {
	w.buf.Init(Width, Height, fbAddr)
	w.curX, w.curY = 0, 0

	// Default to lightgrey on black text.
	w.curAttr = MakeAttr(defaultFg, defaultBg)
	w.buf.Clear(0, 0, Width, Height, w.curAttr)
}

// Init sets up the system console over the text buffer. The text buffer is
// accessed through the mapping of physical memory at physMemOffset.
func Init(physMemOffset uintptr) *Writer {
	Console.Init(physMemOffset + TextBufferPhysAddr)
	return &Console
}

// SetColor changes the attribute used for subsequent writes.
func (w *Writer) SetColor(fg, bg Attr) {
	wasEnabled := acquireFn(&w.lock)
	w.curAttr = MakeAttr(fg, bg)
	releaseFn(&w.lock, wasEnabled)
}

// Position returns the current cursor position (x, y).
func (w *Writer) Position() (uint16, uint16) {
	wasEnabled := acquireFn(&w.lock)
	x, y := w.curX, w.curY
	releaseFn(&w.lock, wasEnabled)
	return x, y
}

// SetPosition sets the current cursor position to (x,y).
func (w *Writer) SetPosition(x, y uint16) {
	wasEnabled := acquireFn(&w.lock)
	if x >= w.buf.width {
		x = w.buf.width - 1
	}

	if y >= w.buf.height {
		y = w.buf.height - 1
	}

	w.curX, w.curY = x, y
	releaseFn(&w.lock, wasEnabled)
}

// Write implements io.Writer.
func (w *Writer) Write(data []byte) (int, error) {
	wasEnabled := acquireFn(&w.lock)
	for _, b := range data {
		w.writeByte(b)
	}
	releaseFn(&w.lock, wasEnabled)

	return len(data), nil
}

func (w *Writer) writeByte(b byte) {
	switch b {
	case '\r':
		w.cr()
	case '\n':
		w.cr()
		w.lf()
	case '\b':
		if w.curX > 0 {
			w.curX--
		}
	case '\t':
		for next := (w.curX/tabWidth + 1) * tabWidth; w.curX < next; {
			w.put(' ')
			if w.curX == 0 {
				break
			}
		}
	default:
		if b < ' ' || b > '~' {
			b = unprintableChar
		}
		w.put(b)
	}
}

// put writes b at the cursor and advances it, wrapping at the end of the
// line.
func (w *Writer) put(b byte) {
	w.buf.Write(b, w.curAttr, w.curX, w.curY)
	w.curX++
	if w.curX == w.buf.width {
		w.cr()
		w.lf()
	}
}

// cr resets the x coordinate of the cursor to 0.
func (w *Writer) cr() {
	w.curX = 0
}

// lf advances the y coordinate of the cursor by one line scrolling the
// buffer contents if the end of the last line is reached.
func (w *Writer) lf() {
	if w.curY+1 < w.buf.height {
		w.curY++
		return
	}

	w.buf.ScrollUp(1)
	w.buf.Clear(0, w.buf.height-1, w.buf.width, 1, w.curAttr)
}
