// Package vga drives the 80x25 VGA text mode display.
package vga

import (
	"reflect"
	"unsafe"

	"rdos/kernel"
)

// Attr defines a color attribute.
type Attr uint16

// The set of colors that can be combined into an attribute with MakeAttr.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

const (
	// TextBufferPhysAddr is the physical address of the text mode buffer.
	TextBufferPhysAddr = uintptr(0xb8000)

	// Width and Height are the text mode dimensions in characters.
	Width  = 80
	Height = 25

	clearChar = byte(' ')
)

// MakeAttr combines a foreground and a background color into a cell
// attribute.
func MakeAttr(fg, bg Attr) Attr {
	return (bg << 4) | (fg & 0xf)
}

// TextBuffer provides access to the cells of a text mode buffer. Each cell
// holds an ASCII code point in its low byte and a color attribute in its
// high byte.
type TextBuffer struct {
	width  uint16
	height uint16

	fbAddr uintptr
	fb     []uint16
}

// Init points the buffer at width*height cells starting at fbAddr.
func (b *TextBuffer) Init(width, height uint16, fbAddr uintptr) {
	b.width = width
	b.height = height
	b.fbAddr = fbAddr

	// Set up our frame buffer object by creating a fake slice object pointing
	// to the screen buffer.
	b.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(width) * int(height),
		Cap:  int(width) * int(height),
		Data: fbAddr,
	}))
}

// Dimensions returns the buffer width and height in characters.
func (b *TextBuffer) Dimensions() (uint16, uint16) {
	return b.width, b.height
}

// Clear fills the specified rectangular region with blanks using attr.
func (b *TextBuffer) Clear(x, y, width, height uint16, attr Attr) {
	var (
		clr                  = uint16(attr)<<8 | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	// clip rectangle
	if x >= b.width {
		x = b.width
	}
	if y >= b.height {
		y = b.height
	}

	if x+width > b.width {
		width = b.width - x
	}
	if y+height > b.height {
		height = b.height - y
	}

	rowOffset = (y * b.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+b.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			b.fb[colOffset] = clr
		}
	}
}

// ScrollUp moves the buffer contents up by the requested number of lines.
// The bottom lines keep their previous contents.
func (b *TextBuffer) ScrollUp(lines uint16) {
	if lines == 0 || lines > b.height {
		return
	}

	rowSize := uintptr(b.width) << 1
	kernel.Memcopy(b.fbAddr+uintptr(lines)*rowSize, b.fbAddr, uintptr(b.height-lines)*rowSize)
}

// Write a char to the specified location.
func (b *TextBuffer) Write(ch byte, attr Attr, x, y uint16) {
	if x >= b.width || y >= b.height {
		return
	}

	b.fb[(y*b.width)+x] = (uint16(attr) << 8) | uint16(ch)
}

// Read returns the char and attribute at the specified location.
func (b *TextBuffer) Read(x, y uint16) (byte, Attr) {
	if x >= b.width || y >= b.height {
		return 0, 0
	}

	cell := b.fb[(y*b.width)+x]
	return byte(cell), Attr(cell >> 8)
}
