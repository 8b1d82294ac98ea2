// Package console holds the bounded console buffer the UI renders: the
// last NumLogRows lines of debugger console, target, and log output.
package console

import (
	"bytes"

	"github.com/kyle-sylvestre/tug/internal/constants"
	"github.com/kyle-sylvestre/tug/internal/mi"
)

// LineKind classifies a console line.
type LineKind int

const (
	// KindPlain is ordinary console or target output.
	KindPlain LineKind = iota
	// KindUserInput marks log-stream lines, which echo user commands and
	// GDB internal messages.
	KindUserInput
)

// Line is one finished console row, at most NumLogCols bytes of text.
type Line struct {
	Kind LineKind
	Text string
}

// Buffer is a fixed ring of console lines, newest at index 0. Row 0 is
// the in-progress line; a newline shifts the ring down one row. The
// buffer is driver-private and needs no locking.
type Buffer struct {
	lines   [constants.NumLogRows]Line
	row     [constants.NumLogCols]byte
	rowLen  int
	rowKind LineKind
	written uint64
}

// New creates an empty console buffer.
func New() *Buffer {
	return &Buffer{}
}

func (b *Buffer) pushChar(c byte) {
	if c == '\n' {
		b.lines[0] = Line{Kind: b.rowKind, Text: string(b.row[:b.rowLen])}
		copy(b.lines[1:], b.lines[0:constants.NumLogRows-1])
		b.lines[0] = Line{}
		b.rowKind = KindPlain
		b.rowLen = 0
		b.written++
		return
	}
	if b.rowLen < constants.NumLogCols {
		b.row[b.rowLen] = c
		b.rowLen++
	}
}

// Append routes one raw debugger output line into the ring. The "(gdb)"
// prompt is discarded. Stream lines (~, @, &) are unwrapped and their
// escapes collapsed; & lines are marked as user input. Anything else
// (e.g. shell output) is appended verbatim.
func (b *Buffer) Append(buf []byte) {
	if bytes.HasPrefix(buf, []byte(mi.EndSignature)) {
		return
	}

	size := len(buf)
	if size > 2 &&
		(buf[0] == mi.PrefixLog || buf[0] == mi.PrefixTarget || buf[0] == mi.PrefixConsole) &&
		buf[1] == '"' {
		if buf[0] == mi.PrefixLog {
			b.rowKind = KindUserInput
		}

		// stream line, format ~"text text text"
		// skip over the wrapping characters
		if buf[size-1] == '"' {
			size--
		}
		for i := 2; i < size; i++ {
			c := buf[i]
			var n byte
			if i+1 < size {
				n = buf[i+1]
			}

			if c == '\\' {
				switch n {
				case 'n':
					b.pushChar('\n')
				case 't':
					b.pushChar(' ')
					b.pushChar(' ')
				case '\\', '"':
					b.pushChar(n)
				}
				i++ // skip over the evaluated literal char
			} else {
				b.pushChar(c)
			}
		}
	} else {
		for i := 0; i < len(buf); i++ {
			b.pushChar(buf[i])
		}
	}

	// keep the partial row visible at index 0
	b.lines[0] = Line{Kind: b.rowKind, Text: string(b.row[:b.rowLen])}
}

// Lines returns the ring newest-first. Index 0 may be a partial line.
func (b *Buffer) Lines() []Line {
	out := make([]Line, constants.NumLogRows)
	copy(out, b.lines[:])
	return out
}

// LinesWritten counts completed lines over the buffer's lifetime.
func (b *Buffer) LinesWritten() uint64 {
	return b.written
}
