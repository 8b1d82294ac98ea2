package mi

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ParseError describes a record line the parser could not understand.
// The line is recoverable: callers drop the record and keep parsing.
type ParseError struct {
	Msg   string
	Index int
	Char  byte
	Line  []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse record error: %s (index %d, char %q)", e.Msg, e.Index, e.Char)
}

// WriteBadRecord writes the diagnostic sidecar for a failed parse: the
// error message, the failure index, and the full offending line. It
// returns the path written.
func WriteBadRecord(dir string, perr *ParseError) (string, error) {
	name := fmt.Sprintf("badrecord_%d.txt", time.Now().UnixMilli())
	path := filepath.Join(dir, name)
	body := fmt.Sprintf("error message: %s\nerror index: %d\n%s", perr.Msg, perr.Index, perr.Line)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// parseContext is the scratch arena shared by both parsers. Atoms are
// pushed in parse order at the live end of the front region; when an
// aggregate closes, its contiguous run is moved to the ordered tail and
// the parent's value span rewritten to address it. One vector serves the
// whole parse.
type parseContext struct {
	atoms       []Atom
	atomIdx     int // live end of the unordered front region
	numEndAtoms int // contiguous ordered atoms packed at the tail
	err         *ParseError
	i           int
	buf         []byte
}

func newParseContext(buf []byte, sizeHint int) *parseContext {
	if sizeHint < 8 {
		sizeHint = 8
	}
	return &parseContext{
		atoms: make([]Atom, sizeHint),
		buf:   buf,
	}
}

func (ctx *parseContext) fail(msg string, c byte) {
	if ctx.err == nil {
		ctx.err = &ParseError{
			Msg:   msg,
			Index: ctx.i,
			Char:  c,
			Line:  append([]byte(nil), ctx.buf...),
		}
	}
	// force to end to unwind the descent
	ctx.i = len(ctx.buf)
}

// grow widens the scratch vector, keeping the front region at the front
// and the ordered tail at the tail. Closed aggregates record absolute
// indices into the tail, wherever the referring atom lives, so moving
// the tail means rebasing every such span by the same shift.
func (ctx *parseContext) grow(need int) {
	oldSize := len(ctx.atoms)
	size := oldSize*2 + need
	shift := uint32(size - oldSize)
	oldTailBase := uint32(oldSize - ctx.numEndAtoms)

	next := make([]Atom, size)
	copy(next, ctx.atoms[:ctx.atomIdx])
	copy(next[size-ctx.numEndAtoms:], ctx.atoms[oldSize-ctx.numEndAtoms:])

	rebase := func(atoms []Atom) {
		for i := range atoms {
			a := &atoms[i]
			if a.Kind.IsAggregate() && a.Value.Length != 0 && a.Value.Index >= oldTailBase {
				a.Value.Index += shift
			}
		}
	}
	rebase(next[:ctx.atomIdx])
	rebase(next[size-ctx.numEndAtoms:])

	ctx.atoms = next
}

func (ctx *parseContext) pushUnordered(a Atom) {
	if ctx.atomIdx >= len(ctx.atoms)-ctx.numEndAtoms {
		ctx.grow(8)
	}
	ctx.atoms[ctx.atomIdx] = a
	ctx.atomIdx++
}

// popUnordered moves the atoms pushed since startIdx to the ordered tail
// and returns the span addressing them. Spans are absolute until the
// final layout pass rebases them.
func (ctx *parseContext) popUnordered(startIdx int) Span {
	n := ctx.atomIdx - startIdx
	for len(ctx.atoms)-ctx.numEndAtoms-n < ctx.atomIdx {
		ctx.grow(n)
	}
	dest := len(ctx.atoms) - ctx.numEndAtoms - n
	copy(ctx.atoms[dest:dest+n], ctx.atoms[startIdx:ctx.atomIdx])
	ctx.numEndAtoms += n
	ctx.atomIdx = startIdx

	if n == 0 {
		return Span{}
	}
	return Span{Index: uint32(dest), Length: uint32(n)}
}

// finish places the root ahead of the ordered tail, rebases aggregate
// spans against the final layout, and returns the packed atom vector.
func (ctx *parseContext) finish(root Atom) []Atom {
	if ctx.numEndAtoms+1 > len(ctx.atoms) {
		ctx.grow(1)
	}
	ctx.numEndAtoms++
	orderedOffset := len(ctx.atoms) - ctx.numEndAtoms
	ctx.atoms[orderedOffset] = root

	out := make([]Atom, ctx.numEndAtoms)
	copy(out, ctx.atoms[orderedOffset:])
	for i := range out {
		a := &out[i]
		if a.Kind.IsAggregate() && a.Value.Length != 0 {
			a.Value.Index -= uint32(orderedOffset)
		}
	}
	return out
}

func inferAtomStart(c byte) AtomKind {
	switch {
	case c == '{':
		return AtomStruct
	case c == '[':
		return AtomArray
	case c == '"':
		return AtomString
	case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_':
		return AtomName
	}
	return AtomNone
}

// recurseRecord consumes one atom starting at ctx.i. For aggregates it
// recurses per element, pushing children in order and popping the run to
// the ordered tail on close.
func (ctx *parseContext) recurseRecord() Atom {
	var result Atom
	stringStart := 0
	aggregateStart := 0

	for ; ctx.i < len(ctx.buf); ctx.i++ {
		c := ctx.buf[ctx.i]

		// skip over chars outside of string
		if result.Kind != AtomString && (c == ' ' || c == ',' || c == ';' || c == '_' || c == '\n') {
			continue
		}

		switch result.Kind {
		case AtomNone:
			// figure out what kind of block this is
			start := inferAtomStart(c)
			switch start {
			case AtomString:
				// start after the " index
				stringStart = ctx.i + 1
			case AtomName:
				stringStart = ctx.i
			case AtomArray, AtomStruct:
				aggregateStart = ctx.atomIdx
			default:
				ctx.fail("can't deduce block type", c)
				continue
			}
			result.Kind = start

		case AtomName:
			if c == '=' {
				result.Name = Span{Index: uint32(stringStart), Length: uint32(ctx.i - stringStart)}
				result.Kind = AtomNone
			} else if inferAtomStart(c) != AtomName {
				ctx.fail("hit bad atom name character", c)
				continue
			}

		case AtomString:
			// a quote only closes the string when the next byte is a
			// separator; GDB emits unescaped quotes in pointer previews
			// like value="0x555555556004 "%d""
			var n, p byte
			if ctx.i+1 < len(ctx.buf) {
				n = ctx.buf[ctx.i+1]
			}
			if ctx.i >= 1 {
				p = ctx.buf[ctx.i-1]
			}
			if c == '"' && p != '\\' && (n == ',' || n == '}' || n == ']') {
				result.Value = Span{Index: uint32(stringStart), Length: uint32(ctx.i - stringStart)}
				return result
			}

		case AtomArray, AtomStruct:
			start := inferAtomStart(c)
			if start != AtomNone {
				// start of new elem, recurse and add
				elem := ctx.recurseRecord()
				ctx.pushUnordered(elem)
			} else if c == ']' || c == '}' {
				if (c == ']' && result.Kind != AtomArray) ||
					(c == '}' && result.Kind != AtomStruct) {
					kind := "struct"
					if result.Kind == AtomArray {
						kind = "array"
					}
					ctx.fail("wrong ending character for "+kind, c)
				} else {
					result.Value = ctx.popUnordered(aggregateStart)
					return result
				}
			} else {
				ctx.fail("hit bad aggregate char", c)
				continue
			}
		}
	}

	return result
}

// ParseRecord parses one MI result or async line (without its trailing
// newline) into a Record. The first comma opens an implicit top-level
// array and the line end closes it, so the root atom is always an
// aggregate holding the key/value pairs after the keyword.
func ParseRecord(id uint32, line []byte) (Record, error) {
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	rec := Record{ID: id, Buf: buf}

	comma := bytes.IndexByte(buf, ',')
	if comma < 0 {
		// a prefix-one-word record, e.g. ^done
		rec.Atoms = []Atom{{Kind: AtomArray}}
		return rec, nil
	}

	// reinterpret the keyword comma and the line end as array brackets
	last := len(buf) - 1
	buf[comma] = '['
	buf[last] = ']'

	// pre-scan for a scratch size in the same spirit as the final count:
	// every aggregate opener and key/value pair needs a slot
	found := 0
	for i := 0; i < len(buf); i++ {
		var n byte
		if i+1 < len(buf) {
			n = buf[i+1]
		}
		c := buf[i]
		if c == '[' || c == '{' || (c == '=' && n == '"') || (c == '"' && n == ',') {
			found++
		}
	}

	ctx := newParseContext(buf, found*2)
	ctx.i = comma
	root := ctx.recurseRecord()

	// restore the modified bytes
	buf[comma] = ','
	buf[last] = '\n'

	if ctx.err != nil {
		// the diagnostic carries the line as received, not the bracketed form
		ctx.err.Line = append(ctx.err.Line[:0], buf...)
		return Record{}, ctx.err
	}

	rec.Atoms = ctx.finish(root)
	collapseEscapes(&rec)
	return rec, nil
}

// collapseEscapes rewrites `\\` and `\"` inside every string atom to the
// literal byte, shortening the value span in place.
func collapseEscapes(rec *Record) {
	root := rec.Root()
	if root == nil {
		return
	}
	rec.IterateAtoms(root, func(r *Record, a *Atom) {
		if a.Kind != AtomString {
			return
		}
		length := int(a.Value.Length)
		base := int(a.Value.Index)
		if base+length > len(r.Buf) {
			return
		}
		newLength := length
		for i := 0; i < length; i++ {
			idx := base + i
			c := r.Buf[idx]
			var n byte
			if i+1 < length {
				n = r.Buf[idx+1]
			}
			if c == '\\' && (n == '\\' || n == '"') {
				copy(r.Buf[idx:base+length-1], r.Buf[idx+1:base+length])
				newLength--
			}
		}
		a.Value.Length = uint32(newLength)
	})
}
