package mi

import (
	"bytes"

	"github.com/kyle-sylvestre/tug/internal/constants"
)

// The value side of a -data-evaluate-expression reply is close to a GDB
// record but not the same dialect:
//   - not packed, there are spaces in the buffer
//   - aggregates use {} syntax whether array or struct
//   - aggregates past 200 elements are truncated with "...}"
//   - runs are length encoded, ex: {0 <repeats 1024 times>}
//
// Do not merge this with recurseRecord: the two grammars disagree on the
// string terminator rule and on the meaning of '{'.

var repeatsMarker = []byte("<repeats ")

// evalRunLength detects a "<repeats N times>" marker two bytes past the
// current index. It returns the repeat count and the index of the closing
// '>' so the caller can skip the marker.
func (ctx *parseContext) evalRunLength() (repeat uint32, lastIdx int, ok bool) {
	if ctx.i+10 >= len(ctx.buf) || !bytes.HasPrefix(ctx.buf[ctx.i+2:], repeatsMarker) {
		return 0, 0, false
	}

	var n uint64
	dig := ctx.i + 11
	for ; dig < len(ctx.buf); dig++ {
		c := ctx.buf[dig]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint64(c-'0')
	}

	// dig rests on the space before "times>"
	return uint32(n), dig + 6, true
}

// recurseEvaluation consumes one value-expression atom starting at ctx.i
// and returns it with its run length. Aggregates keep at most
// constants.AggregateMax children; overflow elements are dropped while
// earlier ones are retained.
func (ctx *parseContext) recurseEvaluation() AtomSequence {
	sequence := AtomSequence{Length: 1}
	atom := &sequence.Atom
	stringStart := 0
	aggregateStart := 0
	insideStringLiteral := false
	var numChildren uint32

	for ; ctx.i < len(ctx.buf); ctx.i++ {
		c := ctx.buf[ctx.i]
		var p, pp, n, nn byte
		if ctx.i >= 1 {
			p = ctx.buf[ctx.i-1]
		}
		if ctx.i >= 2 {
			pp = ctx.buf[ctx.i-2]
		}
		if ctx.i+1 < len(ctx.buf) {
			n = ctx.buf[ctx.i+1]
		}
		if ctx.i+2 < len(ctx.buf) {
			nn = ctx.buf[ctx.i+2]
		}

		// embedded C string literals are delimited by \" pairs; structural
		// characters inside them do not count
		if pp != '\\' && p == '\\' && c == '"' {
			insideStringLiteral = !insideStringLiteral
		}
		if insideStringLiteral {
			continue
		}

		if repeat, lastIdx, ok := ctx.evalRunLength(); ok &&
			(atom.Kind == AtomName || atom.Kind == AtomString) {
			// value followed by a run length marker; close it as a string
			atom.Kind = AtomString
			atom.Value = Span{Index: uint32(stringStart), Length: uint32(ctx.i + 1 - stringStart)}
			ctx.i = lastIdx
			sequence.Length = repeat
			return sequence
		}

		switch atom.Kind {
		case AtomNone:
			if c == ' ' || c == ',' {
				continue
			}
			if c == '{' {
				aggregateStart = ctx.atomIdx
				atom.Kind = AtomStruct
			} else {
				stringStart = ctx.i
				if (n == ',' || n == '}' || nn == '<') && ctx.i > 0 {
					ctx.i-- // single digit elements like {0, 1, 2}
				}
				if atom.Name.Length == 0 {
					atom.Kind = AtomName
				} else {
					atom.Kind = AtomString
				}
			}

		case AtomName:
			if c == '=' {
				// name = value, -1 to step back over the space
				atom.Name = Span{Index: uint32(stringStart), Length: uint32(ctx.i - 1 - stringStart)}
				atom.Kind = AtomNone
			} else if n == ',' || n == '}' {
				// not a name after all, an unnamed string element
				atom.Kind = AtomString
				atom.Value = Span{Index: uint32(stringStart), Length: uint32(ctx.i + 1 - stringStart)}
				return sequence
			}

		case AtomString:
			if n == ',' || n == '}' {
				atom.Value = Span{Index: uint32(stringStart), Length: uint32(ctx.i + 1 - stringStart)}
				return sequence
			}

		case AtomStruct, AtomArray:
			if c == '}' {
				atom.Value = ctx.popUnordered(aggregateStart)
				if repeat, lastIdx, ok := ctx.evalRunLength(); ok {
					ctx.i = lastIdx
					sequence.Length = repeat
				}
				return sequence
			}

			// start of a new elem, recurse and add
			savedEndAtoms := ctx.numEndAtoms
			elem := ctx.recurseEvaluation()
			if elem.Atom.Name.Length == 0 {
				atom.Kind = AtomArray
			}

			if numChildren < constants.AggregateMax {
				child := elem.Atom
				if elem.Length > 1 {
					child.Repeats = elem.Length
				}
				ctx.pushUnordered(child)
				numChildren++
			} else {
				// aggregate is full: drop the overflow element along with
				// any subtree atoms it moved to the ordered tail
				ctx.numEndAtoms = savedEndAtoms
			}
		}
	}

	return sequence
}

// ParseEvaluation parses the value text of a -data-evaluate-expression
// reply into a Record, prepending "name = " the way GDB prints top-level
// aggregates. The resulting root carries the given name.
func ParseEvaluation(name, value string) (Record, error) {
	buf := []byte(name + " = " + value)

	ctx := newParseContext(buf, len(buf)/4+8)
	root := ctx.recurseEvaluation().Atom
	if ctx.err != nil {
		return Record{}, ctx.err
	}

	rec := Record{Buf: buf}
	rec.Atoms = ctx.finish(root)
	collapseEscapes(&rec)
	return rec, nil
}
