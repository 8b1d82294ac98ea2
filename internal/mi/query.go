package mi

import (
	"strconv"
	"strings"
)

// splitSegment peels the leading dotted segment off path, returning the
// segment name, its optional [N] index, and the remaining path.
func splitSegment(path string) (name string, index int, hasIndex bool, rest string) {
	seg := path
	if dot := strings.IndexByte(path, '.'); dot >= 0 {
		seg, rest = path[:dot], path[dot+1:]
	}
	if open := strings.IndexByte(seg, '['); open >= 0 {
		if close := strings.IndexByte(seg[open:], ']'); close > 1 {
			if n, err := strconv.Atoi(seg[open+1 : open+close]); err == nil {
				return seg[:open], n, true, rest
			}
		}
	}
	return seg, 0, false, rest
}

// ExtractAtomFrom resolves a dotted path ("bkpt.fullname",
// "stack[2].line") against the children of iter. At each step the child
// whose name matches the segment is selected; a [N] suffix descends into
// the Nth element of a matched array. A failed lookup returns nil.
func (r *Record) ExtractAtomFrom(path string, iter *Atom) *Atom {
	name, index, hasIndex, rest := splitSegment(path)

	children := r.IterChildren(iter)
	for i := range children {
		child := &children[i]
		if r.AtomName(child) != name {
			continue
		}

		target := child
		if hasIndex {
			if child.Kind != AtomArray || index < 0 || uint32(index) >= child.Value.Length {
				return nil
			}
			target = &r.Atoms[child.Value.Index+uint32(index)]
		}

		if rest == "" {
			return target
		}
		return r.ExtractAtomFrom(rest, target)
	}
	return nil
}

// ExtractAtom resolves a dotted path against the record root.
func (r *Record) ExtractAtom(path string) *Atom {
	root := r.Root()
	if root == nil {
		return nil
	}
	return r.ExtractAtomFrom(path, root)
}

// ExtractValue returns the string value at path, or "" when the path is
// missing or names an aggregate.
func (r *Record) ExtractValue(path string) string {
	return r.AtomValue(r.ExtractAtom(path))
}

// ExtractValueFrom is ExtractValue resolved against an inner atom.
func (r *Record) ExtractValueFrom(path string, iter *Atom) string {
	return r.AtomValue(r.ExtractAtomFrom(path, iter))
}

// ExtractInt returns the integer value at path, or 0 when missing or not
// a number.
func (r *Record) ExtractInt(path string) int {
	return atoi(r.ExtractValue(path))
}

// ExtractIntFrom is ExtractInt resolved against an inner atom.
func (r *Record) ExtractIntFrom(path string, iter *Atom) int {
	return atoi(r.ExtractValueFrom(path, iter))
}

// atoi mirrors C atoi: parse the leading decimal run, 0 on failure.
func atoi(s string) int {
	i := 0
	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	n := 0
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n
	}
	return n
}
