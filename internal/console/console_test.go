package console

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyle-sylvestre/tug/internal/constants"
)

func TestAppendStreamLine(t *testing.T) {
	b := New()
	b.Append([]byte(`~"Reading symbols from a.out...\n"`))

	lines := b.Lines()
	assert.Equal(t, "Reading symbols from a.out...", lines[1].Text)
	assert.Equal(t, KindPlain, lines[1].Kind)
	assert.EqualValues(t, 1, b.LinesWritten())
}

func TestAppendUnescapes(t *testing.T) {
	b := New()
	b.Append([]byte(`~"a\tb \"quoted\" back\\slash\n"`))

	lines := b.Lines()
	assert.Equal(t, `a  b "quoted" back\slash`, lines[1].Text)
}

func TestAppendLogLineIsUserInput(t *testing.T) {
	b := New()
	b.Append([]byte(`&"next\n"`))

	lines := b.Lines()
	assert.Equal(t, "next", lines[1].Text)
	assert.Equal(t, KindUserInput, lines[1].Kind)
}

func TestAppendDiscardsPrompt(t *testing.T) {
	b := New()
	b.Append([]byte("(gdb)"))
	b.Append([]byte("(gdb) "))

	assert.Zero(t, b.LinesWritten())
	for _, line := range b.Lines() {
		assert.Empty(t, line.Text)
	}
}

func TestRingShiftsNewestFirst(t *testing.T) {
	b := New()
	b.Append([]byte(`~"one\n"`))
	b.Append([]byte(`~"two\n"`))
	b.Append([]byte(`~"three\n"`))

	lines := b.Lines()
	assert.Equal(t, "three", lines[1].Text)
	assert.Equal(t, "two", lines[2].Text)
	assert.Equal(t, "one", lines[3].Text)
}

func TestRingDropsOldest(t *testing.T) {
	b := New()
	for i := 0; i < constants.NumLogRows+5; i++ {
		b.Append([]byte(`~"line\n"`))
	}
	assert.EqualValues(t, constants.NumLogRows+5, b.LinesWritten())
	assert.Len(t, b.Lines(), constants.NumLogRows)
}

func TestOverlongLineTruncates(t *testing.T) {
	b := New()
	long := strings.Repeat("y", constants.NumLogCols*2)
	b.Append([]byte(`~"` + long + `\n"`))

	lines := b.Lines()
	require.Len(t, lines[1].Text, constants.NumLogCols)
}

func TestRawTextStaysPartial(t *testing.T) {
	// text that isn't a stream record, e.g. shell output, has no closing
	// newline and accumulates in the partial row
	b := New()
	b.Append([]byte("ls output"))

	lines := b.Lines()
	assert.Equal(t, "ls output", lines[0].Text)
	assert.Zero(t, b.LinesWritten())
}

func TestMultiLineStreamPayload(t *testing.T) {
	b := New()
	b.Append([]byte(`~"first\nsecond\n"`))

	lines := b.Lines()
	assert.Equal(t, "second", lines[1].Text)
	assert.Equal(t, "first", lines[2].Text)
	assert.EqualValues(t, 2, b.LinesWritten())
}
