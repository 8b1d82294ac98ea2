package pipe

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyle-sylvestre/tug/internal/constants"
)

// chunkReader feeds scripted read results, one chunk per Read call.
type chunkReader struct {
	ch chan []byte
}

func newChunkReader() *chunkReader {
	return &chunkReader{ch: make(chan []byte)}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	b, ok := <-c.ch
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (c *chunkReader) send(s string) {
	c.ch <- []byte(s)
}

func startRunner(t *testing.T, src io.Reader) *Runner {
	t.Helper()
	r, err := NewRunner(context.Background(), Config{Source: src})
	require.NoError(t, err)
	r.Start()
	t.Cleanup(func() {
		r.Close()
	})
	return r
}

func waitWake(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up from reader")
	}
}

func drainAll(r *Runner) []string {
	var out []string
	r.Drain(func(block []byte) {
		out = append(out, string(block))
	})
	return out
}

func TestFramerSingleBlock(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	src.send("^done\n(gdb)\n")
	waitWake(t, r)

	blocks := drainAll(r)
	require.Equal(t, []string{"^done\n(gdb)\n"}, blocks)
}

func TestFramerAccumulatesPartialReads(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	// a block split across reads publishes once, whole
	src.send("^done,value=")
	src.send(`"abc"`)
	src.send("\n")
	waitWake(t, r)

	blocks := drainAll(r)
	require.Equal(t, []string{"^done,value=\"abc\"\n"}, blocks)
}

func TestFramerPreservesOrder(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	src.send("~\"one\"\n")
	src.send("~\"two\"\n~\"three\"\n")
	src.send("~\"four\"\n")

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.numBlocks == 3
	}, 2*time.Second, time.Millisecond)

	joined := strings.Join(drainAll(r), "")
	assert.Equal(t, "~\"one\"\n~\"two\"\n~\"three\"\n~\"four\"\n", joined)
}

func TestFramerCoalescesWakeups(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	for i := 0; i < 5; i++ {
		src.send("^done\n")
	}
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.numBlocks == 5
	}, 2*time.Second, time.Millisecond)

	// five publishes, at most one pending signal
	waitWake(t, r)
	select {
	case <-r.Wake():
		t.Fatal("wake-ups were not coalesced")
	default:
	}

	assert.Len(t, drainAll(r), 5)
}

func TestFramerRingFrontReset(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	// fill most of the ring so the next read lands below the compaction
	// threshold, forcing a move to the ring front
	big := strings.Repeat("x", constants.ReadRingSize-constants.ReadCompactThreshold+16) + "\n"
	src.send(big)
	waitWake(t, r)
	blocks := drainAll(r)
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0], len(big))

	src.send("tail")
	src.send("-end\n")
	waitWake(t, r)
	blocks = drainAll(r)
	require.Equal(t, []string{"tail-end\n"}, blocks)
}

func TestFramerBlockTableExhaustion(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	// never drain; the reader must stop with a diagnostic when the span
	// table fills
	for i := 0; i < constants.MaxStoredBlocks; i++ {
		src.send("^done\n")
	}
	src.send("^done\n")

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not terminate on table exhaustion")
	}
	assert.ErrorIs(t, r.Err(), ErrBlockTableFull)
}

func TestReaderCleanEOF(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	close(src.ch)
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop at EOF")
	}
	assert.NoError(t, r.Err())
}

func TestMaxBlockSize(t *testing.T) {
	src := newChunkReader()
	r := startRunner(t, src)

	src.send("12345\n")
	waitWake(t, r)
	drainAll(r)
	assert.Equal(t, 6, r.MaxBlockSize())
}
