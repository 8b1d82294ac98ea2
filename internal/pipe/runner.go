// Package pipe implements the dedicated reader for the debugger's output
// pipe: a fixed-capacity byte ring filled by blocking reads, framed into
// newline-terminated blocks that the driver drains in order.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kyle-sylvestre/tug/internal/constants"
	"github.com/kyle-sylvestre/tug/internal/interfaces"
)

// Block is a span into the byte ring. Every published block ends in a
// newline and holds one or more MI lines.
type Block struct {
	Index  int
	Length int
}

// ErrBlockTableFull is the terminal error when the span table fills
// before the driver drains it.
var ErrBlockTableFull = errors.New("pipe: exhausted available block spans")

// Config configures a reader Runner.
type Config struct {
	// Source is the merged stdout+stderr pipe of the debugger child.
	Source io.Reader

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Runner owns the byte ring and block span table. The read loop is the
// only writer of ring bytes; the driver drains published blocks under the
// block mutex. Wake-ups are coalesced: a publish signals only when no
// signal is already pending.
type Runner struct {
	source   io.Reader
	logger   interfaces.Logger
	observer interfaces.Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ring      []byte
	blocks    [constants.MaxStoredBlocks]Block
	numBlocks int

	wake chan struct{}
	done chan struct{}

	errMu sync.Mutex
	err   error

	maxBlockSize int
}

// NewRunner creates a reader runner over the given source.
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Source == nil {
		return nil, errors.New("pipe: nil source")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		source:   config.Source,
		logger:   config.Logger,
		observer: config.Observer,
		ctx:      ctx,
		cancel:   cancel,
		ring:     make([]byte, constants.ReadRingSize),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins the read loop.
func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Debugf("starting pipe read loop")
	}
	go r.readLoop()
}

// Wake returns the coalesced new-blocks signal.
func (r *Runner) Wake() <-chan struct{} {
	return r.wake
}

// Done is closed when the read loop exits.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal transport error, nil while the loop runs or
// after a clean shutdown.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Close stops the read loop. The underlying pipe must be closed by the
// owner to unblock a pending read.
func (r *Runner) Close() error {
	r.cancel()
	return nil
}

// Drain hands every published block to fn in publication order and
// empties the span table. It returns the number of blocks drained.
func (r *Runner) Drain(fn func(block []byte)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.numBlocks
	for i := 0; i < n; i++ {
		b := r.blocks[i]
		fn(r.ring[b.Index : b.Index+b.Length])
		r.blocks[i] = Block{}
	}
	r.numBlocks = 0
	return n
}

// MaxBlockSize reports the largest block published so far.
func (r *Runner) MaxBlockSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxBlockSize
}

func (r *Runner) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	if r.logger != nil {
		r.logger.Printf("pipe read loop: %v", err)
	}
}

// readLoop blocks in Read and publishes newline-terminated blocks. A read
// that does not end on a newline keeps accumulating at the write offset;
// when tail room runs low the in-progress bytes are moved to the ring
// front so a block never wraps.
func (r *Runner) readLoop() {
	defer close(r.done)

	insertIdx := 0
	readBaseIdx := 0
	setReadStart := true

	for {
		if setReadStart {
			readBaseIdx = insertIdx
		}

		if len(r.ring)-insertIdx < constants.ReadCompactThreshold {
			// wrap around to the beginning, moving a partially made
			// block if there is one
			copy(r.ring, r.ring[readBaseIdx:insertIdx])
			insertIdx -= readBaseIdx
			readBaseIdx = 0
		}

		numRead, err := r.source.Read(r.ring[insertIdx:])
		if numRead <= 0 {
			if err != nil && r.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				r.fail(err)
			}
			return
		}
		if r.observer != nil {
			r.observer.ObserveReadBytes(uint64(numRead))
		}
		insertIdx += numRead

		if r.ring[insertIdx-1] != '\n' {
			// block is split across multiple pipe reads
			setReadStart = false
			continue
		}
		setReadStart = true

		blockLen := insertIdx - readBaseIdx

		r.mu.Lock()
		if r.numBlocks+1 > len(r.blocks) {
			r.mu.Unlock()
			r.fail(ErrBlockTableFull)
			return
		}
		r.blocks[r.numBlocks] = Block{Index: readBaseIdx, Length: blockLen}
		r.numBlocks++
		if blockLen > r.maxBlockSize {
			r.maxBlockSize = blockLen
		}
		r.mu.Unlock()

		if r.observer != nil {
			r.observer.ObserveBlock(uint64(blockLen))
		}

		// post a wake-up only when none is pending
		select {
		case r.wake <- struct{}{}:
		default:
		}

		if r.ctx.Err() != nil {
			return
		}
	}
}
