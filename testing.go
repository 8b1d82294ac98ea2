package tug

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/kyle-sylvestre/tug/internal/mi"
)

// ScriptedGDB provides a fake debugger for testing: an in-process MI
// speaker wired to the session over a synchronous pipe. Commands written
// by the session are matched against registered responders and answered
// with scripted MI blocks; Emit injects asynchronous output the way a
// live target would.
type ScriptedGDB struct {
	mu         sync.Mutex
	responders []scriptedResponse
	commands   []string
	closed     bool

	outR *io.PipeReader
	outW *io.PipeWriter
}

type scriptedResponse struct {
	prefix string
	lines  []string
}

// NewScriptedGDB creates a fake debugger. Unmatched commands answer
// ^done.
func NewScriptedGDB() *ScriptedGDB {
	r, w := io.Pipe()
	return &ScriptedGDB{outR: r, outW: w}
}

// Respond registers a scripted reply: any command starting with prefix
// answers with the given MI lines. Result lines beginning with '^' get
// the command's ordinal prefixed; the "(gdb)" terminator is appended
// automatically. Registering nil lines makes the command go silent,
// which exercises the timeout path.
func (g *ScriptedGDB) Respond(prefix string, lines ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responders = append(g.responders, scriptedResponse{prefix: prefix, lines: lines})
}

// Commands returns every command received, ordinals stripped.
func (g *ScriptedGDB) Commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commands...)
}

// Emit writes spontaneous MI lines (async records, stream output)
// followed by the "(gdb)" terminator, as one block.
func (g *ScriptedGDB) Emit(lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(mi.EndSignature)
	b.WriteByte('\n')
	_, _ = g.outW.Write([]byte(b.String()))
}

// Read hands scripted output to the session's reader task.
func (g *ScriptedGDB) Read(p []byte) (int, error) {
	return g.outR.Read(p)
}

// Write receives one command line from the session and replies per the
// registered script.
func (g *ScriptedGDB) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	ordinal, rest := mi.ParseOrdinal([]byte(line))
	cmd := string(rest)

	g.mu.Lock()
	g.commands = append(g.commands, cmd)
	var reply []string
	matched := false
	for _, r := range g.responders {
		if strings.HasPrefix(cmd, r.prefix) {
			reply = r.lines
			matched = true
			break
		}
	}
	g.mu.Unlock()

	if !matched {
		reply = []string{"^done"}
	}
	if reply == nil {
		// scripted silence
		return len(p), nil
	}

	var b strings.Builder
	for _, l := range reply {
		if strings.HasPrefix(l, "^") && ordinal != 0 {
			b.WriteString(strconv.FormatUint(uint64(ordinal), 10))
		}
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(mi.EndSignature)
	b.WriteByte('\n')

	go func(block string) {
		_, _ = g.outW.Write([]byte(block))
	}(b.String())

	return len(p), nil
}

// Close ends the scripted output stream; the reader task sees EOF.
func (g *ScriptedGDB) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.outW.Close()
	}
	return nil
}

// Interrupt implements debuggerProcess; scripted sessions have no pids.
func (g *ScriptedGDB) Interrupt() error { return nil }

// Terminate implements debuggerProcess.
func (g *ScriptedGDB) Terminate() error { return nil }

// Wait implements debuggerProcess.
func (g *ScriptedGDB) Wait() error { return nil }

// ProcessID implements debuggerProcess.
func (g *ScriptedGDB) ProcessID() int { return -1 }

// SpawnScripted creates a session driven by a ScriptedGDB instead of a
// spawned child. Everything above the transport, the reader, the
// consumer, the correlator, and the model, runs exactly as in Spawn.
func SpawnScripted(ctx context.Context, gdb *ScriptedGDB, options *Options) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return newSession(ctx, gdb, Params{GDBPath: "scripted"}, options, logger)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}
func (noopLogger) Debugf(string, ...interface{}) {}
