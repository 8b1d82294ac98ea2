// Package tug is the core of a graphical front-end for GDB's machine
// interface: it spawns the debugger, parses every MI output line into a
// typed Record tree, correlates replies with the commands that caused
// them, and maintains the debuggee model a UI reads each frame.
package tug

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kyle-sylvestre/tug/internal/console"
	"github.com/kyle-sylvestre/tug/internal/constants"
	"github.com/kyle-sylvestre/tug/internal/gdbproc"
	"github.com/kyle-sylvestre/tug/internal/logging"
	"github.com/kyle-sylvestre/tug/internal/mi"
	"github.com/kyle-sylvestre/tug/internal/pipe"
)

// Logger is the minimal logging surface session components use.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// ConsoleLine is one console buffer row.
type ConsoleLine = console.Line

// Console line kinds, re-exported for UI consumption.
const (
	ConsolePlain     = console.KindPlain
	ConsoleUserInput = console.KindUserInput
)

// State is the session lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateSpawned        State = "spawned"
	StateInferiorLoaded State = "inferior-loaded"
	StateRunning        State = "running"
	StateStopped        State = "stopped"
	StateExited         State = "exited"
)

// Capability is a bit in the debugger feature set probed at spawn.
type Capability uint32

const (
	CapFrozenVarobjs Capability = 1 << iota
	CapPendingBreakpoints
	CapPython
	CapThreadInfo
	CapDataRWBytes
	CapAsyncBreakpointNotification
	CapAdaTaskInfo
	CapLanguageOption
	CapGDBMICommand
	CapUndefinedCommandErrorCode
	CapExecRunStart
	CapDataDisassembleAOption

	// target features
	CapAsyncExecution
	CapReverseExecution
)

var featureTokens = []struct {
	token string
	cap   Capability
}{
	{"frozen-varobjs", CapFrozenVarobjs},
	{"pending-breakpoints", CapPendingBreakpoints},
	{"python", CapPython},
	{"thread-info", CapThreadInfo},
	{"data-read-memory-bytes", CapDataRWBytes},
	{"breakpoint-notifications", CapAsyncBreakpointNotification},
	{"ada-task-info", CapAdaTaskInfo},
	{"language-option", CapLanguageOption},
	{"info-gdb-mi-command", CapGDBMICommand},
	{"undefined-command-error-code", CapUndefinedCommandErrorCode},
	{"exec-run-start-option", CapExecRunStart},
	{"data-disassemble-a-option", CapDataDisassembleAOption},
}

var targetFeatureTokens = []struct {
	token string
	cap   Capability
}{
	{"async", CapAsyncExecution},
	{"reverse", CapReverseExecution},
}

// Params contains parameters for spawning a debugger session.
type Params struct {
	// GDBPath is the debugger binary.
	GDBPath string

	// GDBArgs are extra arguments passed before --interpreter=mi.
	GDBArgs string
}

// Options contains additional options for session creation.
type Options struct {
	// Context for cancellation (if set, Spawn uses it in place of its ctx
	// argument)
	Context context.Context

	// Logger for debug/info messages (if nil, uses the package default)
	Logger Logger

	// Observer for metrics collection (if nil, a metrics observer is used)
	Observer Observer

	// EchoRecords forwards raw result/async lines into the console
	// buffer, the machine-interpreter view of the original UI.
	EchoRecords bool

	// SidecarDir is where bad-record diagnostics are written ("." if
	// empty).
	SidecarDir string
}

// debuggerProcess is the child-process surface the session drives. The
// real implementation is gdbproc.Process; tests substitute a ScriptedGDB.
type debuggerProcess interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Interrupt() error
	Terminate() error
	Wait() error
	ProcessID() int
}

// Session owns the debugger child, the reader task, the record pool, the
// correlator state, and the debug model. All methods except the reader's
// internals run on a single driver thread; Session is not safe for
// concurrent use.
type Session struct {
	proc    debuggerProcess
	reader  *pipe.Runner
	console *console.Buffer

	pool        []mi.RecordHolder
	nextOrdinal uint32

	caps  Capability
	state State

	model    *Model
	metrics  *Metrics
	observer Observer
	logger   Logger

	gdbPath, gdbArgs string
	exePath, exeArgs string

	echoRecords bool
	sidecarDir  string

	cancel context.CancelFunc
}

// Spawn starts the debugger process, begins the reader task, and probes
// the feature set. This is the main entry point for creating sessions.
//
// Example:
//
//	session, err := tug.Spawn(context.Background(), tug.Params{GDBPath: "/usr/bin/gdb"}, nil)
func Spawn(ctx context.Context, params Params, options *Options) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	proc, err := gdbproc.Spawn(params.GDBPath, params.GDBArgs, logger)
	if err != nil {
		return nil, WrapError("spawn", ErrCodeSpawn, err)
	}

	return newSession(ctx, proc, params, options, logger)
}

// newSession wires the reader task, the pool, and the model around an
// already-spawned debugger process, then probes its feature set.
func newSession(ctx context.Context, proc debuggerProcess, params Params, options *Options, logger Logger) (*Session, error) {
	metrics := NewMetrics()
	var observer Observer = options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	ctx, cancel := context.WithCancel(ctx)
	reader, err := pipe.NewRunner(ctx, pipe.Config{
		Source:   proc,
		Logger:   logger,
		Observer: observer,
	})
	if err != nil {
		cancel()
		proc.Close()
		return nil, WrapError("spawn", ErrCodeSpawn, err)
	}

	s := &Session{
		proc:        proc,
		reader:      reader,
		console:     console.New(),
		pool:        make([]mi.RecordHolder, 0, 8),
		nextOrdinal: constants.FirstOrdinal,
		state:       StateSpawned,
		model:       NewModel(),
		metrics:     metrics,
		observer:    observer,
		logger:      logger,
		gdbPath:     params.GDBPath,
		gdbArgs:     params.GDBArgs,
		echoRecords: options.EchoRecords,
		sidecarDir:  options.SidecarDir,
		cancel:      cancel,
	}
	if s.sidecarDir == "" {
		s.sidecarDir = "."
	}

	reader.Start()
	s.probeFeatures(ctx)
	return s, nil
}

// probeFeatures queries -list-features and -list-target-features into
// the capability bitset. The first probe is retried briefly while GDB
// finishes starting up.
func (s *Session) probeFeatures(ctx context.Context) {
	expo := &backoff.ExponentialBackOff{
		InitialInterval:     constants.FeatureProbeInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}

	rec, err := backoff.Retry(ctx, func() (*mi.Record, error) {
		return s.SendBlocking("-list-features")
	}, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(constants.FeatureProbeWindow))
	if err != nil {
		s.logger.Printf("feature probe failed: %v", err)
		return
	}

	src := string(rec.Buf)
	for _, f := range featureTokens {
		if strings.Contains(src, f.token) {
			s.caps |= f.cap
		}
	}

	if rec, err = s.SendBlocking("-list-target-features"); err == nil {
		src = string(rec.Buf)
		for _, f := range targetFeatureTokens {
			if strings.Contains(src, f.token) {
				s.caps |= f.cap
			}
		}
	}
}

// Has reports whether the debugger advertised a capability.
func (s *Session) Has(c Capability) bool {
	return s.caps&c != 0
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Model returns the debug model the UI reads. Driver thread only.
func (s *Session) Model() *Model {
	return s.model
}

// Metrics returns the session metrics. It is never nil; when a custom
// observer was installed the counters are not fed by session events.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// ConsoleLines returns the console ring, newest first.
func (s *Session) ConsoleLines() []ConsoleLine {
	return s.console.Lines()
}

// ConsoleLinesWritten counts completed console lines over the session's
// lifetime, for incremental rendering.
func (s *Session) ConsoleLinesWritten() uint64 {
	return s.console.LinesWritten()
}

// Pid returns the debugger child pid.
func (s *Session) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.ProcessID()
}

// GDBPath returns the debugger binary and arguments the session spawned.
func (s *Session) GDBPath() (path, args string) {
	return s.gdbPath, s.gdbArgs
}

// ExePath returns the loaded inferior and its argument string, empty
// before LoadInferior.
func (s *Session) ExePath() (path, args string) {
	return s.exePath, s.exeArgs
}

// LoadInferior points the session at the executable to debug: it loads
// symbols, adds the executable's directory to the source search path,
// and sets the debuggee argument string.
func (s *Session) LoadInferior(exePath, exeArgs string) error {
	if err := gdbproc.VerifyExecutable(exePath); err != nil {
		return WrapError("load-inferior", ErrCodeBadTarget, err)
	}

	if _, err := s.SendBlocking(fmt.Sprintf("-file-exec-and-symbols %q", exePath)); err != nil {
		return err
	}

	// look for source files in the directory of the exe
	dir := filepath.Dir(exePath)
	if _, err := s.SendBlocking(fmt.Sprintf("-environment-directory %q", dir)); err != nil {
		return err
	}

	if exeArgs != "" {
		if _, err := s.SendBlocking("-exec-arguments " + exeArgs); err != nil {
			return err
		}
	}

	s.exePath = exePath
	s.exeArgs = exeArgs
	s.state = StateInferiorLoaded
	s.logger.Printf("set debug program: %s %s", exePath, exeArgs)
	return nil
}

// Shutdown stops the reader task, interrupts the debugger child, closes
// the pipes, and reaps the child.
func (s *Session) Shutdown() error {
	if s.proc == nil {
		return nil
	}

	s.reader.Close()
	s.cancel()
	_ = s.proc.Interrupt()
	_ = s.proc.Close()
	<-s.reader.Done()
	_ = s.proc.Wait()

	s.metrics.Stop()
	s.proc = nil
	s.state = StateIdle
	s.logger.Printf("closed GDB session")
	return nil
}

// sendRaw gates and writes one command line. Refused while no child
// exists or while the debuggee runs without async execution support.
func (s *Session) sendRaw(cmd string) error {
	if s.proc == nil {
		return NewCommandError("send", cmd, ErrCodeNotRunning, "no spawned debugger")
	}
	if s.model.Running && !s.Has(CapAsyncExecution) {
		return NewCommandError("send", cmd, ErrCodeBusy, "debuggee is running")
	}

	if _, err := s.proc.Write(append([]byte(cmd), '\n')); err != nil {
		return WrapError("send", ErrCodeTransport, err)
	}
	return nil
}

// Send writes a command without waiting for its result.
func (s *Session) Send(cmd string) error {
	s.observer.ObserveCommand(false)
	return s.sendRaw(cmd)
}

// SendBlocking assigns the next ordinal to cmd, writes it, and waits for
// the matching result record. A ^error reply becomes a console line and
// a command error; three silent seconds become a timeout. The returned
// record borrows pool storage and is valid until the next drain.
func (s *Session) SendBlocking(cmd string) (*mi.Record, error) {
	ordinal := s.nextOrdinal
	s.nextOrdinal++

	s.observer.ObserveCommand(true)
	start := time.Now()
	if err := s.sendRaw(strconv.FormatUint(uint64(ordinal), 10) + cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(constants.CommandTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.reader.Wake():
			s.drainBlocks()
			if rec, err, done := s.findResult(ordinal, cmd); done {
				s.observer.ObserveCommandDone(uint64(time.Since(start)), err == nil)
				return rec, err
			}
			// irrelevant wake, rearm the 3s window
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(constants.CommandTimeout)

		case <-s.reader.Done():
			err := s.reader.Err()
			if err == nil {
				err = context.Canceled
			}
			return nil, WrapError("send-blocking", ErrCodeTransport, err)

		case <-timer.C:
			s.observer.ObserveTimeout()
			s.logger.Printf("command timeout: %s", cmd)
			return nil, NewCommandError("send-blocking", cmd, ErrCodeTimeout,
				"no response within "+constants.CommandTimeout.String())
		}
	}
}

// findResult scans the pool for an unread record carrying ordinal.
// "optimized out" errors are rewritten in place to the synthetic success
// record so downstream display behaves uniformly.
func (s *Session) findResult(ordinal uint32, cmd string) (*mi.Record, error, bool) {
	for i := 0; i < len(s.pool); i++ {
		holder := &s.pool[i]
		if holder.Parsed || holder.Rec.ID != ordinal {
			continue
		}

		if holder.Rec.Prefix() == mi.PrefixResult && holder.Rec.Action() == "error" {
			msg := holder.Rec.ExtractValue("msg")

			if strings.Contains(msg, "optimized out") {
				// GDB reports optimized out values two inconsistent ways:
				//   -data-evaluate-expression argv    -> ^done,value="<optimized out>"
				//   -data-evaluate-expression argv[0] -> ^error,msg="value has been optimized out"
				synth, err := mi.ParseRecord(ordinal, []byte(`^done,value="<optimized out>"`))
				if err == nil {
					s.observer.ObserveResynthesis()
					holder.Rec = synth
					i-- // revisit the rewritten slot
					continue
				}
			}

			s.observer.ObserveGDBError()
			s.console.Append([]byte("&\"GDB MI Error: " + msg + "\\n\""))
			holder.Parsed = true
			return nil, NewCommandError("send-blocking", cmd, ErrCodeCommand, msg), true
		}

		holder.Parsed = true
		return &holder.Rec, nil, true
	}
	return nil, nil, false
}

// drainBlocks empties the reader's block table through the consumer.
func (s *Session) drainBlocks() int {
	return s.reader.Drain(s.consumeBlock)
}

// consumeBlock splits one block into lines, parses result/async records
// into the pool, and routes stream output to the console buffer.
func (s *Session) consumeBlock(block []byte) {
	for idx := 0; idx < len(block); {
		nl := bytes.IndexByte(block[idx:], '\n')
		if nl < 0 {
			// blocks are newline terminated by the framer invariant
			break
		}
		line := block[idx : idx+nl]
		idx += nl + 1

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}

		ordinal, rest := mi.ParseOrdinal(line)
		if len(rest) == 0 {
			continue
		}

		if bytes.HasPrefix(rest, []byte(mi.EndSignature)) {
			continue
		}

		prefix := rest[0]
		isRecord := prefix == mi.PrefixResult ||
			prefix == mi.PrefixExecAsync ||
			prefix == mi.PrefixNotifyAsync
		s.observer.ObserveLine(isRecord)

		if !isRecord {
			s.observer.ObserveConsoleLine()
			s.console.Append(rest)
			continue
		}

		if s.echoRecords {
			s.console.Append(rest)
		}

		rec, err := mi.ParseRecord(ordinal, rest)
		if err != nil {
			s.observer.ObserveRecord(false)
			if perr, ok := err.(*mi.ParseError); ok {
				if path, werr := mi.WriteBadRecord(s.sidecarDir, perr); werr == nil {
					s.logger.Printf("%v, diagnostic written to %s", perr, path)
				} else {
					s.logger.Printf("%v", perr)
				}
			}
			continue
		}
		s.observer.ObserveRecord(true)
		s.storeRecord(rec)
	}
}

// storeRecord places a record in the first consumed pool slot, growing
// the pool when every slot is live.
func (s *Session) storeRecord(rec mi.Record) {
	for i := range s.pool {
		if s.pool[i].Parsed {
			s.pool[i] = mi.RecordHolder{Rec: rec}
			return
		}
	}

	if len(s.pool) == cap(s.pool) {
		grown := make([]mi.RecordHolder, len(s.pool), (len(s.pool)+1)*constants.RecordPoolGrowth)
		copy(grown, s.pool)
		s.pool = grown
	}
	s.pool = append(s.pool, mi.RecordHolder{Rec: rec})
}
