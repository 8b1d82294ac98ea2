// Package gdbproc spawns and signals the GDB child process. The child is
// started in its own session with --interpreter=mi, stdin on a pipe and
// stdout+stderr merged into a single pipe the reader task drains.
package gdbproc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kyle-sylvestre/tug/internal/interfaces"
)

// VerifyExecutable checks that path names a regular file with the owner
// execute bit set.
func VerifyExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o100 == 0 {
		return fmt.Errorf("file not executable: %s", path)
	}
	return nil
}

// SplitArgs tokenizes a command line argument string on spaces, keeping
// quoted substrings (single or double, backslash-escapable) intact so a
// user string literal never splits into separate arguments.
func SplitArgs(args string) []string {
	var out []string
	start := 0
	insideString := false
	isWhitespace := true

	flush := func(end int) {
		if end > start && !isWhitespace {
			out = append(out, args[start:end])
		}
		isWhitespace = true
		start = end + 1
	}

	for i := 0; i < len(args); i++ {
		c := args[i]
		var p byte
		if i > 0 {
			p = args[i-1]
		}
		if c != ' ' && c != '\t' {
			isWhitespace = false
		}
		if (c == '\'' || c == '"') && p != '\\' {
			insideString = !insideString
		}
		if !insideString && c == ' ' {
			flush(i)
		}
	}
	if start < len(args) && !isWhitespace {
		out = append(out, args[start:])
	}
	return out
}

// Process is a spawned GDB child. Read sees the merged stdout+stderr
// stream; Write feeds its stdin. Process provides the read, write,
// signal, close, and wait methods the session drives.
type Process struct {
	Pid int

	cmd      *exec.Cmd
	stdin    *os.File
	stdout   *os.File
	childIn  *os.File
	childOut *os.File
	logger   interfaces.Logger
}

// Spawn starts the debugger with the user arguments plus --interpreter=mi.
func Spawn(gdbPath, gdbArgs string, logger interfaces.Logger) (*Process, error) {
	if err := VerifyExecutable(gdbPath); err != nil {
		return nil, err
	}

	argv := append(SplitArgs(gdbArgs), "--interpreter=mi")

	// to-gdb pipe (our write end feeds the child's stdin)
	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("to gdb pipe: %w", err)
	}

	// from-gdb pipe (stdout and stderr share the write end)
	stdout, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		stdin.Close()
		return nil, fmt.Errorf("from gdb pipe: %w", err)
	}

	cmd := exec.Command(gdbPath, argv...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = childOut
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		childIn.Close()
		stdin.Close()
		stdout.Close()
		childOut.Close()
		return nil, fmt.Errorf("spawn %s: %w", gdbPath, err)
	}

	if logger != nil {
		logger.Printf("spawned %s %s (pid %d)", gdbPath, gdbArgs, cmd.Process.Pid)
	}

	return &Process{
		Pid:      cmd.Process.Pid,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		childIn:  childIn,
		childOut: childOut,
		logger:   logger,
	}, nil
}

// Read reads from the merged output pipe.
func (p *Process) Read(buf []byte) (int, error) {
	return p.stdout.Read(buf)
}

// Write writes to the child's stdin.
func (p *Process) Write(buf []byte) (int, error) {
	return p.stdin.Write(buf)
}

// Interrupt delivers SIGINT to the child.
func (p *Process) Interrupt() error {
	return unix.Kill(p.Pid, unix.SIGINT)
}

// Terminate delivers SIGTERM to the child.
func (p *Process) Terminate() error {
	return unix.Kill(p.Pid, unix.SIGTERM)
}

// SignalPid delivers sig to an arbitrary process, e.g. the inferior.
func SignalPid(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Close closes every pipe end held by the parent. Closing the read side
// unblocks a reader task pending in Read.
func (p *Process) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	p.childIn.Close()
	p.childOut.Close()
	return nil
}

// Wait reaps the child after it exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// ProcessID returns the child pid.
func (p *Process) ProcessID() int {
	return p.Pid
}
