package tug

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/kyle-sylvestre/tug/internal/gdbproc"
)

// execCommand issues an execution-control command and flips the model to
// running on success.
func (s *Session) execCommand(cmd string) error {
	if _, err := s.SendBlocking(cmd); err != nil {
		return err
	}
	s.model.Running = true
	s.state = StateRunning
	return nil
}

// Run starts the inferior from the beginning.
func (s *Session) Run() error {
	return s.execCommand("-exec-run")
}

// Continue resumes the stopped inferior.
func (s *Session) Continue() error {
	return s.execCommand("-exec-continue")
}

// StepInto executes one source line, entering calls.
func (s *Session) StepInto() error {
	return s.execCommand("-exec-step")
}

// StepOver executes one source line, stepping over calls.
func (s *Session) StepOver() error {
	return s.execCommand("-exec-next")
}

// StepOut finishes the current function.
func (s *Session) StepOut() error {
	return s.execCommand("-exec-finish")
}

// Pause interrupts a running inferior with SIGINT. When the inferior pid
// is not known yet the debugger itself is interrupted.
func (s *Session) Pause() error {
	if s.proc == nil {
		return NewError("pause", ErrCodeNotRunning, "no spawned debugger")
	}
	if pid := s.model.InferiorPid; pid != 0 {
		return gdbproc.SignalPid(pid, unix.SIGINT)
	}
	return s.proc.Interrupt()
}

// StopInferior delivers SIGTERM to the inferior, the user-initiated stop.
func (s *Session) StopInferior() error {
	pid := s.model.InferiorPid
	if pid == 0 {
		return NewError("stop-inferior", ErrCodeNotRunning, "no inferior process")
	}
	return gdbproc.SignalPid(pid, unix.SIGTERM)
}

// InsertBreakpoint sets a breakpoint at file:line and records it in the
// model.
func (s *Session) InsertBreakpoint(file string, line int) (Breakpoint, error) {
	cmd := fmt.Sprintf("-break-insert \"%s:%d\"", file, line)
	rec, err := s.SendBlocking(cmd)
	if err != nil {
		return Breakpoint{}, err
	}

	bkpt := s.breakpointFromRecord(rec)
	if s.model.findBreakpoint(bkpt.Number) < 0 {
		s.model.Breakpoints = append(s.model.Breakpoints, bkpt)
	}
	return bkpt, nil
}

// DeleteBreakpoint removes a breakpoint by its GDB number.
func (s *Session) DeleteBreakpoint(number int) error {
	if _, err := s.SendBlocking("-break-delete " + strconv.Itoa(number)); err != nil {
		return err
	}
	if i := s.model.findBreakpoint(number); i >= 0 {
		s.model.Breakpoints = append(s.model.Breakpoints[:i], s.model.Breakpoints[i+1:]...)
	}
	return nil
}

// AddWatch registers a watch expression, evaluated on every stop.
// "name, N" follows the visual-studio array syntax and expands to
// *(name)@N at evaluation time.
func (s *Session) AddWatch(expr string) {
	s.model.WatchVars = append(s.model.WatchVars, NewVarObj(expr, ""))
}

// RemoveWatch drops a watch expression by name.
func (s *Session) RemoveWatch(expr string) {
	for i := range s.model.WatchVars {
		if s.model.WatchVars[i].Name == expr {
			s.model.WatchVars = append(s.model.WatchVars[:i], s.model.WatchVars[i+1:]...)
			return
		}
	}
}

// EvaluateExpression evaluates expr in the current frame and returns the
// value text.
func (s *Session) EvaluateExpression(expr string) (string, error) {
	cmd := fmt.Sprintf("-data-evaluate-expression --frame %d --thread 1 %q", s.model.FrameIdx, expr)
	rec, err := s.SendBlocking(cmd)
	if err != nil {
		return "", err
	}
	return rec.ExtractValue("value"), nil
}
