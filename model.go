package tug

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kyle-sylvestre/tug/internal/mi"
)

// Frame is one call stack level.
type Frame struct {
	Func    string
	Addr    uint64 // current PC
	FileIdx int    // index into Model.Files
	Line    int    // next line to be executed
}

// Breakpoint mirrors one GDB breakpoint.
type Breakpoint struct {
	Number  int // ordinal assigned by GDB
	Addr    uint64
	FileIdx int // index into Model.Files
	Line    int
}

// VarObj is one watched value. Aggregates carry a parsed expression tree
// so the UI can diff per atom.
type VarObj struct {
	Name    string
	Value   string
	Changed bool

	// Expr is the parsed value tree for aggregate values ('{...}').
	Expr mi.Record

	// ExprChanged flags each Expr atom that differed from the previous
	// evaluation.
	ExprChanged []bool
}

// NewVarObj builds a VarObj, parsing aggregate values into a tree.
func NewVarObj(name, value string) VarObj {
	v := VarObj{Name: name, Value: value, Changed: true}
	if v.Value == "" {
		v.Value = "???"
	}
	if v.Value[0] == '{' {
		if rec, err := mi.ParseEvaluation(name, v.Value); err == nil {
			v.Expr = rec
			v.ExprChanged = make([]bool, len(rec.Atoms))
		}
	}
	return v
}

// Model is the debuggee state the UI reads each frame. It is owned by
// the driver thread; no locking.
type Model struct {
	Frames   []Frame
	FrameIdx int

	Breakpoints []Breakpoint

	LocalVars      []VarObj // locals of the current frame
	GlobalVars     []VarObj // program-lifetime varobjs, registers today
	WatchVars      []VarObj // user defined watch expressions
	OtherFrameVars []VarObj // one-shot view of a non-current frame

	// Files maps file indices to full paths; index 0 is the invalid file.
	Files []string

	Running     bool
	Started     bool
	InferiorPid int

	lastStackSig string
	registersSet bool
}

// NewModel creates an empty model.
func NewModel() *Model {
	return &Model{Files: []string{""}}
}

// FileIndex interns fullpath into the file table.
func (m *Model) FileIndex(fullpath string) int {
	for i, f := range m.Files {
		if f == fullpath {
			return i
		}
	}
	m.Files = append(m.Files, fullpath)
	return len(m.Files) - 1
}

// FilePath returns the path for a file index, "" when out of range.
func (m *Model) FilePath(idx int) string {
	if idx < 0 || idx >= len(m.Files) {
		return ""
	}
	return m.Files[idx]
}

func (m *Model) findBreakpoint(number int) int {
	for i := range m.Breakpoints {
		if m.Breakpoints[i].Number == number {
			return i
		}
	}
	return -1
}

// parseHex converts GDB address strings like "0x55555556004" to an
// integer, 0 on malformed input.
func parseHex(s string) uint64 {
	s = strings.TrimPrefix(s, "0x")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	return n
}

// Default register sets per target architecture. Other architectures get
// no defaults; watches still work.
var (
	defaultRegsAMD64 = []string{
		"rax", "rbx", "rcx", "rdx",
		"rbp", "rsp", "rip", "rsi",
		"rdi", "r8", "r9", "r10", "r11",
		"r12", "r13", "r14", "r15",
	}

	defaultRegsX86 = []string{
		"eax", "ebx", "ecx", "edx",
		"ebp", "esp", "eip", "esi",
		"edi",
	}

	defaultRegsARM32 = []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8",
		"r9", "r10", "r11", "r12", "sp", "lr", "pc", "cpsr",
	}
)

// globalNamePrefix keeps program-lifetime varobj names from clashing
// with user expressions.
const globalNamePrefix = "GB__"

// recurseCheckChanged diffs two parsed aggregates atom by atom, setting
// this.ExprChanged per atom and returning whether anything under the
// parents differs.
func recurseCheckChanged(this *VarObj, thisIdx int, last *VarObj, lastIdx int) bool {
	if thisIdx >= len(this.Expr.Atoms) || lastIdx >= len(last.Expr.Atoms) {
		return true
	}

	thisParent := this.Expr.Atoms[thisIdx]
	lastParent := last.Expr.Atoms[lastIdx]
	if !thisParent.Kind.IsAggregate() || thisParent.Kind != lastParent.Kind {
		return true
	}

	changed := false
	if thisParent.Value.Length == lastParent.Value.Length {
		for k := uint32(0); k < thisParent.Value.Length; k++ {
			tIdx := int(thisParent.Value.Index + k)
			lIdx := int(lastParent.Value.Index + k)
			if tIdx >= len(this.Expr.Atoms) || lIdx >= len(last.Expr.Atoms) {
				changed = true
				break
			}

			thisChild := this.Expr.Atoms[tIdx]
			lastChild := last.Expr.Atoms[lIdx]
			if thisChild.Kind.IsAggregate() {
				changed = recurseCheckChanged(this, tIdx, last, lIdx) || changed
			} else if thisChild.Kind == mi.AtomString {
				thisText := this.Expr.AtomText(thisChild.Value)
				lastText := last.Expr.AtomText(lastChild.Value)
				childChanged := thisChild.Repeats != lastChild.Repeats ||
					string(thisText) != string(lastText)
				this.ExprChanged[tIdx] = childChanged
				changed = changed || childChanged
			}
		}
	} else {
		// aggregate changed its length, set every child to changed
		changed = true
		for k := uint32(0); k < thisParent.Value.Length; k++ {
			idx := int(thisParent.Value.Index + k)
			if idx < len(this.ExprChanged) {
				this.ExprChanged[idx] = true
			}
		}
	}

	this.ExprChanged[thisIdx] = changed
	return changed
}

// checkIfChanged compares a fresh evaluation against the previous one,
// diffing aggregates per atom and scalars by text.
func checkIfChanged(this *VarObj, last *VarObj) {
	thisAgg := len(this.Value) > 0 && this.Value[0] == '{'
	lastAgg := len(last.Value) > 0 && last.Value[0] == '{'

	switch {
	case thisAgg && lastAgg:
		this.Changed = recurseCheckChanged(this, 0, last, 0)
	case !thisAgg && !lastAgg:
		this.Changed = this.Value != last.Value
	default:
		this.Changed = true
		for i := range this.ExprChanged {
			this.ExprChanged[i] = true
		}
	}
}

// ProcessEvents is the once-per-frame model update pass. It drains any
// pending blocks, walks every unread record, and after a stop transition
// re-queries watches, frames, locals, and varobj updates. Driver thread
// only.
func (s *Session) ProcessEvents() error {
	if s.proc == nil {
		return NewError("process-events", ErrCodeNotRunning, "no session")
	}

	// drain if the reader signaled new blocks
	select {
	case <-s.reader.Wake():
		s.drainBlocks()
	default:
	}

	asyncStopped := false
	for i := range s.pool {
		holder := &s.pool[i]
		if holder.Parsed {
			continue
		}
		holder.Parsed = true
		rec := &holder.Rec

		switch {
		case rec.Prefix() == mi.PrefixNotifyAsync:
			s.handleNotify(rec)
		case rec.Prefix() == mi.PrefixExecAsync && rec.Action() == "stopped":
			stopped := s.handleStopped(rec)
			asyncStopped = asyncStopped || stopped
		}
	}

	if asyncStopped {
		s.queryWatchlist()
		s.refreshStack()
		s.refreshLocals()
		s.updateGlobals()
	}

	if err := s.reader.Err(); err != nil {
		return WrapError("process-events", ErrCodeTransport, err)
	}
	return nil
}

func (s *Session) handleNotify(rec *mi.Record) {
	switch rec.Action() {
	case "breakpoint-created":
		bkpt := s.breakpointFromRecord(rec)
		if s.model.findBreakpoint(bkpt.Number) < 0 {
			s.model.Breakpoints = append(s.model.Breakpoints, bkpt)
		}

	case "breakpoint-modified":
		bkpt := s.breakpointFromRecord(rec)
		if i := s.model.findBreakpoint(bkpt.Number); i >= 0 {
			s.model.Breakpoints[i] = bkpt
		} else {
			s.model.Breakpoints = append(s.model.Breakpoints, bkpt)
		}

	case "breakpoint-deleted":
		id := rec.ExtractInt("id")
		if i := s.model.findBreakpoint(id); i >= 0 {
			s.model.Breakpoints = append(s.model.Breakpoints[:i], s.model.Breakpoints[i+1:]...)
		}

	case "thread-group-started":
		s.model.InferiorPid = rec.ExtractInt("pid")

	case "thread-selected":
		// user jumped to a new thread/frame from the console
		index := rec.ExtractInt("frame.level")
		if index >= 0 && index < len(s.model.Frames) {
			s.model.FrameIdx = index
			if index != 0 {
				s.queryOtherFrameVars(index)
			}
		}
	}
}

func (s *Session) breakpointFromRecord(rec *mi.Record) Breakpoint {
	return Breakpoint{
		Number:  rec.ExtractInt("bkpt.number"),
		Line:    rec.ExtractInt("bkpt.line"),
		Addr:    parseHex(rec.ExtractValue("bkpt.addr")),
		FileIdx: s.model.FileIndex(rec.ExtractValue("bkpt.fullname")),
	}
}

// handleStopped applies a *stopped record and reports whether the
// post-stop queries should run.
func (s *Session) handleStopped(rec *mi.Record) bool {
	s.model.FrameIdx = 0
	s.model.Running = false

	reason := rec.ExtractValue("reason")
	if strings.Contains(reason, "exited") {
		s.model.Started = false
		s.model.Frames = s.model.Frames[:0]
		s.model.LocalVars = s.model.LocalVars[:0]
		s.state = StateExited
		return false
	}

	s.model.Started = true
	s.state = StateStopped
	return true
}

func (s *Session) queryOtherFrameVars(frameIdx int) {
	s.model.OtherFrameVars = s.model.OtherFrameVars[:0]

	cmd := fmt.Sprintf("-stack-list-variables --frame %d --thread 1 --all-values", frameIdx)
	rec, err := s.SendBlocking(cmd)
	if err != nil {
		return
	}

	vars := rec.ExtractAtom("variables")
	children := rec.IterChildren(vars)
	for i := range children {
		child := &children[i]
		add := NewVarObj(rec.ExtractValueFrom("name", child), rec.ExtractValueFrom("value", child))
		add.Changed = false
		for b := range add.ExprChanged {
			add.ExprChanged[b] = false
		}
		s.model.OtherFrameVars = append(s.model.OtherFrameVars, add)
	}
}

// queryWatchlist re-evaluates the user defined watch expressions.
func (s *Session) queryWatchlist() {
	for i := range s.model.WatchVars {
		watch := &s.model.WatchVars[i]

		expr := watch.Name
		if comma := strings.IndexByte(expr, ','); comma >= 0 {
			// translate visual studio syntax to GDB syntax
			// arrayname, 10 -> *(arrayname)@10
			expr = fmt.Sprintf("*(%s)@%s", strings.TrimSpace(expr[:comma]), strings.TrimSpace(expr[comma+1:]))
		}

		cmd := fmt.Sprintf("-data-evaluate-expression --frame %d --thread 1 %q", s.model.FrameIdx, expr)
		rec, err := s.SendBlocking(cmd)
		if err != nil {
			continue
		}

		incoming := NewVarObj(watch.Name, rec.ExtractValue("value"))
		checkIfChanged(&incoming, watch)
		watch.Value = incoming.Value
		watch.Expr = incoming.Expr
		watch.Changed = incoming.Changed
		watch.ExprChanged = incoming.ExprChanged
	}
}

// refreshStack rebuilds the frame list after a stop, resets locals when
// the stack signature changes, and installs the default register set on
// the first stop once the target architecture is known.
func (s *Session) refreshStack() {
	rec, err := s.SendBlocking("-stack-list-frames")
	if err != nil {
		return
	}

	callstack := rec.ExtractAtom("stack")
	if callstack == nil {
		return
	}

	arch := ""
	s.model.Frames = s.model.Frames[:0]
	var stackSig strings.Builder

	children := rec.IterChildren(callstack)
	for i := range children {
		level := &children[i]
		add := Frame{
			Line: rec.ExtractIntFrom("line", level),
			Addr: parseHex(rec.ExtractValueFrom("addr", level)),
			Func: rec.ExtractValueFrom("func", level),
		}
		if a := rec.ExtractValueFrom("arch", level); a != "" {
			arch = a
		}
		stackSig.WriteString(add.Func)
		add.FileIdx = s.model.FileIndex(rec.ExtractValueFrom("fullname", level))
		s.model.Frames = append(s.model.Frames, add)
	}

	// a cheap stack signature: locals survive stops within the same
	// function chain, reset on any change
	if sig := stackSig.String(); sig != s.model.lastStackSig {
		s.model.LocalVars = s.model.LocalVars[:0]
		s.model.lastStackSig = sig
	}

	if !s.model.registersSet && arch != "" {
		s.model.registersSet = true
		s.installDefaultRegisters(arch)
	}
}

func (s *Session) installDefaultRegisters(arch string) {
	var registers []string
	switch {
	case arch == "i386:x86-64":
		registers = defaultRegsAMD64
	case arch == "i386":
		registers = defaultRegsX86
	case strings.HasPrefix(arch, "arm"):
		registers = defaultRegsARM32
	}

	for _, reg := range registers {
		// a '@' varobj lasts the duration of the program
		cmd := fmt.Sprintf("-var-create %s%s @ $%s", globalNamePrefix, reg, reg)
		rec, err := s.SendBlocking(cmd)
		if err != nil {
			continue
		}
		s.model.GlobalVars = append(s.model.GlobalVars, NewVarObj(reg, rec.ExtractValue("value")))
	}
}

// refreshLocals reconciles the current frame's variables by name;
// variables that went out of scope drop out.
func (s *Session) refreshLocals() {
	rec, err := s.SendBlocking("-stack-list-variables --all-values")
	if err != nil {
		return
	}

	for i := range s.model.LocalVars {
		s.model.LocalVars[i].Changed = false
	}

	vars := rec.ExtractAtom("variables")
	startLen := len(s.model.LocalVars)
	varFound := make([]bool, startLen)

	children := rec.IterChildren(vars)
	for i := range children {
		child := &children[i]
		incoming := NewVarObj(rec.ExtractValueFrom("name", child), rec.ExtractValueFrom("value", child))

		found := false
		for j := startLen - 1; j >= 0; j-- {
			local := &s.model.LocalVars[j]
			if local.Name != incoming.Name {
				continue
			}
			checkIfChanged(&incoming, local)
			local.Value = incoming.Value
			local.Expr = incoming.Expr
			local.ExprChanged = incoming.ExprChanged
			local.Changed = incoming.Changed
			found = true
			varFound[j] = true
			break
		}

		if !found {
			s.model.LocalVars = append(s.model.LocalVars, incoming)
		}
	}

	// remove any locals that went out of scope
	for j := startLen - 1; j >= 0; j-- {
		if !varFound[j] {
			s.model.LocalVars = append(s.model.LocalVars[:j], s.model.LocalVars[j+1:]...)
		}
	}
}

// updateGlobals applies -var-update changes to the program-lifetime
// varobjs, which today are the default registers.
func (s *Session) updateGlobals() {
	rec, err := s.SendBlocking("-var-update --all-values *")
	if err != nil {
		return
	}

	for i := range s.model.GlobalVars {
		s.model.GlobalVars[i].Changed = false
	}

	changelist := rec.ExtractAtom("changelist")
	children := rec.IterChildren(changelist)
	for i := range children {
		child := &children[i]
		name := rec.ExtractValueFrom("name", child)
		if !strings.HasPrefix(name, globalNamePrefix) {
			continue
		}
		name = strings.TrimPrefix(name, globalNamePrefix)

		incoming := NewVarObj(name, rec.ExtractValueFrom("value", child))
		for j := range s.model.GlobalVars {
			global := &s.model.GlobalVars[j]
			if global.Name != name {
				continue
			}
			checkIfChanged(&incoming, global)
			global.Value = incoming.Value
			global.Changed = incoming.Changed
			global.Expr = incoming.Expr
			global.ExprChanged = incoming.ExprChanged
			break
		}
	}
}
