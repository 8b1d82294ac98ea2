package tug

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyle-sylvestre/tug/internal/mi"
)

func scriptedSession(t *testing.T, gdb *ScriptedGDB) *Session {
	t.Helper()
	s, err := SpawnScripted(context.Background(), gdb, &Options{SidecarDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown()
	})
	return s
}

// pump runs the model update pass until cond holds or the deadline hits.
func pump(t *testing.T, s *Session, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, s.ProcessEvents())
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestSpawnProbesFeatures(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-list-features",
		`^done,features=["frozen-varobjs","pending-breakpoints","python","breakpoint-notifications"]`)
	gdb.Respond("-list-target-features", `^done,features=["async"]`)

	s := scriptedSession(t, gdb)

	assert.True(t, s.Has(CapFrozenVarobjs))
	assert.True(t, s.Has(CapPendingBreakpoints))
	assert.True(t, s.Has(CapPython))
	assert.True(t, s.Has(CapAsyncBreakpointNotification))
	assert.True(t, s.Has(CapAsyncExecution))
	assert.False(t, s.Has(CapThreadInfo))
	assert.False(t, s.Has(CapReverseExecution))
	assert.Equal(t, StateSpawned, s.State())

	cmds := gdb.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, "-list-features", cmds[0])
}

func TestSendBlockingCorrelatesByOrdinal(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-data-evaluate-expression", `^done,value="42"`)

	s := scriptedSession(t, gdb)

	wantOrdinal := s.nextOrdinal
	rec, err := s.SendBlocking("-data-evaluate-expression six*seven")
	require.NoError(t, err)
	assert.Equal(t, wantOrdinal, rec.ID)
	assert.Equal(t, "42", rec.ExtractValue("value"))

	// the slot holding the result is consumed
	found := false
	for i := range s.pool {
		if s.pool[i].Rec.ID == wantOrdinal {
			assert.True(t, s.pool[i].Parsed)
			found = true
		}
	}
	assert.True(t, found, "result record must live in the pool")
}

func TestSendBlockingErrorBecomesConsoleLine(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-break-insert", `^error,msg="No symbol table is loaded."`)

	s := scriptedSession(t, gdb)

	_, err := s.SendBlocking("-break-insert main")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCommand))

	lines := s.ConsoleLines()
	require.NotEmpty(t, lines)
	assert.Equal(t, "GDB MI Error: No symbol table is loaded.", lines[1].Text)
	assert.Equal(t, ConsoleUserInput, lines[1].Kind)
}

func TestOptimizedOutResynthesis(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-data-evaluate-expression", `^error,msg="value has been optimized out"`)

	s := scriptedSession(t, gdb)

	wantOrdinal := s.nextOrdinal
	rec, err := s.SendBlocking("-data-evaluate-expression argv[0]")
	require.NoError(t, err, "optimized out must re-synthesize a success record")
	assert.Equal(t, wantOrdinal, rec.ID)
	assert.Equal(t, "<optimized out>", rec.ExtractValue("value"))
	assert.EqualValues(t, 1, s.Metrics().Resyntheses.Load())
}

func TestSendBlockingTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("3s timeout")
	}

	gdb := NewScriptedGDB()
	gdb.Respond("-hang", nil...)

	s := scriptedSession(t, gdb)

	start := time.Now()
	_, err := s.SendBlocking("-hang")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout))
	assert.GreaterOrEqual(t, time.Since(start), CommandTimeout)
	assert.EqualValues(t, 1, s.Metrics().Timeouts.Load())
}

func TestRecordPoolReusesSlots(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	for i := 0; i < 40; i++ {
		_, err := s.SendBlocking("-environment-pwd")
		require.NoError(t, err)
	}

	// every blocking send consumes its slot, so the pool stays small
	assert.LessOrEqual(t, len(s.pool), 8)
}

func TestBreakpointNotifications(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	gdb.Emit(`=breakpoint-created,bkpt={number="1",addr="0x1060",line="13",fullname="/x/y.c"}`)
	pump(t, s, func() bool { return len(s.Model().Breakpoints) == 1 })

	bkpt := s.Model().Breakpoints[0]
	assert.Equal(t, 1, bkpt.Number)
	assert.Equal(t, 13, bkpt.Line)
	assert.EqualValues(t, 0x1060, bkpt.Addr)
	assert.Equal(t, "/x/y.c", s.Model().FilePath(bkpt.FileIdx))

	gdb.Emit(`=breakpoint-modified,bkpt={number="1",addr="0x1060",line="14",fullname="/x/y.c"}`)
	pump(t, s, func() bool { return s.Model().Breakpoints[0].Line == 14 })

	gdb.Emit(`=breakpoint-deleted,id="1"`)
	pump(t, s, func() bool { return len(s.Model().Breakpoints) == 0 })
}

func TestThreadGroupStarted(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	gdb.Emit(`=thread-group-started,id="i1",pid="4242"`)
	pump(t, s, func() bool { return s.Model().InferiorPid == 4242 })
}

func TestStoppedRebuildsModel(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-stack-list-frames",
		`^done,stack=[frame={level="0",addr="0x1149",func="inner",line="4",fullname="/src/a.c",arch="i386:x86-64"},frame={level="1",addr="0x1179",func="main",line="21",fullname="/src/a.c",arch="i386:x86-64"}]`)
	gdb.Respond("-stack-list-variables", `^done,variables=[{name="x",value="1"},{name="p",value="0x0"}]`)
	gdb.Respond("-var-update", `^done,changelist=[]`)
	gdb.Respond("-var-create", `^done,name="GB__reg",numchild="0",value="0x1149",type="long"`)

	s := scriptedSession(t, gdb)

	gdb.Emit(`*stopped,reason="breakpoint-hit",frame={func="inner",line="4"}`)
	pump(t, s, func() bool { return len(s.Model().Frames) == 2 })

	m := s.Model()
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, m.Running)
	assert.True(t, m.Started)
	assert.Equal(t, 0, m.FrameIdx)

	assert.Equal(t, "inner", m.Frames[0].Func)
	assert.EqualValues(t, 0x1149, m.Frames[0].Addr)
	assert.Equal(t, 21, m.Frames[1].Line)
	assert.Equal(t, "/src/a.c", m.FilePath(m.Frames[0].FileIdx))

	require.Len(t, m.LocalVars, 2)
	assert.Equal(t, "x", m.LocalVars[0].Name)
	assert.Equal(t, "1", m.LocalVars[0].Value)

	// the amd64 default register set was installed on first stop
	assert.Len(t, m.GlobalVars, 17)
	assert.Equal(t, "rax", m.GlobalVars[0].Name)
}

func TestStoppedExitedClearsModel(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)
	s.Model().Frames = []Frame{{Func: "main"}}
	s.Model().LocalVars = []VarObj{NewVarObj("x", "1")}

	gdb.Emit(`*stopped,reason="exited-normally"`)
	pump(t, s, func() bool { return s.State() == StateExited })

	assert.Empty(t, s.Model().Frames)
	assert.Empty(t, s.Model().LocalVars)
	assert.False(t, s.Model().Started)
}

func TestWatchlistEvaluation(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-stack-list-frames", `^done,stack=[]`)
	gdb.Respond("-stack-list-variables", `^done,variables=[]`)
	gdb.Respond("-var-update", `^done,changelist=[]`)
	gdb.Respond("-data-evaluate-expression", `^done,value="{1, 2, 3}"`)

	s := scriptedSession(t, gdb)
	s.AddWatch("arr, 3")

	gdb.Emit(`*stopped,reason="breakpoint-hit"`)
	pump(t, s, func() bool { return s.Model().WatchVars[0].Value == "{1, 2, 3}" })

	watch := s.Model().WatchVars[0]
	assert.NotEmpty(t, watch.Expr.Atoms, "aggregate watches carry a parsed tree")

	// the visual-studio array syntax reaches GDB translated
	found := false
	for _, cmd := range gdb.Commands() {
		if cmd == `-data-evaluate-expression --frame 0 --thread 1 "*(arr)@3"` {
			found = true
		}
	}
	assert.True(t, found, "watch expression must be translated, got %v", gdb.Commands())
}

func TestSendRefusedWhileRunning(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	s.Model().Running = true
	err := s.Send("-exec-interrupt")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBusy))

	// async execution support lifts the refusal
	s.caps |= CapAsyncExecution
	assert.NoError(t, s.Send("-exec-interrupt"))
}

func TestExecCommandsFlipRunning(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-exec-run", "^running")

	s := scriptedSession(t, gdb)
	require.NoError(t, s.Run())
	assert.True(t, s.Model().Running)
	assert.Equal(t, StateRunning, s.State())
}

func TestInsertAndDeleteBreakpoint(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-break-insert",
		`^done,bkpt={number="2",addr="0x1234",line="10",fullname="/src/b.c"}`)
	gdb.Respond("-break-delete", "^done")

	s := scriptedSession(t, gdb)

	bkpt, err := s.InsertBreakpoint("/src/b.c", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, bkpt.Number)
	assert.Len(t, s.Model().Breakpoints, 1)

	require.NoError(t, s.DeleteBreakpoint(2))
	assert.Empty(t, s.Model().Breakpoints)
}

func TestConsumerRoutesStreamsAndRecords(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	gdb.Emit(
		`~"console text\n"`,
		`&"log text\n"`,
		`=thread-group-added,id="i1"`,
	)
	pump(t, s, func() bool { return s.ConsoleLinesWritten() == 2 })

	lines := s.ConsoleLines()
	assert.Equal(t, "log text", lines[1].Text)
	assert.Equal(t, ConsoleUserInput, lines[1].Kind)
	assert.Equal(t, "console text", lines[2].Text)
	assert.Equal(t, ConsolePlain, lines[2].Kind)
}

func TestBadRecordLineIsDroppedNotFatal(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	gdb.Emit(`^done,broken=@@`, `~"still alive\n"`)
	pump(t, s, func() bool { return s.ConsoleLinesWritten() == 1 })

	assert.EqualValues(t, 1, s.Metrics().ParseErrors.Load())
	assert.Equal(t, "still alive", s.ConsoleLines()[1].Text)
}

func TestShutdownStopsReader(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	require.NoError(t, s.Shutdown())
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.Pid())

	// idempotent
	assert.NoError(t, s.Shutdown())
}

func TestFramerOrderSurvivesDemux(t *testing.T) {
	gdb := NewScriptedGDB()
	s := scriptedSession(t, gdb)

	gdb.Emit(`~"first\n"`)
	gdb.Emit(`~"second\n"`)
	gdb.Emit(`~"third\n"`)
	pump(t, s, func() bool { return s.ConsoleLinesWritten() == 3 })

	lines := s.ConsoleLines()
	assert.Equal(t, "third", lines[1].Text)
	assert.Equal(t, "second", lines[2].Text)
	assert.Equal(t, "first", lines[3].Text)
}

func TestRecordBorrowLifetime(t *testing.T) {
	gdb := NewScriptedGDB()
	gdb.Respond("-data-evaluate-expression", `^done,value="7"`)

	s := scriptedSession(t, gdb)
	rec, err := s.SendBlocking("-data-evaluate-expression seven")
	require.NoError(t, err)

	// clone before the pool recycles the slot
	kept := rec.Clone()
	_, err = s.SendBlocking("-environment-pwd")
	require.NoError(t, err)
	assert.Equal(t, "7", kept.ExtractValue("value"))
}

func TestSyntheticRecordShape(t *testing.T) {
	rec, err := mi.ParseRecord(9, []byte(`^done,value="<optimized out>"`))
	require.NoError(t, err)
	assert.EqualValues(t, 9, rec.ID)
	assert.Equal(t, "<optimized out>", rec.ExtractValue("value"))
}
