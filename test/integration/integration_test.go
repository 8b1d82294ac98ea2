//go:build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	tug "github.com/kyle-sylvestre/tug"
)

// requireGDB skips the test when no gdb binary is installed.
func requireGDB(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("gdb")
	if err != nil {
		t.Skip("gdb not available")
	}
	return path
}

// buildInferior compiles a small C program to debug, skipping when no C
// compiler is installed.
func buildInferior(t *testing.T) string {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("cc not available")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "inferior.c")
	out := filepath.Join(dir, "inferior")
	program := `
#include <stdio.h>
int add(int a, int b) { return a + b; }
int main(void) {
    int total = 0;
    for (int i = 0; i < 4; i++) total = add(total, i);
    printf("%d\n", total);
    return 0;
}
`
	if err := os.WriteFile(src, []byte(program), 0o644); err != nil {
		t.Fatal(err)
	}
	if outBytes, err := exec.Command(cc, "-g", "-O0", "-o", out, src).CombinedOutput(); err != nil {
		t.Fatalf("cc: %v\n%s", err, outBytes)
	}
	return out
}

// pump drives the model update pass until cond holds or the deadline
// passes.
func pump(t *testing.T, s *tug.Session, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := s.ProcessEvents(); err != nil {
			t.Fatalf("process events: %v", err)
		}
		if cond() {
			return true
		}
		time.Sleep(16 * time.Millisecond)
	}
	return false
}

func TestIntegrationSessionLifecycle(t *testing.T) {
	gdbPath := requireGDB(t)
	inferior := buildInferior(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	session, err := tug.Spawn(ctx, tug.Params{GDBPath: gdbPath, GDBArgs: "--nx"}, &tug.Options{
		SidecarDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer session.Shutdown()

	if session.State() != tug.StateSpawned {
		t.Fatalf("state = %v, want spawned", session.State())
	}

	if err := session.LoadInferior(inferior, ""); err != nil {
		t.Fatalf("load inferior: %v", err)
	}

	if _, err := session.InsertBreakpoint("inferior.c", 5); err != nil {
		t.Fatalf("break-insert: %v", err)
	}
	if len(session.Model().Breakpoints) != 1 {
		t.Fatalf("breakpoints = %d, want 1", len(session.Model().Breakpoints))
	}

	if err := session.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !pump(t, session, 30*time.Second, func() bool {
		return session.State() == tug.StateStopped && len(session.Model().Frames) > 0
	}) {
		t.Fatal("inferior did not hit the breakpoint")
	}

	frame := session.Model().Frames[0]
	if frame.Func == "" {
		t.Error("stopped frame has no function name")
	}

	value, err := session.EvaluateExpression("1 + 2")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if value != "3" {
		t.Errorf("evaluate = %q, want 3", value)
	}

	if err := session.Continue(); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if !pump(t, session, 30*time.Second, func() bool {
		return session.State() == tug.StateExited
	}) {
		t.Fatal("inferior did not run to exit")
	}
}

func TestIntegrationFeatureProbe(t *testing.T) {
	gdbPath := requireGDB(t)

	session, err := tug.Spawn(context.Background(), tug.Params{GDBPath: gdbPath, GDBArgs: "--nx"}, &tug.Options{
		SidecarDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer session.Shutdown()

	// every modern gdb advertises pending breakpoints
	if !session.Has(tug.CapPendingBreakpoints) {
		t.Error("pending-breakpoints capability missing")
	}
}
