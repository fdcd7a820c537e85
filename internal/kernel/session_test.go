package kernel

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requirePython3(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available in this environment")
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	requirePython3(t)

	workDir := t.TempDir()
	envDir := t.TempDir()
	if err := os.WriteFile(workDir+"/sandbox-glyphs.manifest", []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("seed font asset: %v", err)
	}

	s, err := Start(context.Background(), "sbx-test", workDir, envDir, 10*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func TestSession_ExecutePrint(t *testing.T) {
	s := newTestSession(t)

	record, err := s.Execute(context.Background(), "print('hello')", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(record.Stdout) == 0 || !strings.Contains(strings.Join(record.Stdout, ""), "hello") {
		t.Errorf("expected stdout to contain hello, got %v", record.Stdout)
	}
	if record.Error != nil {
		t.Errorf("expected no error, got %+v", record.Error)
	}
	if len(record.Results) != 0 {
		t.Errorf("expected no results for a bare print, got %v", record.Results)
	}
}

func TestSession_ExecuteDivisionByZero(t *testing.T) {
	s := newTestSession(t)

	record, err := s.Execute(context.Background(), "1/0", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Error == nil || record.Error.Name != "ZeroDivisionError" {
		t.Errorf("expected ZeroDivisionError, got %+v", record.Error)
	}
	if len(record.Stdout) != 0 {
		t.Errorf("expected empty stdout, got %v", record.Stdout)
	}
}

func TestSession_StatefulAcrossExecutes(t *testing.T) {
	s := newTestSession(t)

	if _, err := s.Execute(context.Background(), "x = 1", 10*time.Second); err != nil {
		t.Fatalf("Execute(set x): %v", err)
	}
	record, err := s.Execute(context.Background(), "x", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute(x): %v", err)
	}
	if len(record.Results) == 0 || record.Results[0].Data != "1" {
		t.Errorf("expected results[0].data == \"1\", got %+v", record.Results)
	}
}

func TestSession_ExecCounterIncreasesWithoutGaps(t *testing.T) {
	s := newTestSession(t)

	for i := uint64(1); i <= 3; i++ {
		record, err := s.Execute(context.Background(), "1", 10*time.Second)
		if err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
		if record.ExecCounter != i {
			t.Errorf("expected exec_counter %d, got %d", i, record.ExecCounter)
		}
	}
}

func TestSession_ExecuteAfterShutdownReturnsClosed(t *testing.T) {
	s := newTestSession(t)
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("double Shutdown should be a no-op, got: %v", err)
	}

	_, err := s.Execute(context.Background(), "1", time.Second)
	if err == nil {
		t.Fatal("expected Execute after Shutdown to fail")
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m text"
	if got := stripANSI(in); got != "red text" {
		t.Errorf("stripANSI(%q) = %q, want %q", in, got, "red text")
	}
}
