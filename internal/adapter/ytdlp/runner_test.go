package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwygoda/snatcher/internal/domain"
)

// stubTool writes an executable shell script standing in for the real
// binary; the runner only cares about the process contract.
func stubTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ytdlp")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSpec(t *testing.T) domain.Spec {
	return domain.Spec{
		URL:       "https://example.com/v/1",
		Kind:      domain.KindVideo,
		OutputDir: t.TempDir(),
	}
}

func collect(t *testing.T, proc domain.Process) []domain.RunnerEvent {
	t.Helper()
	var events []domain.RunnerEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-proc.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for process events")
		}
	}
}

func TestRunner_SuccessStreamsProgressAndExit(t *testing.T) {
	bin := stubTool(t, `
echo 'SNJSON:{"type":"downloading","eta":5,"downloaded_bytes":512,"total_bytes":1024,"total_bytes_estimate":NA,"speed":100}'
echo 'SNJSON:{"type":"end_of_video"}'
exit 0
`)
	r := NewRunner(Options{Path: bin}, time.Second)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, proc)

	var progress, exit int
	for _, ev := range events {
		switch ev.Kind {
		case domain.RunnerProgress:
			progress++
			if ev.Progress.Downloaded != 512 {
				t.Errorf("Downloaded = %d, want 512", ev.Progress.Downloaded)
			}
		case domain.RunnerExit:
			exit++
			if ev.ExitCode != 0 {
				t.Errorf("ExitCode = %d, want 0", ev.ExitCode)
			}
		}
	}
	if progress != 1 {
		t.Errorf("progress events = %d, want 1", progress)
	}
	if exit != 1 {
		t.Errorf("exit events = %d, want exactly 1", exit)
	}
	if events[len(events)-1].Kind != domain.RunnerExit {
		t.Error("exit must be the last event")
	}
}

func TestRunner_FailureCarriesDiagnostic(t *testing.T) {
	bin := stubTool(t, `
echo 'ERROR: HTTP Error 429: Too Many Requests'
echo 'some stderr noise' >&2
exit 1
`)
	r := NewRunner(Options{Path: bin}, time.Second)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, proc)
	last := events[len(events)-1]
	if last.Kind != domain.RunnerExit || last.ExitCode != 1 {
		t.Fatalf("last event = %+v, want exit code 1", last)
	}
	if !strings.Contains(last.Diagnostic, "HTTP Error 429") {
		t.Errorf("Diagnostic = %q, want the ERROR line retained", last.Diagnostic)
	}
}

func TestRunner_ErrorLinesSurviveZeroExit(t *testing.T) {
	// ignore-errors playlist mode: per-entry errors with an overall
	// zero exit must still carry the diagnostic.
	bin := stubTool(t, `
echo 'ERROR: Video unavailable'
exit 0
`)
	r := NewRunner(Options{Path: bin}, time.Second)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, proc)
	last := events[len(events)-1]
	if last.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", last.ExitCode)
	}
	if !strings.Contains(last.Diagnostic, "Video unavailable") {
		t.Errorf("Diagnostic = %q, want the ERROR line retained", last.Diagnostic)
	}
}

func TestRunner_CleanExitHasEmptyDiagnostic(t *testing.T) {
	bin := stubTool(t, `
echo 'harmless warning' >&2
exit 0
`)
	r := NewRunner(Options{Path: bin}, time.Second)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, proc)
	last := events[len(events)-1]
	if last.ExitCode != 0 || last.Diagnostic != "" {
		t.Errorf("exit = %+v, want code 0 with empty diagnostic", last)
	}
}

func TestRunner_StderrForwardedAsLog(t *testing.T) {
	bin := stubTool(t, `
echo 'diagnostic line' >&2
exit 0
`)
	r := NewRunner(Options{Path: bin}, time.Second)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, proc)
	found := false
	for _, ev := range events {
		if ev.Kind == domain.RunnerLog && ev.Line == "diagnostic line" {
			found = true
		}
	}
	if !found {
		t.Error("stderr line not forwarded as log event")
	}
}

func TestRunner_SpawnFailure(t *testing.T) {
	r := NewRunner(Options{Path: filepath.Join(t.TempDir(), "missing-binary")}, time.Second)
	if _, err := r.Start(context.Background(), testSpec(t), ""); err == nil {
		t.Fatal("Start() with a missing binary should fail")
	}
}

func TestRunner_TerminateEscalatesToKill(t *testing.T) {
	// The shell ignores SIGTERM; termination must still bring the
	// whole process group down within the grace period.
	bin := stubTool(t, `
trap '' TERM
sleep 30
`)
	r := NewRunner(Options{Path: bin}, 100*time.Millisecond)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the shell install its trap
	start := time.Now()
	proc.Terminate()
	events := collect(t, proc)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("termination took %s, want well under the sleep duration", elapsed)
	}
	last := events[len(events)-1]
	if last.Kind != domain.RunnerExit || last.ExitCode == 0 {
		t.Errorf("last event = %+v, want non-zero exit", last)
	}
}

func TestRunner_TerminateIdempotentAfterExit(t *testing.T) {
	bin := stubTool(t, "exit 0")
	r := NewRunner(Options{Path: bin}, time.Second)
	proc, err := r.Start(context.Background(), testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	collect(t, proc)
	proc.Terminate() // after exit: no-op, must not panic
	proc.Terminate()
}

func TestRunner_ContextCancelTerminates(t *testing.T) {
	bin := stubTool(t, "sleep 30")
	r := NewRunner(Options{Path: bin}, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := r.Start(ctx, testSpec(t), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancel()
	events := collect(t, proc)
	if events[len(events)-1].Kind != domain.RunnerExit {
		t.Error("expected exit event after context cancellation")
	}
}
