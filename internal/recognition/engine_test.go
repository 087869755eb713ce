package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects reactions and signals the end of each pass.
type recorder struct {
	mu      sync.Mutex
	results []string
	errors  []ErrorCode
	ends    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ends: make(chan struct{}, 8)}
}

func (r *recorder) OnResult(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, text)
}

func (r *recorder) OnError(code ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func (r *recorder) OnEnd() { r.ends <- struct{}{} }

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ends:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for end")
	}
}

func (r *recorder) snapshot() ([]string, []ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...), append([]ErrorCode(nil), r.errors...)
}

func TestMockEngineCyclesUtterances(t *testing.T) {
	engine := NewMockEngine([]string{"hello", "world"}, 5*time.Millisecond)
	rec := newRecorder()

	for i := 0; i < 3; i++ {
		if err := engine.Start(context.Background(), Options{}, rec); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		rec.waitEnd(t)
	}

	results, _ := rec.snapshot()
	want := []string{"hello", "world", "hello"}
	if len(results) != len(want) {
		t.Fatalf("expected %v, got %v", want, results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, results)
		}
	}
}

func TestMockEngineRejectsOverlappingPass(t *testing.T) {
	engine := NewMockEngine(nil, time.Hour)
	rec := newRecorder()

	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(context.Background(), Options{}, rec); !errors.Is(err, ErrPassActive) {
		t.Fatalf("expected ErrPassActive, got %v", err)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec.waitEnd(t)

	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start after end: %v", err)
	}
	_ = engine.Stop()
	rec.waitEnd(t)
}

func TestMockEngineAbortsOnCancel(t *testing.T) {
	engine := NewMockEngine([]string{"never"}, time.Hour)
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	if err := engine.Start(ctx, Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	rec.waitEnd(t)

	results, errs := rec.snapshot()
	if len(results) != 0 {
		t.Fatalf("expected no results, got %v", results)
	}
	if len(errs) != 1 || errs[0] != ErrorAborted {
		t.Fatalf("expected aborted error, got %v", errs)
	}
}

func TestMockEngineFloorsPause(t *testing.T) {
	engine := NewMockEngine([]string{"x"}, 0).(*mockEngine)
	if engine.pause != minMockPause {
		t.Fatalf("expected pause floored to %v, got %v", minMockPause, engine.pause)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecEngineStreamsEvents(t *testing.T) {
	script := writeScript(t, `echo '{"type":"result","text":"hola"}'
echo 'not json'
echo '{"type":"error","error":"no-speech"}'
echo '{"type":"end"}'
`)
	engine, err := NewExecEngine(script, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	rec := newRecorder()
	if err := engine.Start(context.Background(), Options{Language: "es-ES"}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitEnd(t)

	results, errs := rec.snapshot()
	if len(results) != 1 || results[0] != "hola" {
		t.Fatalf("unexpected results %v", results)
	}
	if len(errs) != 1 || errs[0] != ErrorNoSpeech {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestExecEngineReportsCrash(t *testing.T) {
	script := writeScript(t, "exit 3\n")
	engine, err := NewExecEngine(script, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	rec := newRecorder()
	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitEnd(t)

	_, errs := rec.snapshot()
	if len(errs) != 1 || errs[0] != ErrorNetwork {
		t.Fatalf("expected network error, got %v", errs)
	}
}

func TestExecEngineStopIsSilent(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	engine, err := NewExecEngine(script, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	rec := newRecorder()
	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(context.Background(), Options{}, rec); !errors.Is(err, ErrPassActive) {
		t.Fatalf("expected ErrPassActive, got %v", err)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec.waitEnd(t)

	if _, errs := rec.snapshot(); len(errs) != 0 {
		t.Fatalf("a requested stop must not report errors, got %v", errs)
	}
}

func TestExecEngineReadsLongResultLine(t *testing.T) {
	script := writeScript(t, `printf '{"type":"result","text":"'
head -c 300000 /dev/zero | tr '\000' a
printf '"}\n'
`)
	engine, err := NewExecEngine(script, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	rec := newRecorder()
	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitEnd(t)

	results, errs := rec.snapshot()
	if len(results) != 1 || len(results[0]) != 300000 {
		t.Fatalf("expected one 300000 byte result, got %d results", len(results))
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestExecEngineOversizedLineEndsPass(t *testing.T) {
	script := writeScript(t, `printf '{"type":"result","text":"'
head -c 3000000 /dev/zero | tr '\000' a
printf '"}\n'
sleep 30
`)
	engine, err := NewExecEngine(script, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	rec := newRecorder()
	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitEnd(t)

	results, errs := rec.snapshot()
	if len(results) != 0 {
		t.Fatalf("oversized line must not produce a result")
	}
	if len(errs) != 1 || errs[0] != ErrorNetwork {
		t.Fatalf("expected one network error, got %v", errs)
	}
	if err := engine.Start(context.Background(), Options{}, newRecorder()); errors.Is(err, ErrPassActive) {
		t.Fatalf("pass should be released after the failed read")
	}
	_ = engine.Stop()
}

func TestExecEngineEmptyErrorCode(t *testing.T) {
	script := writeScript(t, `echo '{"type":"error"}'
`)
	engine, err := NewExecEngine(script, newLogger())
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	rec := newRecorder()
	if err := engine.Start(context.Background(), Options{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitEnd(t)

	if _, errs := rec.snapshot(); len(errs) != 1 || errs[0] != ErrorNetwork {
		t.Fatalf("expected empty code to become network, got %v", errs)
	}
}

func TestExecEngineMissingBinary(t *testing.T) {
	_, err := NewExecEngine("loqa-no-such-recognizer --flag", newLogger())
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestReportedCode(t *testing.T) {
	if got := reportedCode("", ErrorStartFailed); got != ErrorStartFailed {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := reportedCode("no-speech", ErrorNetwork); got != ErrorNoSpeech {
		t.Fatalf("expected no-speech, got %q", got)
	}
}

func TestCodeOf(t *testing.T) {
	cases := map[string]struct {
		err  error
		want ErrorCode
	}{
		"nil":         {nil, ""},
		"engine":      {&EngineError{Code: ErrorNotAllowed}, ErrorNotAllowed},
		"wrapped":     {errors.Join(errors.New("x"), &EngineError{Code: ErrorNoSpeech}), ErrorNoSpeech},
		"unavailable": {ErrCapabilityUnavailable, ErrorServiceNotAllowed},
		"canceled":    {context.Canceled, ErrorAborted},
		"other":       {errors.New("boom"), ErrorStartFailed},
	}
	for name, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", name, tc.want, got)
		}
	}
}
