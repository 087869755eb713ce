package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, newLogger())
	if err := rt.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	rt.ready.Store(true)
	ts := httptest.NewServer(rt.router)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return rt, ts
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRuntimeWithoutBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.STT.MockPauseMS = 10

	rt, ts := setupRuntime(t, cfg)
	if rt.controller == nil {
		t.Fatalf("mock engine should enable dictation")
	}

	if code := get(t, ts.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code := get(t, ts.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}

	resp, err := http.Post(ts.URL+"/api/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rt.controller.Stats().Restarts == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the mock pass to end and restart")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rt.controller.Transcript(); got == "" {
		t.Fatalf("expected recognized text, got empty transcript")
	}
}

func TestRuntimeDisablesDictationWhenUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.STT.Mode = "none"

	rt, ts := setupRuntime(t, cfg)
	if rt.controller != nil {
		t.Fatalf("controller must not exist without a recognizer")
	}
	if code := get(t, ts.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("node should stay ready, got %d", code)
	}
	if code := get(t, ts.URL+"/api/status"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from dictation api, got %d", code)
	}
}

func TestRuntimeServesControlOverEmbeddedBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = server.RANDOM_PORT
	cfg.Bus.StoreDir = t.TempDir()
	cfg.STT.MockPauseMS = int(time.Hour / time.Millisecond)

	rt, _ := setupRuntime(t, cfg)
	if rt.bus == nil || rt.control == nil {
		t.Fatalf("expected bus and control service to be running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.ControlReply
	req := protocol.ControlRequest{Op: "start"}
	if err := rt.bus.RequestJSON(ctx, protocol.ControlSubject(cfg.Dictation.ControllerID), req, &reply); err != nil {
		t.Fatalf("control request: %v", err)
	}
	if !reply.OK || !reply.Status.Listening {
		data, _ := json.Marshal(reply)
		t.Fatalf("unexpected reply %s", data)
	}
}
