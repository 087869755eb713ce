package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T, url string) *bus.Client {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(conn.Close)
	return bus.NewClient(conn, newLogger())
}

func nodeConfig(id string, caps ...config.NodeCapability) config.NodeConfig {
	return config.NodeConfig{
		ID:                id,
		Role:              "test",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  500,
		Capabilities:      caps,
	}
}

func TestRegistryDiscoversPeers(t *testing.T) {
	srv, err := natsserver.StartLocal(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	recognizer, err := NewRegistry(context.Background(), nodeConfig("recognizer",
		config.NodeCapability{Name: "stt.recognizer", Attributes: map[string]string{"target": "desk"}},
	), connect(t, srv.ClientURL()), newLogger())
	if err != nil {
		t.Fatalf("recognizer registry: %v", err)
	}
	t.Cleanup(recognizer.Close)

	// The dictation node joins later and must learn about the recognizer
	// from the answer to its own announcement.
	dictation, err := NewRegistry(context.Background(), nodeConfig("dictation",
		config.NodeCapability{Name: "dictation.controller"},
	), connect(t, srv.ClientURL()), newLogger())
	if err != nil {
		t.Fatalf("dictation registry: %v", err)
	}
	t.Cleanup(dictation.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !dictation.WaitFor(ctx, "stt.recognizer", map[string]string{"target": "desk"}) {
		t.Fatalf("expected recognizer capability to be discovered")
	}
	if dictation.HasCapability("stt.recognizer", map[string]string{"target": "kitchen"}) {
		t.Fatalf("attribute mismatch must not match")
	}
	if !dictation.Healthy() {
		t.Fatalf("registry should consider its own node healthy")
	}

	if !recognizer.WaitFor(ctx, "dictation.controller", nil) {
		t.Fatalf("expected dictation node to be discovered")
	}
}

func TestWaitForHonoursContext(t *testing.T) {
	srv, err := natsserver.StartLocal(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	registry, err := NewRegistry(context.Background(), nodeConfig("lonely"), connect(t, srv.ClientURL()), newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(registry.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if registry.WaitFor(ctx, "stt.recognizer", nil) {
		t.Fatalf("no node advertises a recognizer")
	}
}

func TestCapabilityFilter(t *testing.T) {
	node := NodeInfo{Capabilities: []Capability{
		{Name: "stt.recognizer", Attributes: map[string]string{"target": "desk", "lang": "es"}},
	}}
	if !WithCapabilityFilter("stt.recognizer", nil)(node) {
		t.Fatalf("name-only filter should match")
	}
	if !WithCapabilityFilter("stt.recognizer", map[string]string{"target": "desk"})(node) {
		t.Fatalf("attribute subset should match")
	}
	if WithCapabilityFilter("tts.voice", nil)(node) {
		t.Fatalf("other capability must not match")
	}
}
