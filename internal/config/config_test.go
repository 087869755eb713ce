package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.Mode != "mock" {
		t.Fatalf("expected mock stt mode, got %s", cfg.STT.Mode)
	}
	if cfg.Dictation.DefaultLanguage != "es-ES" {
		t.Fatalf("expected es-ES default language, got %s", cfg.Dictation.DefaultLanguage)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_STT_MODE", "exec")
	t.Setenv("LOQA_STT_COMMAND", "whisper-stream --json")
	t.Setenv("LOQA_DICTATION_LANGUAGES", "en-US, en-GB")
	t.Setenv("LOQA_DICTATION_DEFAULT_LANGUAGE", "en-GB")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "whisper-stream --json" {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if len(cfg.Dictation.Languages) != 2 || cfg.Dictation.DefaultLanguage != "en-GB" {
		t.Fatalf("expected dictation overrides, got %+v", cfg.Dictation)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-dictation.yaml")
	data := []byte(`
runtime_name: dictation-test
stt:
  mode: none
dictation:
  controller_id: desk
  languages: [en-US]
  default_language: en-US
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "dictation-test" || cfg.Dictation.ControllerID != "desk" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port to survive partial file")
	}
}

func TestValidateRejectsUnknownDefaultLanguage(t *testing.T) {
	t.Setenv("LOQA_DICTATION_DEFAULT_LANGUAGE", "xx-XX")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for default language outside the enumerated set")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when exec mode has no command")
	}
}

func TestValidateBusModeRequiresBus(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "bus")
	t.Setenv("LOQA_BUS_ENABLED", "false")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when bus mode runs without a bus")
	}
}

func TestValidateTraceExporter(t *testing.T) {
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "otlp")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when otlp exporter has no endpoint")
	}
	t.Setenv("LOQA_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "jaeger")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestValidateRejectsZeroMockPause(t *testing.T) {
	t.Setenv("LOQA_STT_MOCK_PAUSE_MS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for a zero mock pause")
	}
}

func TestIdleTimeoutOverride(t *testing.T) {
	t.Setenv("LOQA_STT_IDLE_TIMEOUT_MS", "1200")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.STT.IdleTimeoutMS != 1200 {
		t.Fatalf("expected idle timeout override, got %d", cfg.STT.IdleTimeoutMS)
	}
}
