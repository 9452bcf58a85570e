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
	if cfg.Synthesis.ChunkSize != 8192 {
		t.Fatalf("expected default chunk size, got %d", cfg.Synthesis.ChunkSize)
	}
	if cfg.Synthesis.MaxMessageSize != 16<<20 {
		t.Fatalf("expected default max message size, got %d", cfg.Synthesis.MaxMessageSize)
	}
	if !cfg.Synthesis.StrictFrames {
		t.Fatalf("expected strict frames by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synth.yaml")
	data := []byte(`
synthesis:
  voice: en-GB_KateV3Voice
  accept: audio/ogg;codecs=opus
  timings: [words, marks]
  allowed_voices: [en-GB_KateV3Voice]
auth:
  mode: static
  token: abc
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synthesis.Voice != "en-GB_KateV3Voice" || cfg.Synthesis.Accept != "audio/ogg;codecs=opus" {
		t.Fatalf("expected synthesis values from file, got %+v", cfg.Synthesis)
	}
	if len(cfg.Synthesis.Timings) != 2 {
		t.Fatalf("expected two timing categories, got %v", cfg.Synthesis.Timings)
	}
	if cfg.Synthesis.ChunkSize != 8192 {
		t.Fatalf("expected unset chunk size to keep default")
	}
	if cfg.Auth.Mode != "static" || cfg.Auth.Token != "abc" {
		t.Fatalf("expected auth from file, got %+v", cfg.Auth)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNTH_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SYNTH_BUS_USERNAME", "alice")
	t.Setenv("SYNTH_BUS_PASSWORD", "secret")
	t.Setenv("SYNTH_BUS_TLS_INSECURE", "true")
	t.Setenv("SYNTH_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SYNTH_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SYNTH_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SYNTH_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SYNTH_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SYNTH_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SYNTH_SYNTHESIS_TIMINGS", "words")
	t.Setenv("SYNTH_SYNTHESIS_CHUNK_SIZE", "1024")
	t.Setenv("SYNTH_SYNTHESIS_STRICT_FRAMES", "false")
	t.Setenv("SYNTH_AUTH_MODE", "command")
	t.Setenv("SYNTH_AUTH_COMMAND", "print-token --scope tts")

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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if len(cfg.Synthesis.Timings) != 1 || cfg.Synthesis.Timings[0] != "words" {
		t.Fatalf("expected timings override, got %v", cfg.Synthesis.Timings)
	}
	if cfg.Synthesis.ChunkSize != 1024 {
		t.Fatalf("expected chunk size override")
	}
	if cfg.Synthesis.StrictFrames {
		t.Fatalf("expected strict frames override false")
	}
	if cfg.Auth.Mode != "command" || cfg.Auth.Command != "print-token --scope tts" {
		t.Fatalf("expected auth override, got %+v", cfg.Auth)
	}
}

func TestValidateRejectsUnknownTiming(t *testing.T) {
	t.Setenv("SYNTH_SYNTHESIS_TIMINGS", "phonemes")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for unknown timing category")
	}
}

func TestValidateCommandAuthNeedsCommand(t *testing.T) {
	t.Setenv("SYNTH_AUTH_MODE", "command")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for command mode without command")
	}
}
