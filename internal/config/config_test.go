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
	if cfg.LLM.Mode != "gemini" || cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("expected gemini defaults, got %s/%s", cfg.LLM.Mode, cfg.LLM.Model)
	}
	if cfg.TTS.Voice != "SPDuaMFktwxyPzWKIvoL" || cfg.TTS.Model != "eleven_multilingual_v2" {
		t.Fatalf("unexpected tts defaults: %+v", cfg.TTS)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default, got %s", cfg.EventStore.RetentionMode)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_HTTP_PORT", "9090")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_LLM_MODE", "ollama")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.3")
	t.Setenv("LOQA_TTS_STABILITY", "0.9")
	t.Setenv("LOQA_TTS_USE_SPEAKER_BOOST", "false")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_STT_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Embedded || !cfg.Bus.Enabled {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Temperature != 0.3 {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
	if cfg.TTS.Stability != 0.9 || cfg.TTS.SpeakerBoost {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if !cfg.STT.Enabled {
		t.Fatal("expected stt enabled")
	}
}

func TestCredentialEnvNames(t *testing.T) {
	t.Setenv("API_KEY", "gemini-from-api-key")
	t.Setenv("ELEVENLABS_API_KEY", "eleven-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "gemini-from-api-key" {
		t.Fatalf("expected API_KEY to set gemini key, got %q", cfg.LLM.APIKey)
	}
	if cfg.TTS.APIKey != "eleven-secret" {
		t.Fatalf("expected ELEVENLABS_API_KEY to set speech key, got %q", cfg.TTS.APIKey)
	}
	if missing := cfg.MissingCredentials(); len(missing) != 0 {
		t.Fatalf("expected no missing credentials, got %v", missing)
	}

	t.Setenv("LOQA_GEMINI_API_KEY", "explicit")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "explicit" {
		t.Fatalf("expected LOQA_GEMINI_API_KEY to win, got %q", cfg.LLM.APIKey)
	}
}

func TestMissingCredentials(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "PLACEHOLDER_API_KEY"
	cfg.TTS.APIKey = "YOUR_ELEVENLABS_API_KEY_HERE"

	missing := cfg.MissingCredentials()
	if len(missing) != 2 || missing[0] != GeminiKeyEnv || missing[1] != SpeechKeyEnv {
		t.Fatalf("unexpected missing list: %v", missing)
	}

	cfg.LLM.Mode = "mock"
	cfg.TTS.Mode = "mock"
	if missing := cfg.MissingCredentials(); len(missing) != 0 {
		t.Fatalf("mock backends need no credentials, got %v", missing)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-ask.yaml")
	data := []byte(`runtime_name: ask-test
http:
  port: 7070
llm:
  mode: mock
tts:
  mode: mock
  voice: custom-voice
session:
  max_prompt_length: 10
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "ask-test" || cfg.HTTP.Port != 7070 {
		t.Fatalf("unexpected runtime config: %+v", cfg)
	}
	if cfg.LLM.Mode != "mock" || cfg.TTS.Voice != "custom-voice" {
		t.Fatalf("unexpected backend config: %+v %+v", cfg.LLM, cfg.TTS)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatal("expected unset fields to keep defaults")
	}
	if cfg.Session.MaxPromptLength != 10 {
		t.Fatalf("expected session override, got %d", cfg.Session.MaxPromptLength)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cfg := Default()
	cfg.LLM.Mode = "gpt"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected llm mode error")
	}

	cfg = Default()
	cfg.TTS.Mode = "exec"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected tts command error")
	}

	cfg = Default()
	cfg.Telemetry.TraceExporter = "otlp"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected otlp endpoint error")
	}
}
