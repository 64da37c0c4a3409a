package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synth.Concurrency != 3 || cfg.Synth.MaxAttempts != 3 {
		t.Fatalf("unexpected synth defaults: %+v", cfg.Synth)
	}
	if cfg.Synth.BaseDelay() != 2*time.Second {
		t.Fatalf("expected 2s base delay, got %s", cfg.Synth.BaseDelay())
	}
	if cfg.Assemble.SentenceSilenceMS != 300 || cfg.Assemble.ChapterSilenceMS != 1000 {
		t.Fatalf("unexpected silence defaults: %+v", cfg.Assemble)
	}
	if cfg.Segment.SentenceMaxChars != 200 {
		t.Fatalf("expected sentence threshold 200, got %d", cfg.Segment.SentenceMaxChars)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_STORAGE_PROJECTS_DIR", "./tmp/projects")
	t.Setenv("NARRATOR_SYNTH_CONCURRENCY", "5")
	t.Setenv("NARRATOR_SYNTH_MULTIPLIER", "1.5")
	t.Setenv("NARRATOR_SYNTH_RETRY_FAILED", "false")
	t.Setenv("NARRATOR_ASSEMBLE_MODE", "wav")
	t.Setenv("OPENAI_API_KEY", "from-openai")
	t.Setenv("NARRATOR_ANNOTATE_API_KEY", "from-narrator")

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
	if cfg.Storage.ProjectsDir != "./tmp/projects" {
		t.Fatalf("expected projects dir override")
	}
	if cfg.Synth.Concurrency != 5 {
		t.Fatalf("expected concurrency 5, got %d", cfg.Synth.Concurrency)
	}
	if cfg.Synth.Multiplier != 1.5 {
		t.Fatalf("expected multiplier 1.5, got %f", cfg.Synth.Multiplier)
	}
	if cfg.Synth.RetryFailed {
		t.Fatalf("expected retry_failed override false")
	}
	if cfg.Assemble.Mode != "wav" {
		t.Fatalf("expected assemble mode override")
	}
	if cfg.Annotate.APIKey != "from-narrator" {
		t.Fatalf("expected narrator api key to win, got %q", cfg.Annotate.APIKey)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	data := []byte(`
synth:
  mode: http
  endpoint: http://tts.local/api/tts
  concurrency: 2
assemble:
  mode: wav
  sentence_silence_ms: 150
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Synth.Mode != "http" || cfg.Synth.Concurrency != 2 {
		t.Fatalf("unexpected synth config: %+v", cfg.Synth)
	}
	if cfg.Synth.MaxAttempts != 3 {
		t.Fatalf("expected defaults preserved for unset keys, got %d", cfg.Synth.MaxAttempts)
	}
	if cfg.Assemble.SentenceSilenceMS != 150 || cfg.Assemble.ChapterSilenceMS != 1000 {
		t.Fatalf("unexpected assemble config: %+v", cfg.Assemble)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"synth mode":        func(c *Config) { c.Synth.Mode = "cloud" },
		"zero concurrency":  func(c *Config) { c.Synth.Concurrency = 0 },
		"exec without cmd":  func(c *Config) { c.Annotate.Mode = "exec" },
		"bad retention":     func(c *Config) { c.EventStore.RetentionMode = "session" },
		"negative silence":  func(c *Config) { c.Assemble.ChapterSilenceMS = -1 },
		"sentence treshold": func(c *Config) { c.Segment.SentenceMaxChars = 0 },
		"negative rate":     func(c *Config) { c.Synth.RateLimit = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
