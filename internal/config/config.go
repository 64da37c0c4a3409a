package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceStdout prints spans when no OTLP endpoint is configured.
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Storage     StorageConfig    `yaml:"storage"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Segment     SegmentConfig    `yaml:"segment"`
	Annotate    AnnotateConfig   `yaml:"annotate"`
	Voices      VoicesConfig     `yaml:"voices"`
	Synth       SynthConfig      `yaml:"synth"`
	Assemble    AssembleConfig   `yaml:"assemble"`
	Jobs        JobsConfig       `yaml:"jobs"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StorageConfig locates persisted projects and produced audio.
type StorageConfig struct {
	ProjectsDir string `yaml:"projects_dir"`
	OutputsDir  string `yaml:"outputs_dir"`
	MaxSourceMB int    `yaml:"max_source_mb"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxProjects   int    `yaml:"max_projects"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SegmentConfig struct {
	RawChapterMinChars int `yaml:"raw_chapter_min_chars"`
	SentenceMaxChars   int `yaml:"sentence_max_chars"`
}

type AnnotateConfig struct {
	Mode             string  `yaml:"mode"` // mock, openai, exec
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	Command          string  `yaml:"command"`
	Temperature      float64 `yaml:"temperature"`
	TimeoutMS        int     `yaml:"timeout_ms"`
	ContextSentences int     `yaml:"context_sentences"`
}

type VoicesConfig struct {
	Library          string `yaml:"library"`
	AssetsDir        string `yaml:"assets_dir"`
	DefaultReference string `yaml:"default_reference"`
}

type SynthConfig struct {
	Mode        string  `yaml:"mode"` // mock, http, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Concurrency int     `yaml:"concurrency"`
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	SampleRate  int     `yaml:"sample_rate"`
	RetryFailed bool    `yaml:"retry_failed"`
	// RateLimit caps synthesis calls per second; zero is unlimited.
	RateLimit   float64 `yaml:"rate_limit"`
}

type AssembleConfig struct {
	Mode              string `yaml:"mode"` // ffmpeg, wav
	FFmpeg            string `yaml:"ffmpeg"`
	FFprobe           string `yaml:"ffprobe"`
	SentenceSilenceMS int    `yaml:"sentence_silence_ms"`
	ChapterSilenceMS  int    `yaml:"chapter_silence_ms"`
	SampleRate        int    `yaml:"sample_rate"`
}

type JobsConfig struct {
	Enabled             bool `yaml:"enabled"`
	MaxParallelProjects int  `yaml:"max_parallel_projects"`
}

func (c SynthConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c SynthConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c AnnotateConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Storage: StorageConfig{
			ProjectsDir: "./data/projects",
			OutputsDir:  "./data/outputs",
			MaxSourceMB: 100,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxProjects:   1000,
		},
		Segment: SegmentConfig{
			RawChapterMinChars: 1000,
			SentenceMaxChars:   200,
		},
		Annotate: AnnotateConfig{
			Mode:             "mock",
			Endpoint:         "https://api.openai.com/v1",
			Model:            "gpt-4",
			Temperature:      0.7,
			TimeoutMS:        60000,
			ContextSentences: 3,
		},
		Voices: VoicesConfig{
			AssetsDir:        "./assets",
			DefaultReference: "./assets/ref_audio.wav",
		},
		Synth: SynthConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:8000/api/tts",
			Concurrency: 3,
			MaxAttempts: 3,
			BaseDelayMS: 2000,
			Multiplier:  2,
			TimeoutMS:   60000,
			SampleRate:  24000,
			RetryFailed: true,
		},
		Assemble: AssembleConfig{
			Mode:              "ffmpeg",
			FFmpeg:            "ffmpeg",
			FFprobe:           "ffprobe",
			SentenceSilenceMS: 300,
			ChapterSilenceMS:  1000,
			SampleRate:        24000,
		},
		Jobs: JobsConfig{
			Enabled:             true,
			MaxParallelProjects: 2,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "NARRATOR_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Storage.ProjectsDir, "NARRATOR_STORAGE_PROJECTS_DIR")
	overrideString(&cfg.Storage.OutputsDir, "NARRATOR_STORAGE_OUTPUTS_DIR")
	overrideInt(&cfg.Storage.MaxSourceMB, "NARRATOR_STORAGE_MAX_SOURCE_MB")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxProjects, "NARRATOR_EVENT_STORE_MAX_PROJECTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Segment.RawChapterMinChars, "NARRATOR_SEGMENT_RAW_CHAPTER_MIN_CHARS")
	overrideInt(&cfg.Segment.SentenceMaxChars, "NARRATOR_SEGMENT_SENTENCE_MAX_CHARS")
	overrideString(&cfg.Annotate.Mode, "NARRATOR_ANNOTATE_MODE")
	overrideString(&cfg.Annotate.Endpoint, "NARRATOR_ANNOTATE_ENDPOINT")
	overrideString(&cfg.Annotate.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Annotate.APIKey, "NARRATOR_ANNOTATE_API_KEY")
	overrideString(&cfg.Annotate.Model, "NARRATOR_ANNOTATE_MODEL")
	overrideString(&cfg.Annotate.Command, "NARRATOR_ANNOTATE_COMMAND")
	overrideFloat(&cfg.Annotate.Temperature, "NARRATOR_ANNOTATE_TEMPERATURE")
	overrideInt(&cfg.Annotate.TimeoutMS, "NARRATOR_ANNOTATE_TIMEOUT_MS")
	overrideInt(&cfg.Annotate.ContextSentences, "NARRATOR_ANNOTATE_CONTEXT_SENTENCES")
	overrideString(&cfg.Voices.Library, "NARRATOR_VOICES_LIBRARY")
	overrideString(&cfg.Voices.AssetsDir, "NARRATOR_VOICES_ASSETS_DIR")
	overrideString(&cfg.Voices.DefaultReference, "NARRATOR_VOICES_DEFAULT_REFERENCE")
	overrideString(&cfg.Synth.Mode, "NARRATOR_SYNTH_MODE")
	overrideString(&cfg.Synth.Endpoint, "NARRATOR_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.Command, "NARRATOR_SYNTH_COMMAND")
	overrideInt(&cfg.Synth.Concurrency, "NARRATOR_SYNTH_CONCURRENCY")
	overrideInt(&cfg.Synth.MaxAttempts, "NARRATOR_SYNTH_MAX_ATTEMPTS")
	overrideInt(&cfg.Synth.BaseDelayMS, "NARRATOR_SYNTH_BASE_DELAY_MS")
	overrideFloat(&cfg.Synth.Multiplier, "NARRATOR_SYNTH_MULTIPLIER")
	overrideInt(&cfg.Synth.TimeoutMS, "NARRATOR_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Synth.SampleRate, "NARRATOR_SYNTH_SAMPLE_RATE")
	overrideBool(&cfg.Synth.RetryFailed, "NARRATOR_SYNTH_RETRY_FAILED")
	overrideFloat(&cfg.Synth.RateLimit, "NARRATOR_SYNTH_RATE_LIMIT")
	overrideString(&cfg.Assemble.Mode, "NARRATOR_ASSEMBLE_MODE")
	overrideString(&cfg.Assemble.FFmpeg, "NARRATOR_ASSEMBLE_FFMPEG")
	overrideString(&cfg.Assemble.FFprobe, "NARRATOR_ASSEMBLE_FFPROBE")
	overrideInt(&cfg.Assemble.SentenceSilenceMS, "NARRATOR_ASSEMBLE_SENTENCE_SILENCE_MS")
	overrideInt(&cfg.Assemble.ChapterSilenceMS, "NARRATOR_ASSEMBLE_CHAPTER_SILENCE_MS")
	overrideInt(&cfg.Assemble.SampleRate, "NARRATOR_ASSEMBLE_SAMPLE_RATE")
	overrideBool(&cfg.Jobs.Enabled, "NARRATOR_JOBS_ENABLED")
	overrideInt(&cfg.Jobs.MaxParallelProjects, "NARRATOR_JOBS_MAX_PARALLEL_PROJECTS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Storage.ProjectsDir == "" {
		return errors.New("storage.projects_dir must not be empty")
	}
	if cfg.Storage.OutputsDir == "" {
		return errors.New("storage.outputs_dir must not be empty")
	}
	if cfg.Storage.MaxSourceMB <= 0 {
		return errors.New("storage.max_source_mb must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Segment.SentenceMaxChars <= 0 {
		return errors.New("segment.sentence_max_chars must be positive")
	}
	if cfg.Segment.RawChapterMinChars <= 0 {
		return errors.New("segment.raw_chapter_min_chars must be positive")
	}
	switch cfg.Annotate.Mode {
	case "mock", "openai", "exec":
	default:
		return errors.New("annotate.mode must be one of mock|openai|exec")
	}
	if cfg.Annotate.Mode == "openai" && cfg.Annotate.Endpoint == "" {
		return errors.New("annotate.endpoint must be set when mode=openai")
	}
	if cfg.Annotate.Mode == "exec" && cfg.Annotate.Command == "" {
		return errors.New("annotate.command must be set when mode=exec")
	}
	if cfg.Annotate.ContextSentences < 0 {
		return errors.New("annotate.context_sentences must be >= 0")
	}
	switch cfg.Synth.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("synth.mode must be one of mock|http|exec")
	}
	if cfg.Synth.Mode == "http" && cfg.Synth.Endpoint == "" {
		return errors.New("synth.endpoint must be set when mode=http")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.Concurrency <= 0 {
		return errors.New("synth.concurrency must be >= 1")
	}
	if cfg.Synth.MaxAttempts <= 0 {
		return errors.New("synth.max_attempts must be >= 1")
	}
	if cfg.Synth.BaseDelayMS < 0 {
		return errors.New("synth.base_delay_ms must be >= 0")
	}
	if cfg.Synth.Multiplier < 1 {
		return errors.New("synth.multiplier must be >= 1")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.RateLimit < 0 {
		return errors.New("synth.rate_limit must be >= 0")
	}
	switch cfg.Assemble.Mode {
	case "ffmpeg":
		if cfg.Assemble.FFmpeg == "" || cfg.Assemble.FFprobe == "" {
			return errors.New("assemble.ffmpeg and assemble.ffprobe must be set when mode=ffmpeg")
		}
	case "wav":
	default:
		return errors.New("assemble.mode must be one of ffmpeg|wav")
	}
	if cfg.Assemble.SentenceSilenceMS < 0 || cfg.Assemble.ChapterSilenceMS < 0 {
		return errors.New("assemble silence durations must be >= 0")
	}
	if cfg.Assemble.SampleRate <= 0 {
		return errors.New("assemble.sample_rate must be positive")
	}
	if cfg.Jobs.Enabled && cfg.Jobs.MaxParallelProjects <= 0 {
		return errors.New("jobs.max_parallel_projects must be >= 1 when jobs are enabled")
	}
	return nil
}
