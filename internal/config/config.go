package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
	SentryDSN    string `yaml:"sentry_dsn"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Auth        AuthConfig       `yaml:"auth"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	TTS         TTSConfig        `yaml:"tts"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AuthConfig selects how bearer credentials are obtained.
type AuthConfig struct {
	Mode    string `yaml:"mode"` // static, iam, command
	APIKey  string `yaml:"api_key"`
	Token   string `yaml:"token"`
	IAMURL  string `yaml:"iam_url"`
	Command string `yaml:"command"`
}

// SynthesisConfig holds the streaming session parameters.
type SynthesisConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	Voice           string   `yaml:"voice"`
	Accept          string   `yaml:"accept"`
	Timings         []string `yaml:"timings"`
	CustomizationID string   `yaml:"customization_id"`
	ChunkSize       int      `yaml:"chunk_size"`
	MaxMessageSize  int      `yaml:"max_message_size"`
	StrictFrames    bool     `yaml:"strict_frames"`
	AuthInQuery     bool     `yaml:"auth_in_query"`
	AllowedVoices   []string `yaml:"allowed_voices"`
	AllowedAccepts  []string `yaml:"allowed_accepts"`
}

// TTSConfig controls the bus-facing synthesis service.
type TTSConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxConcurrency   int  `yaml:"max_concurrency"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "synthstream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/synth-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Auth: AuthConfig{
			Mode: "iam",
		},
		Synthesis: SynthesisConfig{
			Endpoint:       "wss://api.us-south.text-to-speech.watson.cloud.ibm.com/v1/synthesize",
			Voice:          "en-US_AllisonV3Voice",
			Accept:         "audio/wav",
			ChunkSize:      8192,
			MaxMessageSize: 16 << 20,
			StrictFrames:   true,
		},
		TTS: TTSConfig{
			Enabled:          false,
			MaxConcurrency:   4,
			RequestTimeoutMS: 45000,
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
	overrideString(&cfg.RuntimeName, "SYNTH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SYNTH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SYNTH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SYNTH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SYNTH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SYNTH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SYNTH_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SYNTH_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.SentryDSN, "SYNTH_TELEMETRY_SENTRY_DSN")
	overrideBool(&cfg.Bus.Embedded, "SYNTH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SYNTH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SYNTH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SYNTH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SYNTH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SYNTH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SYNTH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SYNTH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SYNTH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SYNTH_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SYNTH_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SYNTH_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SYNTH_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SYNTH_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Auth.Mode, "SYNTH_AUTH_MODE")
	overrideString(&cfg.Auth.APIKey, "SYNTH_AUTH_API_KEY")
	overrideString(&cfg.Auth.Token, "SYNTH_AUTH_TOKEN")
	overrideString(&cfg.Auth.IAMURL, "SYNTH_AUTH_IAM_URL")
	overrideString(&cfg.Auth.Command, "SYNTH_AUTH_COMMAND")
	overrideString(&cfg.Synthesis.Endpoint, "SYNTH_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Voice, "SYNTH_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.Accept, "SYNTH_SYNTHESIS_ACCEPT")
	overrideStringSlice(&cfg.Synthesis.Timings, "SYNTH_SYNTHESIS_TIMINGS")
	overrideString(&cfg.Synthesis.CustomizationID, "SYNTH_SYNTHESIS_CUSTOMIZATION_ID")
	overrideInt(&cfg.Synthesis.ChunkSize, "SYNTH_SYNTHESIS_CHUNK_SIZE")
	overrideInt(&cfg.Synthesis.MaxMessageSize, "SYNTH_SYNTHESIS_MAX_MESSAGE_SIZE")
	overrideBool(&cfg.Synthesis.StrictFrames, "SYNTH_SYNTHESIS_STRICT_FRAMES")
	overrideBool(&cfg.Synthesis.AuthInQuery, "SYNTH_SYNTHESIS_AUTH_IN_QUERY")
	overrideStringSlice(&cfg.Synthesis.AllowedVoices, "SYNTH_SYNTHESIS_ALLOWED_VOICES")
	overrideStringSlice(&cfg.Synthesis.AllowedAccepts, "SYNTH_SYNTHESIS_ALLOWED_ACCEPTS")
	overrideBool(&cfg.TTS.Enabled, "SYNTH_TTS_ENABLED")
	overrideInt(&cfg.TTS.MaxConcurrency, "SYNTH_TTS_MAX_CONCURRENCY")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "SYNTH_TTS_REQUEST_TIMEOUT_MS")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Auth.Mode {
	case "static", "iam", "command":
	default:
		return errors.New("auth.mode must be one of static|iam|command")
	}
	if cfg.Auth.Mode == "command" && cfg.Auth.Command == "" {
		return errors.New("auth.command must be set when mode=command")
	}
	if cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must not be empty")
	}
	if cfg.Synthesis.Accept == "" {
		return errors.New("synthesis.accept must not be empty")
	}
	if cfg.Synthesis.ChunkSize <= 0 {
		return errors.New("synthesis.chunk_size must be positive")
	}
	if cfg.Synthesis.MaxMessageSize <= 0 {
		return errors.New("synthesis.max_message_size must be positive")
	}
	for _, timing := range cfg.Synthesis.Timings {
		if timing != "words" && timing != "marks" {
			return fmt.Errorf("synthesis.timings entry %q must be one of words|marks", timing)
		}
	}
	if cfg.TTS.Enabled {
		if cfg.TTS.MaxConcurrency <= 0 {
			return errors.New("tts.max_concurrency must be >= 1")
		}
		if cfg.TTS.RequestTimeoutMS < 0 {
			return errors.New("tts.request_timeout_ms must be >= 0")
		}
	}
	return nil
}

// SlogLevel maps log_level onto a slog level, defaulting to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
