package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RoleBroker = "broker"
	RoleWorker = "worker"
	RoleAll    = "all"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	CorsAllowedOrigins string `yaml:"cors_allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Chunker     ChunkerConfig    `yaml:"chunker"`
	Buffer      BufferConfig     `yaml:"buffer"`
	Synth       SynthConfig      `yaml:"synth"`
	LLM         LLMConfig        `yaml:"llm"`
	Driver      DriverConfig     `yaml:"driver"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"` // broker, worker, all
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
	Slots             int    `yaml:"slots"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxResponses  int    `yaml:"max_responses"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ChunkerConfig struct {
	Encoding  string `yaml:"encoding"`
	MaxTokens int    `yaml:"max_tokens"`
}

type BufferConfig struct {
	MaxWorkers      int     `yaml:"max_workers"`
	OutputPath      string  `yaml:"output_path"`
	SampleRate      int     `yaml:"sample_rate"`
	StretchRatio    float64 `yaml:"stretch_ratio"`
	BatchDeadlineMS int     `yaml:"batch_deadline_ms"`
}

type SynthConfig struct {
	Mode      string   `yaml:"mode"` // mock, exec
	Command   string   `yaml:"command"`
	Language  string   `yaml:"language"`
	Speakers  []string `yaml:"speakers"`
	Speaker   int      `yaml:"speaker_index"`
	Speed     float64  `yaml:"speed"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Retries   int      `yaml:"retries"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type DriverConfig struct {
	Delimiters     string `yaml:"delimiters"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	PollTimeoutMS  int    `yaml:"poll_timeout_ms"`
}

// Level maps log_level to a slog level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
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

// Voice returns the configured speaker, falling back to the first one.
func (s SynthConfig) Voice() string {
	if s.Speaker >= 0 && s.Speaker < len(s.Speakers) {
		return s.Speakers[s.Speaker]
	}
	if len(s.Speakers) > 0 {
		return s.Speakers[0]
	}
	return ""
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speak",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 5000,
		},
		Node: NodeConfig{
			ID:                "speak-node-1",
			Role:              RoleAll,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Slots:             4,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/speak-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxResponses:  1000,
		},
		Chunker: ChunkerConfig{
			Encoding:  "cl100k_base",
			MaxTokens: 200,
		},
		Buffer: BufferConfig{
			MaxWorkers:      4,
			OutputPath:      "tmp.wav",
			SampleRate:      22050,
			StretchRatio:    1.1,
			BatchDeadlineMS: 150000,
		},
		Synth: SynthConfig{
			Mode:      "mock",
			Language:  "it",
			Speakers:  []string{"default"},
			Speed:     2.0,
			TimeoutMS: 45000,
			Retries:   1,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		Driver: DriverConfig{
			Delimiters:     ".",
			PollIntervalMS: 1000,
		},
	}
}

// Load reads the YAML file at path (optional) over the defaults, then
// applies LOQA_* environment overrides. A .env file in the working
// directory is loaded first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.CorsAllowedOrigins, "LOQA_HTTP_CORS_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "LOQA_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Node.Slots, "LOQA_NODE_SLOTS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxResponses, "LOQA_EVENT_STORE_MAX_RESPONSES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Chunker.Encoding, "LOQA_CHUNKER_ENCODING")
	overrideInt(&cfg.Chunker.MaxTokens, "LOQA_CHUNKER_MAX_TOKENS")
	overrideInt(&cfg.Buffer.MaxWorkers, "LOQA_BUFFER_MAX_WORKERS")
	overrideString(&cfg.Buffer.OutputPath, "LOQA_BUFFER_OUTPUT_PATH")
	overrideInt(&cfg.Buffer.SampleRate, "LOQA_BUFFER_SAMPLE_RATE")
	overrideFloat(&cfg.Buffer.StretchRatio, "LOQA_BUFFER_STRETCH_RATIO")
	overrideInt(&cfg.Buffer.BatchDeadlineMS, "LOQA_BUFFER_BATCH_DEADLINE_MS")
	overrideString(&cfg.Synth.Mode, "LOQA_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "LOQA_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Language, "LOQA_SYNTH_LANGUAGE")
	overrideStringSlice(&cfg.Synth.Speakers, "LOQA_SYNTH_SPEAKERS")
	overrideInt(&cfg.Synth.Speaker, "LOQA_SYNTH_SPEAKER_INDEX")
	overrideFloat(&cfg.Synth.Speed, "LOQA_SYNTH_SPEED")
	overrideInt(&cfg.Synth.TimeoutMS, "LOQA_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Synth.Retries, "LOQA_SYNTH_RETRIES")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.Driver.Delimiters, "LOQA_DRIVER_DELIMITERS")
	overrideInt(&cfg.Driver.PollIntervalMS, "LOQA_DRIVER_POLL_INTERVAL_MS")
	overrideInt(&cfg.Driver.PollTimeoutMS, "LOQA_DRIVER_POLL_TIMEOUT_MS")
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
		if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be -1 (random) or between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	switch cfg.Node.Role {
	case RoleBroker, RoleWorker, RoleAll:
	default:
		return errors.New("node.role must be one of broker|worker|all")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Node.Slots <= 0 {
		return errors.New("node.slots must be >= 1")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Chunker.Encoding == "" {
		return errors.New("chunker.encoding must not be empty")
	}
	if cfg.Chunker.MaxTokens <= 0 {
		return errors.New("chunker.max_tokens must be >= 1")
	}
	if cfg.Buffer.MaxWorkers <= 0 {
		return errors.New("buffer.max_workers must be >= 1")
	}
	if cfg.Buffer.OutputPath == "" {
		return errors.New("buffer.output_path must not be empty")
	}
	if cfg.Buffer.SampleRate <= 0 {
		return errors.New("buffer.sample_rate must be positive")
	}
	if cfg.Buffer.StretchRatio <= 0 {
		return errors.New("buffer.stretch_ratio must be positive")
	}
	if cfg.Buffer.BatchDeadlineMS <= 0 {
		return errors.New("buffer.batch_deadline_ms must be positive")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.Voice() == "" {
		return errors.New("synth.speakers must name at least one voice")
	}
	if cfg.Synth.Speaker < 0 || cfg.Synth.Speaker >= len(cfg.Synth.Speakers) {
		return fmt.Errorf("synth.speaker_index %d out of range", cfg.Synth.Speaker)
	}
	if cfg.Synth.Speed <= 0 {
		return errors.New("synth.speed must be positive")
	}
	if cfg.Synth.Retries < 0 {
		return errors.New("synth.retries must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Driver.Delimiters == "" {
		return errors.New("driver.delimiters must not be empty")
	}
	if cfg.Driver.PollIntervalMS <= 0 {
		return errors.New("driver.poll_interval_ms must be positive")
	}
	if cfg.Driver.PollTimeoutMS < 0 {
		return errors.New("driver.poll_timeout_ms must be >= 0")
	}
	return nil
}
