package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SocketConfig struct {
	Path            string `yaml:"path"`
	IdleTimeoutSecs int    `yaml:"idle_timeout_secs"`
	AcceptPollSecs  int    `yaml:"accept_poll_secs"`
}

type GenerationConfig struct {
	MaxUnitChars       int     `yaml:"max_unit_chars"`
	DefaultModel       string  `yaml:"default_model"`
	DefaultTemperature float64 `yaml:"default_temperature"`
	DefaultSpeed       float64 `yaml:"default_speed"`
	ScratchDir         string  `yaml:"scratch_dir"`
	OutputDir          string  `yaml:"output_dir"`
}

type EngineConfig struct {
	Mode        string `yaml:"mode"` // exec, mock
	Command     string `yaml:"command"`
	LoadCommand string `yaml:"load_command"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Embedded          bool     `yaml:"embedded"`
	Port              int      `yaml:"port"`
	Servers           []string `yaml:"servers"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	Token             string   `yaml:"token"`
	TLSInsecure       bool     `yaml:"tls_insecure"`
	ConnectTimeout    int      `yaml:"connect_timeout_ms"`
	SubjectPrefix     string   `yaml:"subject_prefix"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_ms"`
}

type ModelEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Config struct {
	DaemonName  string           `yaml:"daemon_name"`
	Environment string           `yaml:"environment"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"`
	Socket      SocketConfig     `yaml:"socket"`
	Generation  GenerationConfig `yaml:"generation"`
	Engine      EngineConfig     `yaml:"engine"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	History     HistoryConfig    `yaml:"history"`
	Bus         BusConfig        `yaml:"bus"`
	Models      []ModelEntry     `yaml:"models"`
}

func Default() Config {
	return Config{
		DaemonName:  "speakd",
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "json",
		Socket: SocketConfig{
			Path:            "",
			IdleTimeoutSecs: 3600,
			AcceptPollSecs:  60,
		},
		Generation: GenerationConfig{
			MaxUnitChars:       250,
			DefaultModel:       "mlx-community/chatterbox-turbo-8bit",
			DefaultTemperature: 0.5,
			DefaultSpeed:       1.0,
		},
		Engine: EngineConfig{
			Mode: "mock",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		History: HistoryConfig{
			Path:          "",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:           false,
			Embedded:          false,
			Port:              4222,
			Servers:           []string{"nats://localhost:4222"},
			ConnectTimeout:    2000,
			SubjectPrefix:     "speakd",
			HeartbeatInterval: 5000,
		},
		Models: []ModelEntry{
			{Name: "mlx-community/chatterbox-turbo-8bit", Description: "8-bit quantized, fastest"},
			{Name: "mlx-community/chatterbox-turbo-fp16", Description: "Full precision"},
			{Name: "mlx-community/chatterbox-turbo-4bit", Description: "4-bit quantized, smallest"},
			{Name: "mlx-community/chatterbox-turbo-5bit", Description: "5-bit quantized"},
			{Name: "mlx-community/chatterbox-turbo-6bit", Description: "6-bit quantized"},
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

// IdleTimeout is how long the daemon may sit without a generation request
// before shutting itself down.
func (s SocketConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

// AcceptPoll bounds each accept wait so the idle check runs between polls.
func (s SocketConfig) AcceptPoll() time.Duration {
	return time.Duration(s.AcceptPollSecs) * time.Second
}

// Heartbeat is how often the daemon announces itself on the bus.
func (b BusConfig) Heartbeat() time.Duration {
	return time.Duration(b.HeartbeatInterval) * time.Millisecond
}

// ResolvePath returns the socket path, defaulting to ~/.speakd/speak.sock.
func (s SocketConfig) ResolvePath() (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".speakd", "speak.sock"), nil
}

// ResolvePath returns the history database path, defaulting to
// ~/.speakd/history.db.
func (h HistoryConfig) ResolvePath() (string, error) {
	if h.Path != "" {
		return h.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".speakd", "history.db"), nil
}

// ResolveScratchDir returns the directory for in-flight unit files,
// defaulting to the system temp dir.
func (g GenerationConfig) ResolveScratchDir() string {
	if g.ScratchDir != "" {
		return g.ScratchDir
	}
	return os.TempDir()
}

// ResolveOutputDir returns the directory for final audio files, defaulting
// to the scratch dir.
func (g GenerationConfig) ResolveOutputDir() string {
	if g.OutputDir != "" {
		return g.OutputDir
	}
	return g.ResolveScratchDir()
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.DaemonName, "SPEAKD_DAEMON_NAME")
	overrideString(&cfg.Environment, "SPEAKD_ENVIRONMENT")
	overrideString(&cfg.LogLevel, "SPEAKD_LOG_LEVEL")
	overrideString(&cfg.LogFormat, "SPEAKD_LOG_FORMAT")
	overrideString(&cfg.Socket.Path, "SPEAKD_SOCKET_PATH")
	overrideInt(&cfg.Socket.IdleTimeoutSecs, "SPEAKD_SOCKET_IDLE_TIMEOUT_SECS")
	overrideInt(&cfg.Socket.AcceptPollSecs, "SPEAKD_SOCKET_ACCEPT_POLL_SECS")
	overrideInt(&cfg.Generation.MaxUnitChars, "SPEAKD_GENERATION_MAX_UNIT_CHARS")
	overrideString(&cfg.Generation.DefaultModel, "SPEAKD_GENERATION_DEFAULT_MODEL")
	overrideFloat(&cfg.Generation.DefaultTemperature, "SPEAKD_GENERATION_DEFAULT_TEMPERATURE")
	overrideFloat(&cfg.Generation.DefaultSpeed, "SPEAKD_GENERATION_DEFAULT_SPEED")
	overrideString(&cfg.Generation.ScratchDir, "SPEAKD_GENERATION_SCRATCH_DIR")
	overrideString(&cfg.Generation.OutputDir, "SPEAKD_GENERATION_OUTPUT_DIR")
	overrideString(&cfg.Engine.Mode, "SPEAKD_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SPEAKD_ENGINE_COMMAND")
	overrideString(&cfg.Engine.LoadCommand, "SPEAKD_ENGINE_LOAD_COMMAND")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEAKD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEAKD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEAKD_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.History.Path, "SPEAKD_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SPEAKD_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SPEAKD_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SPEAKD_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "SPEAKD_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "SPEAKD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SPEAKD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEAKD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SPEAKD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEAKD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEAKD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEAKD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEAKD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEAKD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "SPEAKD_BUS_SUBJECT_PREFIX")
	overrideInt(&cfg.Bus.HeartbeatInterval, "SPEAKD_BUS_HEARTBEAT_INTERVAL_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.DaemonName == "" {
		return errors.New("daemon_name must not be empty")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log_level must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return errors.New("log_format must be one of text|json")
	}
	if cfg.Socket.IdleTimeoutSecs <= 0 {
		return errors.New("socket.idle_timeout_secs must be positive")
	}
	if cfg.Socket.AcceptPollSecs <= 0 {
		return errors.New("socket.accept_poll_secs must be positive")
	}
	if cfg.Socket.IdleTimeoutSecs < cfg.Socket.AcceptPollSecs {
		return errors.New("socket.idle_timeout_secs must be >= socket.accept_poll_secs")
	}
	if cfg.Generation.MaxUnitChars <= 0 {
		return errors.New("generation.max_unit_chars must be positive")
	}
	if cfg.Generation.DefaultModel == "" {
		return errors.New("generation.default_model must not be empty")
	}
	if cfg.Generation.DefaultTemperature < 0 || cfg.Generation.DefaultTemperature > 2 {
		return errors.New("generation.default_temperature must be within [0, 2]")
	}
	if cfg.Generation.DefaultSpeed <= 0 || cfg.Generation.DefaultSpeed > 4 {
		return errors.New("generation.default_speed must be within (0, 4]")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.MaxSessions < 0 {
		return errors.New("history.max_sessions must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty when the bus is enabled")
		}
		if cfg.Bus.HeartbeatInterval <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive when the bus is enabled")
		}
	}
	if len(cfg.Models) == 0 {
		return errors.New("models must not be empty")
	}
	for _, m := range cfg.Models {
		if m.Name == "" {
			return errors.New("models entries must have a name")
		}
	}
	return nil
}
