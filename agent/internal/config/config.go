package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/credential"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultRequestTimeout       = 30 * time.Second
	DefaultHeartbeatInterval    = 60 * time.Second
	DefaultCaptureInterval      = 60 * time.Second
	DefaultMinCaptureInterval   = 30 * time.Second
	DefaultReplayBatchSize      = 5
	DefaultLoopInterval         = 5 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultErrorPause           = 5 * time.Minute
	DefaultQueuePath            = "phoenix_cache.db"
	DefaultLogLevel             = "info"
	DefaultTokenEnv             = "PHOENIX_DEVICE_TOKEN"

	// MinCaptureInterval is the smallest capture_interval accepted.
	MinCaptureInterval = 10 * time.Second
)

// Environment variables that override the file. They let a packaged
// config be pointed at another service without editing it.
const (
	EnvAPIURL   = "PHOENIX_API_URL"
	EnvDeviceID = "PHOENIX_DEVICE_ID"
)

// Config is the top-level configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent settings.
type AgentConfig struct {
	// APIURL is the ingestion service root. Must be https.
	APIURL string `yaml:"api_url"`

	// DeviceID identifies this workstation. Defaults to workstation-<hostname>.
	DeviceID string `yaml:"device_id"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HeartbeatInterval controls how often activity is reported.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// CaptureInterval controls how often a screenshot is taken. At least 10s.
	CaptureInterval time.Duration `yaml:"capture_interval"`

	// MinCaptureInterval is the local upload rate limit for screenshots.
	MinCaptureInterval time.Duration `yaml:"min_capture_interval"`

	// ReplayBatchSize bounds how many queued events are resent after a
	// live delivery.
	ReplayBatchSize int `yaml:"replay_batch_size"`

	// ReplayAfterFailure also replays after a live send that failed
	// transiently, not only after a success.
	ReplayAfterFailure bool `yaml:"replay_after_failure"`

	// LoopInterval is the scheduler tick.
	LoopInterval time.Duration `yaml:"loop_interval"`

	// MaxConsecutiveErrors pauses the loop for ErrorPause when reached.
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	ErrorPause           time.Duration `yaml:"error_pause"`

	// QueuePath is the SQLite file backing the offline queue.
	QueuePath string `yaml:"queue_path"`

	// LogLevel is one of debug | info | warn | error. Hot-reloadable.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr serves Prometheus metrics at /metrics when set (host:port).
	MetricsAddr string `yaml:"metrics_addr"`

	// HealthAddr serves the gRPC health service when set (host:port).
	HealthAddr string `yaml:"health_addr"`

	// ActivityCommand prints the foreground activity as JSON. When empty
	// heartbeats report an unknown application.
	ActivityCommand []string `yaml:"activity_command"`

	// CaptureCommand writes a JPEG screenshot to stdout. When empty no
	// screenshots are taken.
	CaptureCommand []string `yaml:"capture_command"`

	// TLS holds client TLS options.
	TLS TLSConfig `yaml:"tls"`

	// Auth configures where the device token comes from.
	Auth AuthConfig `yaml:"auth"`
}

// TLSConfig holds client TLS options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// AuthConfig specifies how the device token is resolved.
type AuthConfig struct {
	// Mode is one of: env | file.
	Mode string `yaml:"mode"`

	// TokenEnv is the environment variable holding the token (mode env).
	TokenEnv string `yaml:"token_env"`

	// TokenFile and IdentityFile locate the age-encrypted token and its
	// key (mode file).
	TokenFile    string `yaml:"token_file"`
	IdentityFile string `yaml:"identity_file"`
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Provider returns the credential provider for the configured mode.
func (a AuthConfig) Provider() credential.Provider {
	if a.Mode == "file" {
		return a.Store()
	}
	return credential.EnvProvider{Var: a.TokenEnv}
}

// Store returns the encrypted token file store.
func (a AuthConfig) Store() credential.FileStore {
	return credential.FileStore{TokenPath: a.TokenFile, IdentityPath: a.IdentityFile}
}

// Level parses LogLevel. Unknown values were rejected by validate.
func (a AgentConfig) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(a.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			DeviceID:             defaultDeviceID(),
			RequestTimeout:       DefaultRequestTimeout,
			HeartbeatInterval:    DefaultHeartbeatInterval,
			CaptureInterval:      DefaultCaptureInterval,
			MinCaptureInterval:   DefaultMinCaptureInterval,
			ReplayBatchSize:      DefaultReplayBatchSize,
			ReplayAfterFailure:   true,
			LoopInterval:         DefaultLoopInterval,
			MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
			ErrorPause:           DefaultErrorPause,
			QueuePath:            DefaultQueuePath,
			LogLevel:             DefaultLogLevel,
			Auth: AuthConfig{
				Mode:     "env",
				TokenEnv: DefaultTokenEnv,
			},
		},
	}
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "workstation-" + host
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAPIURL)); v != "" {
		cfg.Agent.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceID)); v != "" {
		cfg.Agent.DeviceID = v
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := &cfg.Agent
	if a.APIURL == "" {
		return fmt.Errorf("agent.api_url is required")
	}
	u, err := url.Parse(a.APIURL)
	if err != nil {
		return fmt.Errorf("agent.api_url: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("agent.api_url must be an https URL, got %q", a.APIURL)
	}
	if a.DeviceID == "" {
		return fmt.Errorf("agent.device_id must not be empty")
	}
	if a.CaptureInterval < MinCaptureInterval {
		return fmt.Errorf("agent.capture_interval must be at least %v", MinCaptureInterval)
	}

	for name, d := range map[string]time.Duration{
		"request_timeout":      a.RequestTimeout,
		"heartbeat_interval":   a.HeartbeatInterval,
		"min_capture_interval": a.MinCaptureInterval,
		"loop_interval":        a.LoopInterval,
		"error_pause":          a.ErrorPause,
	} {
		if d <= 0 {
			return fmt.Errorf("agent.%s must be positive", name)
		}
	}
	if a.ReplayBatchSize <= 0 {
		return fmt.Errorf("agent.replay_batch_size must be positive")
	}
	if a.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("agent.max_consecutive_errors must be positive")
	}
	if a.QueuePath == "" {
		return fmt.Errorf("agent.queue_path must not be empty")
	}

	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level: unknown level %q", a.LogLevel)
	}

	switch a.Auth.Mode {
	case "env", "":
		if a.Auth.TokenEnv == "" {
			return fmt.Errorf("agent.auth.token_env is required for mode env")
		}
	case "file":
		if a.Auth.TokenFile == "" || a.Auth.IdentityFile == "" {
			return fmt.Errorf("agent.auth: token_file and identity_file are required for mode file")
		}
	default:
		return fmt.Errorf("agent.auth: unknown mode %q", a.Auth.Mode)
	}
	return nil
}
