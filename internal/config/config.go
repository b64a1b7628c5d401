package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix consumed by Load.
const EnvPrefix = "TMUXGATE"

type Config struct {
	ListenAddr            string        `yaml:"listen_addr" split_words:"true"`
	DataDir               string        `yaml:"data_dir" split_words:"true"`
	DBPath                string        `yaml:"db_path" split_words:"true"`
	FilesRoot             string        `yaml:"files_root" split_words:"true"`
	TerminalURL           string        `yaml:"terminal_url" split_words:"true"`
	CORSOrigins           []string      `yaml:"cors_origins" split_words:"true"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" split_words:"true"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" split_words:"true"`

	Session   SessionConfig   `yaml:"session" split_words:"true"`
	Command   CommandConfig   `yaml:"command" split_words:"true"`
	Files     FilesConfig     `yaml:"files" split_words:"true"`
	Scheduler SchedulerConfig `yaml:"scheduler" split_words:"true"`
	MQTT      MQTTConfig      `yaml:"mqtt" split_words:"true"`
	Auth      AuthConfig      `yaml:"auth" split_words:"true"`
	RateLimit RateLimitConfig `yaml:"rate_limit" split_words:"true"`
	Log       LogConfig       `yaml:"log" split_words:"true"`
}

type SessionConfig struct {
	Name            string          `yaml:"name" split_words:"true"`
	WorkDir         string          `yaml:"work_dir" split_words:"true"`
	TmuxBinary      string          `yaml:"tmux_binary" split_words:"true"`
	CommandTimeout  time.Duration   `yaml:"command_timeout" split_words:"true"`
	DispatchTimeout time.Duration   `yaml:"dispatch_timeout" split_words:"true"`
	RetryBackoff    []time.Duration `yaml:"retry_backoff" split_words:"true"`
	OutputLines     int             `yaml:"output_lines" split_words:"true"`
}

type CommandConfig struct {
	Mode            string   `yaml:"mode" split_words:"true"`
	MaxLength       int      `yaml:"max_length" split_words:"true"`
	AllowPrefixes   []string `yaml:"allow_prefixes" split_words:"true"`
	BlockedCommands []string `yaml:"blocked_commands" split_words:"true"`
}

type FilesConfig struct {
	MaxUploadBytes    int64    `yaml:"max_upload_bytes" split_words:"true"`
	AllowedExtensions []string `yaml:"allowed_extensions" split_words:"true"`
	ShowHidden        bool     `yaml:"show_hidden" split_words:"true"`
	Watch             bool     `yaml:"watch" split_words:"true"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval" split_words:"true"`
	MaxDelay          time.Duration `yaml:"max_delay" split_words:"true"`
	BatchSize         int           `yaml:"batch_size" split_words:"true"`
	RetentionSchedule string        `yaml:"retention_schedule" split_words:"true"`
	RetentionTTL      time.Duration `yaml:"retention_ttl" split_words:"true"`
}

type MQTTConfig struct {
	Enabled              bool          `yaml:"enabled" split_words:"true"`
	Broker               string        `yaml:"broker" split_words:"true"`
	ClientID             string        `yaml:"client_id" split_words:"true"`
	Username             string        `yaml:"username" split_words:"true"`
	Password             string        `yaml:"password" split_words:"true"`
	RequireTLS           bool          `yaml:"require_tls" split_words:"true"`
	CAFile               string        `yaml:"ca_file" split_words:"true"`
	InsecureSkipVerify   bool          `yaml:"insecure_skip_verify" split_words:"true"`
	TopicPrefix          string        `yaml:"topic_prefix" split_words:"true"`
	QoS                  byte          `yaml:"qos" envconfig:"QOS"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" split_words:"true"`
	PublishTimeout       time.Duration `yaml:"publish_timeout" split_words:"true"`
	KeepAlive            time.Duration `yaml:"keep_alive" split_words:"true"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval" split_words:"true"`
	RemoteControl        bool          `yaml:"remote_control" split_words:"true"`
	RemoteMaxInflight    int           `yaml:"remote_max_inflight" split_words:"true"`
}

type AuthConfig struct {
	Disabled bool `yaml:"disabled" split_words:"true"`
	// Tokens maps bearer tokens to principal names.
	Tokens map[string]string `yaml:"tokens" split_words:"true"`
}

type RateLimitConfig struct {
	CommandsPerMinute int `yaml:"commands_per_minute" split_words:"true"`
	UploadsPerMinute  int `yaml:"uploads_per_minute" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

func DefaultConfig() Config {
	dataDir := defaultDataDir()
	return Config{
		ListenAddr:            "127.0.0.1:8080",
		DataDir:               dataDir,
		DBPath:                filepath.Join(dataDir, "state.db"),
		FilesRoot:             filepath.Join(dataDir, "files"),
		MaxConcurrentRequests: 32,
		ShutdownTimeout:       5 * time.Second,
		Session: SessionConfig{
			Name:            "main",
			TmuxBinary:      "tmux",
			CommandTimeout:  5 * time.Second,
			DispatchTimeout: 30 * time.Second,
			RetryBackoff:    []time.Duration{250 * time.Millisecond, 1 * time.Second},
			OutputLines:     200,
		},
		Command: CommandConfig{
			Mode:      "denylist",
			MaxLength: 1000,
			BlockedCommands: []string{
				"rm", "rmdir", "del", "format", "mkfs", "fdisk",
				"sudo", "su", "passwd", "chmod", "chown",
				"curl", "wget", "nc", "netcat", "telnet",
			},
		},
		Files: FilesConfig{
			MaxUploadBytes: 100 << 20,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      1 * time.Second,
			MaxDelay:          30 * 24 * time.Hour,
			BatchSize:         64,
			RetentionSchedule: "@hourly",
			RetentionTTL:      7 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			ClientID:             "tmuxgate",
			RequireTLS:           true,
			TopicPrefix:          "tmuxgate",
			QoS:                  1,
			ConnectTimeout:       5 * time.Second,
			PublishTimeout:       5 * time.Second,
			KeepAlive:            60 * time.Second,
			MaxReconnectInterval: 2 * time.Minute,
			RemoteMaxInflight:    4,
		},
		RateLimit: RateLimitConfig{
			CommandsPerMinute: 20,
			UploadsPerMinute:  10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then TMUXGATE_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if strings.TrimSpace(c.FilesRoot) == "" {
		errs = append(errs, errors.New("files_root is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.Session.Name) == "" {
		errs = append(errs, errors.New("session.name is required"))
	}
	if c.Session.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("session.dispatch_timeout must be positive"))
	}
	switch c.Command.Mode {
	case "denylist":
	case "allowlist":
		if len(c.Command.AllowPrefixes) == 0 {
			errs = append(errs, errors.New("command.allow_prefixes is required in allowlist mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("command.mode must be denylist or allowlist, got %q", c.Command.Mode))
	}
	if c.Command.MaxLength <= 0 {
		errs = append(errs, errors.New("command.max_length must be positive"))
	}
	if c.Files.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("files.max_upload_bytes must be positive"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if !c.Auth.Disabled && len(c.Auth.Tokens) == 0 {
		errs = append(errs, errors.New("auth.tokens is required unless auth.disabled is set"))
	}
	if c.MQTT.Enabled {
		if err := c.MQTT.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MQTTConfig) validate() error {
	if strings.TrimSpace(m.Broker) == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	u, err := url.Parse(m.Broker)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt.broker must be a URL like ssl://host:8883")
	}
	if m.RequireTLS && !IsTLSScheme(u.Scheme) {
		return fmt.Errorf("mqtt.require_tls is set but broker scheme %q is not encrypted", u.Scheme)
	}
	if m.QoS > 1 {
		return errors.New("mqtt.qos must be 0 or 1")
	}
	if m.RemoteControl && m.RemoteMaxInflight <= 0 {
		return errors.New("mqtt.remote_max_inflight must be positive when remote_control is set")
	}
	return nil
}

// IsTLSScheme reports whether a paho broker URL scheme implies TLS.
func IsTLSScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		return true
	default:
		return false
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "tmuxgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tmuxgate"
	}
	return filepath.Join(home, ".local", "state", "tmuxgate")
}
