// Package config loads client and server settings: defaults, then an
// optional YAML file, then FIELDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig настройки цикла синхронизации клиента
type SyncConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	Interval    time.Duration `yaml:"interval"`
}

// Client настройки CLI клиента
type Client struct {
	ServerURL string     `yaml:"server_url"`
	DBPath    string     `yaml:"db_path"`
	SurveyID  string     `yaml:"survey_id"` // survey по умолчанию для list и run
	LogLevel  string     `yaml:"log_level"`
	Sync      SyncConfig `yaml:"sync"`
}

// Server настройки сервера документов
type Server struct {
	Addr         string        `yaml:"addr"`
	DBPath       string        `yaml:"db_path"`
	JWTSecret    string        `yaml:"jwt_secret"`
	LogLevel     string        `yaml:"log_level"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	PingInterval time.Duration `yaml:"ping_interval"`
	LoginRate    float64       `yaml:"login_rate"`  // попыток входа в секунду с одного адреса
	LoginBurst   int           `yaml:"login_burst"` // запас попыток
}

// DefaultClient returns the client defaults
func DefaultClient() *Client {
	return &Client{
		ServerURL: "http://localhost:8080",
		DBPath:    "fieldsync-client.db",
		LogLevel:  "warn",
		Sync: SyncConfig{
			BatchSize:   100,
			MaxRetries:  5,
			BackoffBase: time.Second,
			BackoffMax:  5 * time.Minute,
			Interval:    30 * time.Second,
		},
	}
}

// DefaultServer returns the server defaults
func DefaultServer() *Server {
	return &Server{
		Addr:         ":8080",
		DBPath:       "fieldsync.db",
		LogLevel:     "info",
		TokenTTL:     24 * time.Hour,
		PingInterval: 30 * time.Second,
		LoginRate:    1,
		LoginBurst:   5,
	}
}

// LoadClient reads client settings. An empty path skips the file.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	envString("FIELDSYNC_SERVER_URL", &cfg.ServerURL)
	envString("FIELDSYNC_DB", &cfg.DBPath)
	envString("FIELDSYNC_SURVEY", &cfg.SurveyID)
	envString("FIELDSYNC_LOG_LEVEL", &cfg.LogLevel)
	if err := envInt("FIELDSYNC_SYNC_BATCH_SIZE", &cfg.Sync.BatchSize); err != nil {
		return nil, err
	}
	if err := envDuration("FIELDSYNC_SYNC_INTERVAL", &cfg.Sync.Interval); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the client settings
func (c *Client) Validate() error {
	switch {
	case c.ServerURL == "":
		return errors.New("server url is required")
	case !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://"):
		return fmt.Errorf("server url %q must start with http:// or https://", c.ServerURL)
	case c.DBPath == "":
		return errors.New("database path is required")
	case c.Sync.BatchSize < 0 || c.Sync.MaxRetries < 0:
		return errors.New("sync batch size and retries must not be negative")
	}
	return nil
}

// LoadServer reads server settings. An empty path skips the file.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	envString("FIELDSYNC_SERVER_ADDR", &cfg.Addr)
	envString("FIELDSYNC_SERVER_DB", &cfg.DBPath)
	envString("FIELDSYNC_JWT_SECRET", &cfg.JWTSecret)
	envString("FIELDSYNC_LOG_LEVEL", &cfg.LogLevel)
	if err := envDuration("FIELDSYNC_TOKEN_TTL", &cfg.TokenTTL); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the server settings
func (s *Server) Validate() error {
	switch {
	case s.Addr == "":
		return errors.New("listen address is required")
	case s.DBPath == "":
		return errors.New("database path is required")
	case len(s.JWTSecret) < 32:
		return errors.New("jwt secret must be at least 32 bytes")
	case s.TokenTTL <= 0:
		return errors.New("token ttl must be positive")
	}
	return nil
}

// ParseLevel converts a level name to slog.Level, defaulting to info
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func readFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
