package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mpataki/forge/internal/models"
)

const (
	BackendClaude = "claude"
	BackendOpenAI = "openai"
)

type Config struct {
	DataDir   string `env:"FORGE_DATA_DIR" envDefault:".forge"`
	Workspace string `env:"FORGE_WORKSPACE" envDefault:"workspace"`

	Backend        string        `env:"FORGE_BACKEND" envDefault:"claude"`
	ClaudeBin      string        `env:"FORGE_CLAUDE_BIN" envDefault:"claude"`
	Model          string        `env:"FORGE_MODEL"`
	OpenAIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"FORGE_OPENAI_BASE_URL"`
	BackendTimeout time.Duration `env:"FORGE_BACKEND_TIMEOUT" envDefault:"120s"`

	TestTimeout time.Duration `env:"FORGE_TEST_TIMEOUT" envDefault:"300s"`
	MaxRetries  int           `env:"FORGE_MAX_RETRIES" envDefault:"5"`
	LogLevel    string        `env:"FORGE_LOG_LEVEL" envDefault:"info"`
}

// New loads configuration from the environment. Relative directories are
// resolved against the current working directory.
func New() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	var err error
	if c.DataDir, err = filepath.Abs(c.DataDir); err != nil {
		return nil, err
	}
	if c.Workspace, err = filepath.Abs(c.Workspace); err != nil {
		return nil, err
	}

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend != BackendClaude && c.Backend != BackendOpenAI {
		return nil, fmt.Errorf("FORGE_BACKEND must be %q or %q, got %q", BackendClaude, BackendOpenAI, c.Backend)
	}

	c.TestTimeout = models.ClampTestTimeout(c.TestTimeout)
	c.MaxRetries = models.ClampRetries(c.MaxRetries)

	if _, err := c.SlogLevel(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.LogsDir(), 0755); err != nil {
		return err
	}
	return nil
}

// RecordDir holds run.json and its staged sibling.
func (c *Config) RecordDir() string {
	return c.DataDir
}

func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("FORGE_LOG_LEVEL: %w", err)
	}
	return level, nil
}
