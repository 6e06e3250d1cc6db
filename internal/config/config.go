// Package config loads the application configuration from a YAML file
// with environment variable overrides (CHATWIRE_ prefix, `__` as the
// section separator, e.g. CHATWIRE_SERVER__ADDR).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CHATWIRE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Queue     QueueConfig     `koanf:"queue"`
	Worker    WorkerConfig    `koanf:"worker"`
	Inference InferenceConfig `koanf:"inference"`
	Registry  RegistryConfig  `koanf:"registry"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	MaxMessageSize int64         `koanf:"max_message_size"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type QueueConfig struct {
	Type         string        `koanf:"type"` // sqlite, memory
	Capacity     int           `koanf:"capacity"`
	Visibility   time.Duration `koanf:"visibility"`
	PollInterval time.Duration `koanf:"poll_interval"`
	SQLite       SQLiteConfig  `koanf:"sqlite"`
}

type WorkerConfig struct {
	Count              int           `koanf:"count"`
	Timeout            time.Duration `koanf:"timeout"`
	HistoryMaxMessages int           `koanf:"history_max_messages"`
	HistoryMaxTokens   int           `koanf:"history_max_tokens"`
}

type InferenceConfig struct {
	Type         string `koanf:"type"` // openai, script
	APIKey       string `koanf:"api_key"`
	Model        string `koanf:"model"`
	BaseURL      string `koanf:"base_url"`
	SystemPrompt string `koanf:"system_prompt"`
}

type RegistryConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// Load reads path (missing file is fine, env vars still apply) and
// returns the merged configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment variables override file values.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "./data/chatwire.db"
	}
	if c.Queue.Type == "" {
		c.Queue.Type = "memory"
	}
	if c.Queue.SQLite.Path == "" {
		c.Queue.SQLite.Path = "./data/queue.db"
	}
	if c.Worker.Count <= 0 {
		c.Worker.Count = 4
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = 2 * time.Minute
	}
	if c.Inference.Type == "" {
		c.Inference.Type = "script"
	}
	if c.Inference.Model == "" {
		c.Inference.Model = "gpt-4o-mini"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type %q: must be sqlite or memory", c.Storage.Type)
	}

	switch c.Queue.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("queue.type %q: must be sqlite or memory", c.Queue.Type)
	}

	switch c.Inference.Type {
	case "script":
	case "openai":
		if c.Inference.APIKey == "" {
			return fmt.Errorf("inference.api_key is required when inference.type is openai")
		}
	default:
		return fmt.Errorf("inference.type %q: must be openai or script", c.Inference.Type)
	}

	return nil
}
