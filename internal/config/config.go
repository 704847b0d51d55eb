// Package config loads feedweave settings from a JSON file backend with
// FEEDWEAVE_* environment overrides.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Log        LogConfig
	Schedule   ScheduleConfig
	Queue      QueueConfig
	Clustering ClusteringConfig
	Similar    SimilarConfig
	Redis      RedisConfig
}

type ServerConfig struct {
	Host string
	Port int
	// MCP serves the MCP tools on stdio alongside the HTTP server.
	MCP bool
	// PublicURL is advertised as the link of /clusters.rss.
	PublicURL string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	// ChatModel titles and summarizes clusters. Empty disables summaries.
	ChatModel string
}

type StorageConfig struct {
	DataDir string
	// MemoryFallback opens an in-memory store when the data dir cannot be
	// opened. Everything is lost on exit.
	MemoryFallback bool
}

type LogConfig struct {
	Level string
}

type ScheduleConfig struct {
	Cron           string
	BatchLimit     int
	FanOut         int
	FeedTimeout    time.Duration
	HighInterval   time.Duration
	MediumInterval time.Duration
	LowInterval    time.Duration
}

type QueueConfig struct {
	PollInterval time.Duration
	DrainLimit   int
	Concurrency  int
	MaxAttempts  int
	DailyLimit   int
	RateLimit    float64
}

type ClusteringConfig struct {
	Cron            string
	SweepCron       string
	Window          time.Duration
	Threshold       float64
	MinSources      int
	MinArticles     int
	KeywordFallback bool
}

type SimilarConfig struct {
	Threshold float64
	TopK      int
	CacheTTL  time.Duration
}

type RedisConfig struct {
	// Addr enables the shared Redis cache when set. Empty keeps the cache
	// in process.
	Addr     string
	Password string
	DB       int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7780,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Schedule: ScheduleConfig{
			Cron:           "@every 5m",
			BatchLimit:     50,
			FanOut:         5,
			FeedTimeout:    30 * time.Second,
			HighInterval:   time.Hour,
			MediumInterval: 24 * time.Hour,
			LowInterval:    7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			PollInterval: 30 * time.Second,
			DrainLimit:   100,
			Concurrency:  4,
			MaxAttempts:  3,
		},
		Clustering: ClusteringConfig{
			Cron:        "@every 30m",
			SweepCron:   "@hourly",
			Window:      48 * time.Hour,
			Threshold:   0.60,
			MinSources:  3,
			MinArticles: 3,
		},
		Similar: SimilarConfig{
			Threshold: 0.7,
			TopK:      5,
			CacheTTL:  time.Hour,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/feedweave/config.json, then applies FEEDWEAVE_*
// environment variables on top.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Clustering.Threshold < 0 || c.Clustering.Threshold > 1 {
		return fmt.Errorf("clustering.threshold %v must be within [0, 1]", c.Clustering.Threshold)
	}
	if c.Similar.Threshold < 0 || c.Similar.Threshold > 1 {
		return fmt.Errorf("similar.threshold %v must be within [0, 1]", c.Similar.Threshold)
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"schedule.high_interval", c.Schedule.HighInterval},
		{"schedule.medium_interval", c.Schedule.MediumInterval},
		{"schedule.low_interval", c.Schedule.LowInterval},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
