package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "FEEDWEAVE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "FEEDWEAVE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp", typ: kBool, env: "FEEDWEAVE_SERVER_MCP",
		apply:   func(cfg *Config, v any) { cfg.Server.MCP = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCP },
	},
	{
		key: "server.public_url", typ: kString, env: "FEEDWEAVE_SERVER_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "FEEDWEAVE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "FEEDWEAVE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "FEEDWEAVE_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FEEDWEAVE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.memory_fallback", typ: kBool, env: "FEEDWEAVE_STORAGE_MEMORY_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Storage.MemoryFallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.MemoryFallback },
	},
	{
		key: "log.level", typ: kString, env: "FEEDWEAVE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "schedule.cron", typ: kString, env: "FEEDWEAVE_SCHEDULE_CRON",
		apply:   func(cfg *Config, v any) { cfg.Schedule.Cron = v.(string) },
		extract: func(cfg Config) any { return cfg.Schedule.Cron },
	},
	{
		key: "schedule.batch_limit", typ: kInt, env: "FEEDWEAVE_SCHEDULE_BATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Schedule.BatchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Schedule.BatchLimit },
	},
	{
		key: "schedule.fan_out", typ: kInt, env: "FEEDWEAVE_SCHEDULE_FAN_OUT",
		apply:   func(cfg *Config, v any) { cfg.Schedule.FanOut = v.(int) },
		extract: func(cfg Config) any { return cfg.Schedule.FanOut },
	},
	{
		key: "schedule.feed_timeout", typ: kDuration, env: "FEEDWEAVE_SCHEDULE_FEED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Schedule.FeedTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.FeedTimeout },
	},
	{
		key: "schedule.high_interval", typ: kDuration, env: "FEEDWEAVE_SCHEDULE_HIGH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Schedule.HighInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.HighInterval },
	},
	{
		key: "schedule.medium_interval", typ: kDuration, env: "FEEDWEAVE_SCHEDULE_MEDIUM_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Schedule.MediumInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.MediumInterval },
	},
	{
		key: "schedule.low_interval", typ: kDuration, env: "FEEDWEAVE_SCHEDULE_LOW_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Schedule.LowInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.LowInterval },
	},
	{
		key: "queue.poll_interval", typ: kDuration, env: "FEEDWEAVE_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "queue.drain_limit", typ: kInt, env: "FEEDWEAVE_QUEUE_DRAIN_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Queue.DrainLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.DrainLimit },
	},
	{
		key: "queue.concurrency", typ: kInt, env: "FEEDWEAVE_QUEUE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Queue.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Concurrency },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "FEEDWEAVE_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.daily_limit", typ: kInt, env: "FEEDWEAVE_QUEUE_DAILY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Queue.DailyLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.DailyLimit },
	},
	{
		key: "queue.rate_limit", typ: kFloat, env: "FEEDWEAVE_QUEUE_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Queue.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Queue.RateLimit },
	},
	{
		key: "clustering.cron", typ: kString, env: "FEEDWEAVE_CLUSTERING_CRON",
		apply:   func(cfg *Config, v any) { cfg.Clustering.Cron = v.(string) },
		extract: func(cfg Config) any { return cfg.Clustering.Cron },
	},
	{
		key: "clustering.sweep_cron", typ: kString, env: "FEEDWEAVE_CLUSTERING_SWEEP_CRON",
		apply:   func(cfg *Config, v any) { cfg.Clustering.SweepCron = v.(string) },
		extract: func(cfg Config) any { return cfg.Clustering.SweepCron },
	},
	{
		key: "clustering.window", typ: kDuration, env: "FEEDWEAVE_CLUSTERING_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Clustering.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Clustering.Window },
	},
	{
		key: "clustering.threshold", typ: kFloat, env: "FEEDWEAVE_CLUSTERING_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Clustering.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Clustering.Threshold },
	},
	{
		key: "clustering.min_sources", typ: kInt, env: "FEEDWEAVE_CLUSTERING_MIN_SOURCES",
		apply:   func(cfg *Config, v any) { cfg.Clustering.MinSources = v.(int) },
		extract: func(cfg Config) any { return cfg.Clustering.MinSources },
	},
	{
		key: "clustering.min_articles", typ: kInt, env: "FEEDWEAVE_CLUSTERING_MIN_ARTICLES",
		apply:   func(cfg *Config, v any) { cfg.Clustering.MinArticles = v.(int) },
		extract: func(cfg Config) any { return cfg.Clustering.MinArticles },
	},
	{
		key: "clustering.keyword_fallback", typ: kBool, env: "FEEDWEAVE_CLUSTERING_KEYWORD_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Clustering.KeywordFallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Clustering.KeywordFallback },
	},
	{
		key: "similar.threshold", typ: kFloat, env: "FEEDWEAVE_SIMILAR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Similar.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Similar.Threshold },
	},
	{
		key: "similar.top_k", typ: kInt, env: "FEEDWEAVE_SIMILAR_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Similar.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Similar.TopK },
	},
	{
		key: "similar.cache_ttl", typ: kDuration, env: "FEEDWEAVE_SIMILAR_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Similar.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Similar.CacheTTL },
	},
	{
		key: "redis.addr", typ: kString, env: "FEEDWEAVE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "FEEDWEAVE_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "FEEDWEAVE_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func (s keySpec) format(v any) string {
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return fmt.Sprintf("%v", v)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
