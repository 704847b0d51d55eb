package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

// clearEnv blanks every FEEDWEAVE_* override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
	t.Setenv(tokenEnv, "")
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(writeTempConfig(t, "")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7780 || cfg.Addr() != "127.0.0.1:7780" {
		t.Errorf("Addr = %q, want 127.0.0.1:7780", cfg.Addr())
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Ollama.ChatModel != "" {
		t.Errorf("Ollama.ChatModel = %q, want summaries off by default", cfg.Ollama.ChatModel)
	}
	if cfg.Schedule.HighInterval != time.Hour || cfg.Schedule.MediumInterval != 24*time.Hour || cfg.Schedule.LowInterval != 168*time.Hour {
		t.Errorf("intervals = %v/%v/%v", cfg.Schedule.HighInterval, cfg.Schedule.MediumInterval, cfg.Schedule.LowInterval)
	}
	if cfg.Clustering.Window != 48*time.Hour || cfg.Clustering.Threshold != 0.60 || cfg.Clustering.MinSources != 3 {
		t.Errorf("clustering = %+v", cfg.Clustering)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Redis.Addr != "" || cfg.Storage.MemoryFallback {
		t.Errorf("redis/memory fallback should be off by default: %+v %+v", cfg.Redis, cfg.Storage)
	}
}

// TestFileBackend verifies every key type is read from the JSON file.
func TestFileBackend(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{
  "server.port": 8080,
  "server.mcp": true,
  "ollama.chat_model": "llama3.2",
  "storage.data_dir": "/tmp/feedweave-test",
  "schedule.high_interval": "30m",
  "queue.rate_limit": 2.5,
  "clustering.threshold": "0.75",
  "clustering.keyword_fallback": "true",
  "redis.addr": "localhost:6379"
}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 || !cfg.Server.MCP {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Ollama.ChatModel != "llama3.2" {
		t.Errorf("Ollama.ChatModel = %q", cfg.Ollama.ChatModel)
	}
	if cfg.Storage.DataDir != "/tmp/feedweave-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Schedule.HighInterval != 30*time.Minute {
		t.Errorf("Schedule.HighInterval = %v", cfg.Schedule.HighInterval)
	}
	if cfg.Queue.RateLimit != 2.5 {
		t.Errorf("Queue.RateLimit = %v", cfg.Queue.RateLimit)
	}
	if cfg.Clustering.Threshold != 0.75 || !cfg.Clustering.KeywordFallback {
		t.Errorf("clustering = %+v", cfg.Clustering)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"server.port": 8080, "clustering.window": "24h"}`)

	t.Setenv("FEEDWEAVE_SERVER_PORT", "9090")
	t.Setenv("FEEDWEAVE_CLUSTERING_WINDOW", "12h")
	t.Setenv("FEEDWEAVE_REDIS_PASSWORD", "hunter2")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Clustering.Window != 12*time.Hour {
		t.Errorf("Clustering.Window = %v, want 12h", cfg.Clustering.Window)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("Redis.Password not read from env")
	}
}

// TestSecretsIgnoredInFile verifies secret keys are only taken from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(writeTempConfig(t, `{"redis.password": "from-file"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Password != "" {
		t.Errorf("Redis.Password = %q, want secrets ignored in file", cfg.Redis.Password)
	}
}

// TestInvalidValuesKeepDefaults verifies unparsable values fall back to defaults.
func TestInvalidValuesKeepDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"schedule.high_interval": "soon", "server.mcp": "maybe"}`)
	t.Setenv("FEEDWEAVE_QUEUE_CONCURRENCY", "many")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Schedule.HighInterval != time.Hour || cfg.Server.MCP || cfg.Queue.Concurrency != 4 {
		t.Errorf("defaults not kept: %+v %+v %+v", cfg.Schedule, cfg.Server, cfg.Queue)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{"port", `{"server.port": 70000}`, "server.port"},
		{"threshold", `{"clustering.threshold": 1.5}`, "clustering.threshold"},
		{"similar threshold", `{"similar.threshold": -0.1}`, "similar.threshold"},
		{"zero interval", `{"schedule.low_interval": "0s"}`, "schedule.low_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := loadWith(newFileBackend(writeTempConfig(t, tt.file)))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestIntKeyRejectsFractions(t *testing.T) {
	clearEnv(t)
	if _, err := loadWith(newFileBackend(writeTempConfig(t, `{"queue.drain_limit": 2.5}`))); err == nil {
		t.Error("expected error for fractional integer")
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "")
	b := newFileBackend(path)

	if err := setKeyWith(b, "schedule.medium_interval", "90m"); err != nil {
		t.Fatalf("SetKey duration: %v", err)
	}
	if err := setKeyWith(b, "queue.daily_limit", "500"); err != nil {
		t.Fatalf("SetKey int: %v", err)
	}
	if err := setKeyWith(b, "clustering.keyword_fallback", "true"); err != nil {
		t.Fatalf("SetKey bool: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Schedule.MediumInterval != 90*time.Minute || cfg.Queue.DailyLimit != 500 || !cfg.Clustering.KeywordFallback {
		t.Errorf("reloaded = %+v %+v %+v", cfg.Schedule, cfg.Queue, cfg.Clustering)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSetKey_Errors(t *testing.T) {
	b := newFileBackend(writeTempConfig(t, ""))
	tests := []struct {
		key, value, want string
	}{
		{"no.such.key", "x", "unknown config key"},
		{"redis.password", "x", "cannot set secret"},
		{"server.port", "eighty", "invalid value"},
		{"clustering.window", "-1h", "invalid value"},
		{"similar.threshold", "high", "invalid value"},
	}
	for _, tt := range tests {
		err := setKeyWith(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("SetKey(%s, %s) = %v, want %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestShowAll(t *testing.T) {
	all := ShowAll(defaults())
	byKey := map[string]KeyInfo{}
	for _, k := range all {
		byKey[k.Key] = k
	}
	if _, ok := byKey["redis.password"]; ok {
		t.Error("ShowAll exposed a secret")
	}
	if got := byKey["clustering.window"].Value; got != "48h0m0s" {
		t.Errorf("clustering.window = %q, want 48h0m0s", got)
	}
	if got := byKey["schedule.high_interval"].EnvVar; got != "FEEDWEAVE_SCHEDULE_HIGH_INTERVAL" {
		t.Errorf("env var = %q", got)
	}
	if len(ValidKeys()) != len(all) {
		t.Errorf("ValidKeys = %d, ShowAll = %d", len(ValidKeys()), len(all))
	}
}

func TestGetAPIToken(t *testing.T) {
	clearEnv(t)
	store := fileSecrets{path: filepath.Join(t.TempDir(), "secrets.json")}

	first, err := GetAPIToken(store)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}
	second, err := GetAPIToken(store)
	if err != nil || second != first {
		t.Errorf("second call = %q, %v; want stored token", second, err)
	}
	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets mode = %v, want 0600", info.Mode().Perm())
	}

	t.Setenv(tokenEnv, "from-env")
	if tok, _ := GetAPIToken(store); tok != "from-env" {
		t.Errorf("token = %q, want env override", tok)
	}
}

func TestGetAPIToken_CorruptFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := GetAPIToken(fileSecrets{path: path}); err == nil {
		t.Error("expected error for corrupt secrets file")
	}
}
