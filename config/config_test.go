package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(writeConfig(t, `{}`))

	if cfg.Server.Address != ":10010" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Pipeline.ChunkSize != 1000 || cfg.Pipeline.ChunkOverlap != 200 {
		t.Errorf("chunking = %d/%d", cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
	}
	if cfg.Pipeline.RetrievalTopK != 5 {
		t.Errorf("retrieval_top_k = %d", cfg.Pipeline.RetrievalTopK)
	}
	if cfg.Vector.Collection != "chunks" || cfg.Vector.Dimensions != 1536 {
		t.Errorf("vector = %q/%d", cfg.Vector.Collection, cfg.Vector.Dimensions)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Timeout != time.Minute {
		t.Errorf("llm = %q timeout=%s", cfg.LLM.Provider, cfg.LLM.Timeout)
	}
	if cfg.Uploads.MaxSizeBytes != 50<<20 {
		t.Errorf("max_size_bytes = %d", cfg.Uploads.MaxSizeBytes)
	}
	if cfg.Cleanup.CronSpec != "0 3 * * *" || cfg.Cleanup.FailedTTL != 720*time.Hour {
		t.Errorf("cleanup = %q/%s", cfg.Cleanup.CronSpec, cfg.Cleanup.FailedTTL)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg := LoadConfig(writeConfig(t, `{
  "server": {"address": ":8081", "jwt_secret": "s3cret"},
  "storage": {"postgres": {"url": "postgres://u:p@db:5432/notes?sslmode=disable"}},
  "pipeline": {"chunk_size": 500, "chunk_overlap": 50},
  "llm": {"provider": "gemini"}
}`))

	if cfg.Server.Address != ":8081" || cfg.Server.JWTSecret != "s3cret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Pipeline.ChunkSize != 500 || cfg.Pipeline.ChunkOverlap != 50 {
		t.Errorf("chunking = %d/%d", cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil || dsn != "postgres://u:p@db:5432/notes?sslmode=disable" {
		t.Errorf("DSN = %q, %v", dsn, err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("NOTELOOM_SERVER_ADDRESS", ":7777")
	cfg := LoadConfig(writeConfig(t, `{}`))
	if cfg.Server.Address != ":7777" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
}

func TestPostgresDSNFromFields(t *testing.T) {
	p := PostgresConfig{User: "u", Password: "p", Host: "localhost", DBName: "notes"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if dsn != "postgres://u:p@localhost:5432/notes?sslmode=disable" {
		t.Errorf("dsn = %q", dsn)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Error("empty postgres config should error")
	}
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "localhost", Port: "6379"}
	if got := r.Addr(); got != "localhost:6379" {
		t.Errorf("Addr = %q", got)
	}
}
