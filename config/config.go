package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service. It is loaded once at process
// start and passed into each component's constructor.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Search   SearchConfig   `mapstructure:"search"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig groups backing-store settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains relational store settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a Postgres connection string from either the URL or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains task-queue backend settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// UploadsConfig controls the uploaded-file store and validation limits.
type UploadsConfig struct {
	Dir          string `mapstructure:"dir"`
	MaxSizeBytes int64  `mapstructure:"max_size_bytes"`
}

// LLMConfig contains provider selection and per-provider settings.
type LLMConfig struct {
	Provider string        `mapstructure:"provider"` // openai or gemini
	OpenAI   OpenAIConfig  `mapstructure:"openai"`
	Gemini   GeminiConfig  `mapstructure:"gemini"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig contains OpenAI API settings.
type OpenAIConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	CompletionModel string  `mapstructure:"completion_model"`
	EmbeddingModel  string  `mapstructure:"embedding_model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"`
}

// GeminiConfig contains Gemini REST API settings.
type GeminiConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// VectorConfig contains vector index (Qdrant) settings.
type VectorConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PipelineConfig tunes the chunk/summarize/synthesize pipeline.
type PipelineConfig struct {
	ChunkSize          int           `mapstructure:"chunk_size"`    // tokens per chunk
	ChunkOverlap       int           `mapstructure:"chunk_overlap"` // tokens shared between neighbours
	SummaryConcurrency int           `mapstructure:"summary_concurrency"`
	SynthesisGroupSize int           `mapstructure:"synthesis_group_size"`
	SynthesisDirectMax int           `mapstructure:"synthesis_direct_max"`
	RetrievalTopK      int           `mapstructure:"retrieval_top_k"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	RetryMaxAttempts   int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMultiplier    float64       `mapstructure:"retry_multiplier"`
}

// SearchConfig controls the full-text note index.
type SearchConfig struct {
	IndexPath string `mapstructure:"index_path"`
}

// CleanupConfig controls the periodic stale-document sweep.
type CleanupConfig struct {
	CronSpec  string        `mapstructure:"cron_spec"`
	FailedTTL time.Duration `mapstructure:"failed_ttl"`
}

// LoadConfig loads config from file, with NOTELOOM_* env overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("uploads.dir", "uploads")
	viper.SetDefault("uploads.max_size_bytes", int64(50<<20))
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.openai.completion_model", "gpt-4o-mini")
	viper.SetDefault("llm.openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.openai.temperature", 0.2)
	viper.SetDefault("llm.openai.max_tokens", 4096)
	viper.SetDefault("llm.gemini.model", "gemini-2.5-flash")
	viper.SetDefault("llm.gemini.max_tokens", 8192)
	viper.SetDefault("vector.collection", "chunks")
	viper.SetDefault("vector.dimensions", 1536)
	viper.SetDefault("vector.timeout", "15s")
	viper.SetDefault("pipeline.chunk_size", 1000)
	viper.SetDefault("pipeline.chunk_overlap", 200)
	viper.SetDefault("pipeline.summary_concurrency", 4)
	viper.SetDefault("pipeline.synthesis_group_size", 10)
	viper.SetDefault("pipeline.synthesis_direct_max", 20)
	viper.SetDefault("pipeline.retrieval_top_k", 5)
	viper.SetDefault("pipeline.stage_timeout", "10m")
	viper.SetDefault("pipeline.retry_max_attempts", 3)
	viper.SetDefault("pipeline.retry_base_delay", "2s")
	viper.SetDefault("pipeline.retry_multiplier", 2.0)
	viper.SetDefault("search.index_path", "notes.bleve")
	viper.SetDefault("cleanup.cron_spec", "0 3 * * *")
	viper.SetDefault("cleanup.failed_ttl", "720h")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("NOTELOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; env vars and defaults can carry a full config
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return &cfg
}
