package runtime

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/blob"
	"github.com/noteloom/noteloom/internal/llm"
	"github.com/noteloom/noteloom/internal/pipeline"
	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/search"
	"github.com/noteloom/noteloom/internal/store"
	"github.com/noteloom/noteloom/internal/vector"
)

// Option adjusts which backends BuildServices wires up.
type Option func(*buildOptions)

type buildOptions struct {
	search bool
}

// WithSearchIndex opens the full-text note index. Bleve holds an
// exclusive lock on its directory, so only one process may take this
// option; the API server does, the worker reaches notes through
// Postgres alone.
func WithSearchIndex() Option {
	return func(o *buildOptions) { o.search = true }
}

// Services holds the shared backends wired from config, used by both the
// API server and the worker.
type Services struct {
	Store     *store.Store
	Redis     *redis.Client
	Publisher *streams.Publisher
	Provider  llm.Provider
	Embedder  llm.Provider
	Vector    *vector.Index
	Blob      *blob.Store
	Search    *search.Index
	Pipeline  *pipeline.Pipeline
	Secret    []byte
}

// BuildServices connects every backend and assembles the pipeline.
func BuildServices(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...Option) (*Services, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	// Embeddings always go through OpenAI regardless of the completion
	// provider.
	embedder := llm.NewOpenAIClient(cfg.LLM.OpenAI, cfg.LLM.Timeout)

	vix, err := vector.New(cfg.Vector)
	if err != nil {
		return nil, err
	}
	if err := vix.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("vector collection: %w", err)
	}

	files, err := blob.New(cfg.Uploads.Dir)
	if err != nil {
		return nil, err
	}
	var idx *search.Index
	if bo.search {
		idx, err = search.Open(cfg.Search.IndexPath)
		if err != nil {
			return nil, err
		}
	}

	secret, err := LoadJWTSecret(cfg)
	if err != nil {
		return nil, err
	}

	publisher := streams.NewPublisher(rdb)
	pipe := &pipeline.Pipeline{
		Store:     st,
		Blob:      files,
		Vector:    vix,
		Provider:  provider,
		Embedder:  embedder,
		Publisher: publisher,
		Search:    idx,
		Logger:    logger,
		Cfg:       cfg.Pipeline,
		Retry:     pipeline.RetryPolicyFromConfig(cfg.Pipeline),
	}

	return &Services{
		Store:     st,
		Redis:     rdb,
		Publisher: publisher,
		Provider:  provider,
		Embedder:  embedder,
		Vector:    vix,
		Blob:      files,
		Search:    idx,
		Pipeline:  pipe,
		Secret:    secret,
	}, nil
}

// Close releases backend connections.
func (s *Services) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Store != nil && s.Store.DB != nil {
		_ = s.Store.DB.Close()
	}
	if s.Search != nil {
		_ = s.Search.Close()
	}
}
