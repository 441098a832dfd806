package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/noteloom/noteloom/config"
)

// Result is the outcome of a single generation call.
type Result struct {
	Text       string
	Provider   string
	Model      string
	TokensUsed int
}

// Provider is the capability surface the pipeline needs from an LLM vendor.
// Concrete adapters are selected once at startup.
type Provider interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, maxTokens int) (Result, error)

	// GenerateStream produces a completion, invoking emit for each text delta
	// as it arrives. Adapters without native streaming may emit once.
	GenerateStream(ctx context.Context, prompt string, maxTokens int, emit func(delta string) error) (Result, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider identifier stored with generated artifacts.
	Name() string
}

// TransientError marks an upstream failure worth retrying (rate limits,
// timeouts, 5xx). Everything else is treated as fatal by the retry wrapper.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// statusTransient classifies an HTTP status from an upstream LLM API.
func statusTransient(code int) bool {
	return code == 429 || code >= 500
}

// NewProvider builds the configured adapter.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("llm.openai.api_key not configured")
		}
		return NewOpenAIClient(cfg.OpenAI, timeout), nil
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, errors.New("llm.gemini.api_key not configured")
		}
		return NewGeminiClient(cfg.Gemini, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}
