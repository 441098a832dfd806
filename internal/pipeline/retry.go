package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/llm"
)

// RetryPolicy bounds retries of transient upstream failures with exponential
// backoff. Fatal errors and exhausted attempts surface immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the pipeline's configured defaults.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}

// RetryPolicyFromConfig builds the policy from pipeline settings.
func RetryPolicyFromConfig(cfg config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
	}.normalize()
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	return p
}

// Do invokes fn until it succeeds, fails fatally, or attempts run out.
// Only errors classified transient by the llm package are retried.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	p = p.normalize()
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !llm.IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, err)
}
