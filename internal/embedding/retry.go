package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/recordsync/internal/storage"
)

// RetryPolicy bounds the caller-side retry of EmbedWithRetry.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
}

// EmbedWithRetry embeds text and retries provider and rate limit failures
// with exponential backoff. Invalid responses and vectors of the wrong
// dimension are returned at once.
func EmbedWithRetry(ctx context.Context, e Embedder, text string, policy RetryPolicy) ([]float32, error) {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}

	var vec []float32
	operation := func() error {
		v, err := e.Embed(ctx, text)
		if err != nil {
			if IsRetriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(v) != e.Dimension() {
			return backoff.Permanent(fmt.Errorf("%w: got %d, expected %d",
				storage.ErrDimensionMismatch, len(v), e.Dimension()))
		}
		vec = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxRetries)), ctx))
	return vec, err
}
