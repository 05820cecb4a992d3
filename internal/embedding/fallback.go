package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// FallbackEmbedder uses a primary embedder and retries a rate limited call
// once with a secondary model. Both must produce vectors of the same size.
type FallbackEmbedder struct {
	primary   Embedder
	secondary Embedder
	logger    *zap.Logger
}

var _ Embedder = (*FallbackEmbedder)(nil)

func NewFallbackEmbedder(primary, secondary Embedder, logger *zap.Logger) (*FallbackEmbedder, error) {
	if primary.Dimension() != secondary.Dimension() {
		return nil, fmt.Errorf("fallback model %s has dimension %d, primary %s has %d",
			secondary.Model(), secondary.Dimension(), primary.Model(), primary.Dimension())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackEmbedder{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With(zap.String("component", "embedding")),
	}, nil
}

func (f *FallbackEmbedder) Model() string  { return f.primary.Model() }
func (f *FallbackEmbedder) Dimension() int { return f.primary.Dimension() }

func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f.primary.Embed(ctx, text)
	if err == nil || !errors.Is(err, ErrRateLimited) {
		return vec, err
	}

	f.logger.Warn("primary model rate limited, switching to fallback",
		zap.String("primary", f.primary.Model()),
		zap.String("fallback", f.secondary.Model()))
	return f.secondary.Embed(ctx, text)
}
