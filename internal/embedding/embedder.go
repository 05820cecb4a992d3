package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the vector dimension for text-embedding-3-small.
	DefaultDimension = 1536

	// DefaultTimeout bounds a single embedding request.
	DefaultTimeout = 30 * time.Second
)

// Embedder turns text into a fixed-length vector. Implementations do not
// retry; retry policy belongs to the caller.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// RecordText is the text embedded for a record at ingestion and repair time.
func RecordText(code, metadataSmall string) string {
	return code + "\n" + metadataSmall
}

// Config configures an OpenAIEmbedder.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
	// RequestsPerSecond caps calls to the provider; zero means no cap.
	RequestsPerSecond float64
}

// OpenAIEmbedder embeds single texts through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	timeout   time.Duration
	limiter   *rate.Limiter
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder. SDK internal retries are disabled so
// that every failure reaches the caller classified.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	e := &OpenAIEmbedder{
		client:    &client,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		timeout:   cfg.Timeout,
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return e, nil
}

// Client returns the underlying OpenAI client so the query path can share it.
func (e *OpenAIEmbedder) Client() *openai.Client {
	return e.client
}

func (e *OpenAIEmbedder) Model() string  { return e.model }
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed returns the embedding of text. Provider errors are always *Failure;
// a context that ends while waiting for the rate limiter is returned as is.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, Classify(e.model, err)
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &Failure{Kind: KindInvalidResponse, Model: e.model, Err: errors.New("empty embedding payload")}
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// rateLimitCodes are provider error codes signalling resource exhaustion
// even when the status is not 429.
var rateLimitCodes = []string{"rate_limit_exceeded", "insufficient_quota", "resource_exhausted"}

// Classify maps OpenAI error shapes onto a Failure. It is shared by every
// adapter that talks to the provider.
func Classify(model string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		f := &Failure{Kind: KindProvider, Model: model, StatusCode: apiErr.StatusCode, Err: err}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			f.Kind = KindRateLimited
		case isRateLimitCode(apiErr.Code) || isRateLimitCode(apiErr.Type) || mentionsRateLimitCode(err.Error()):
			f.Kind = KindRateLimited
		case apiErr.StatusCode >= 500:
			f.Kind = KindProvider
		case apiErr.StatusCode >= 400:
			// Bad requests will not get better on retry.
			f.Kind = KindInvalidResponse
		}
		return f
	}

	// A body that does not decode surfaces as a plain error from the SDK.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Failure{Kind: KindInvalidResponse, Model: model, Err: err}
	}
	return &Failure{Kind: KindProvider, Model: model, Err: fmt.Errorf("request failed: %w", err)}
}

func isRateLimitCode(code string) bool {
	return slices.Contains(rateLimitCodes, strings.ToLower(code))
}

// mentionsRateLimitCode inspects the raw error body, which is where some
// gateways put the quota code.
func mentionsRateLimitCode(msg string) bool {
	for _, c := range rateLimitCodes {
		if strings.Contains(msg, c) {
			return true
		}
	}
	return false
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
