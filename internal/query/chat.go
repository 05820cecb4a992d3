package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/embedding"
)

const (
	DefaultChatModel         = "gpt-4o-mini"
	DefaultFallbackChatModel = "gpt-4o"
	DefaultChatTimeout       = 60 * time.Second
)

// ChatModel answers a prompt.
type ChatModel interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// OpenAIChat is a ChatModel backed by chat completions. Errors are
// normalized like embedding errors.
type OpenAIChat struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIChat(client *openai.Client, model string, timeout time.Duration) *OpenAIChat {
	if model == "" {
		model = DefaultChatModel
	}
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}
	return &OpenAIChat{client: client, model: model, timeout: timeout}
}

func (c *OpenAIChat) Model() string { return c.model }

func (c *OpenAIChat) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model: openai.ChatModel(c.model),
	})
	if err != nil {
		return "", embedding.Classify(c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", &embedding.Failure{Kind: embedding.KindInvalidResponse, Model: c.model, Err: errors.New("no choices in completion")}
	}
	return resp.Choices[0].Message.Content, nil
}

// FallbackChat retries a rate limited prompt on a secondary model.
type FallbackChat struct {
	primary   ChatModel
	secondary ChatModel
	logger    *zap.Logger
}

func NewFallbackChat(primary, secondary ChatModel, logger *zap.Logger) *FallbackChat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackChat{primary: primary, secondary: secondary, logger: logger}
}

func (f *FallbackChat) Model() string { return f.primary.Model() }

func (f *FallbackChat) Complete(ctx context.Context, system, user string) (string, error) {
	out, err := f.primary.Complete(ctx, system, user)
	if err == nil || !errors.Is(err, embedding.ErrRateLimited) {
		return out, err
	}
	f.logger.Warn("chat model rate limited, using fallback",
		zap.String("model", f.primary.Model()),
		zap.String("fallback", f.secondary.Model()),
		zap.Error(err))

	out, ferr := f.secondary.Complete(ctx, system, user)
	if ferr != nil {
		return "", fmt.Errorf("fallback %s: %w", f.secondary.Model(), ferr)
	}
	return out, nil
}
