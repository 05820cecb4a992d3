// Package query answers questions from the indexed records.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/embedding"
	"github.com/bull/recordsync/internal/storage"
)

const (
	DefaultTopK             = 5
	MaxTopK                 = 50
	DefaultMaxContextTokens = 16000
)

var ErrEmptyQuestion = errors.New("question is empty")

// NoMatchAnswer is returned without calling the chat model when nothing
// matches the question.
const NoMatchAnswer = "No matching records were found."

const systemPrompt = `You answer questions about a catalogue of records.
Use only the records given in the context. Cite record codes in brackets, e.g. [A123].
If the records do not contain the answer, say so.`

// Hit is a search result joined with its document.
type Hit struct {
	Code          string  `json:"code"`
	FileName      string  `json:"fileName"`
	Namespace     string  `json:"namespace"`
	Score         float64 `json:"score"`
	MetadataSmall string  `json:"metadata_small"`
	MetadataBig1  string  `json:"metadata_big_1,omitempty"`
	MetadataBig2  string  `json:"metadata_big_2,omitempty"`
	MetadataBig3  string  `json:"metadata_big_3,omitempty"`
}

// Answer is the result of Ask.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Model    string `json:"model,omitempty"`
	Sources  []Hit  `json:"sources"`
}

// Service embeds a question, retrieves the nearest records and, for Ask,
// lets a chat model answer from them.
type Service struct {
	embedder         embedding.Embedder
	vectors          storage.VectorStore
	docs             storage.DocumentStore
	chat             ChatModel
	maxContextTokens int
	logger           *zap.Logger
}

// NewService creates a query service. chat may be nil when only Search is
// used.
func NewService(embedder embedding.Embedder, vectors storage.VectorStore, docs storage.DocumentStore, chat ChatModel, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		embedder:         embedder,
		vectors:          vectors,
		docs:             docs,
		chat:             chat,
		maxContextTokens: DefaultMaxContextTokens,
		logger:           logger.With(zap.String("component", "query")),
	}
}

// Search returns the topK records nearest to question in namespace. An
// empty namespace searches every namespace.
func (s *Service) Search(ctx context.Context, question, namespace string, topK int) ([]Hit, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	topK = min(topK, MaxTopK)

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	matches, err := s.vectors.Query(ctx, vec, storage.Filter{Namespace: namespace}, topK)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	if len(matches) == 0 {
		return []Hit{}, nil
	}

	codes := make([]string, len(matches))
	for i, m := range matches {
		codes[i] = m.ID
	}
	records, err := s.docs.Find(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	byCode := make(map[string]storage.Record, len(records))
	for _, r := range records {
		byCode[r.Code] = r
	}

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		h := Hit{
			Code:          m.ID,
			FileName:      m.Metadata.FileName,
			Namespace:     m.Metadata.Namespace,
			Score:         m.Score,
			MetadataSmall: m.Metadata.MetadataSmall,
		}
		if r, ok := byCode[m.ID]; ok {
			h.MetadataSmall = r.MetadataSmall
			h.MetadataBig1 = r.MetadataBig1
			h.MetadataBig2 = r.MetadataBig2
			h.MetadataBig3 = r.MetadataBig3
		} else {
			s.logger.Debug("match has no document", zap.String("code", m.ID))
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Ask answers question from the nearest records.
func (s *Service) Ask(ctx context.Context, question, namespace string, topK int) (*Answer, error) {
	if s.chat == nil {
		return nil, errors.New("no chat model configured")
	}
	hits, err := s.Search(ctx, question, namespace, topK)
	if err != nil {
		return nil, err
	}
	answer := &Answer{Question: strings.TrimSpace(question), Sources: hits}
	if len(hits) == 0 {
		answer.Answer = NoMatchAnswer
		return answer, nil
	}

	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", s.truncateContext(buildContext(hits)), answer.Question)
	out, err := s.chat.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	answer.Answer = strings.TrimSpace(out)
	answer.Model = s.chat.Model()
	return answer, nil
}

func buildContext(hits []Hit) string {
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s] (%s)\n%s\n", h.Code, h.FileName, h.MetadataSmall)
		for _, big := range []string{h.MetadataBig1, h.MetadataBig2, h.MetadataBig3} {
			if big != "" {
				b.WriteString(big)
				b.WriteByte('\n')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// truncateContext keeps the context within the token budget.
// Uses rough estimate of 4 characters per token.
func (s *Service) truncateContext(content string) string {
	maxChars := s.maxContextTokens * 4
	if len(content) <= maxChars {
		return content
	}
	s.logger.Warn("truncating context",
		zap.Int("from_chars", len(content)), zap.Int("to_chars", maxChars))
	return content[:maxChars]
}
