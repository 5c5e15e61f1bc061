// Package normalize maps a provider result into the caller-facing
// chat.completion schema and computes usage counters.
package normalize

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyfleet/keyfleet/internal/domain"
)

// TokenCounter approximates token counts. The default whitespace split is
// deliberately rough; swap in a real tokenizer here if callers ever need
// parity with a specific provider's accounting.
type TokenCounter interface {
	Count(text string) int
}

type WhitespaceCounter struct{}

func (WhitespaceCounter) Count(text string) int {
	return len(strings.Fields(text))
}

type Normalizer struct {
	counter TokenCounter
}

func New(counter TokenCounter) *Normalizer {
	if counter == nil {
		counter = WhitespaceCounter{}
	}
	return &Normalizer{counter: counter}
}

// Normalize builds the canonical response for a generated text. The id and
// timestamp are synthesized; finish_reason is always "stop".
func (n *Normalizer) Normalize(text string, req domain.ChatRequest) *domain.ChatResponse {
	var prompt strings.Builder
	for i, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		if i > 0 {
			prompt.WriteString(" ")
		}
		prompt.WriteString(m.Content)
	}

	promptTokens := n.counter.Count(prompt.String())
	completionTokens := n.counter.Count(text)

	return &domain.ChatResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: text,
				},
				FinishReason: "stop",
			},
		},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}
