package triage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/knarr-net/thrall/internal/config"
)

// anthropicBackend classifies through the Anthropic Messages API. The
// client reads ANTHROPIC_API_KEY from the environment; usage counts from
// the last call are kept for cost accounting like the openai backend.
type anthropicBackend struct {
	client anthropic.Client
	model  string

	mu                   sync.Mutex
	lastPromptTokens     int
	lastCompletionTokens int
}

func newAnthropicBackend(cfg config.Config) *anthropicBackend {
	model := cfg.AnthropicModel
	if model == "" {
		model = "claude-haiku-4-5"
	}
	return &anthropicBackend{
		client: anthropic.NewClient(),
		model:  model,
	}
}

func (b *anthropicBackend) Name() string      { return "anthropic" }
func (b *anthropicBackend) ModelName() string { return b.model }

func (b *anthropicBackend) Available() bool {
	return os.Getenv("ANTHROPIC_API_KEY") != ""
}

// LastUsage returns the token counts from the most recent inference.
func (b *anthropicBackend) LastUsage() (promptTokens, completionTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPromptTokens, b.lastCompletionTokens
}

func (b *anthropicBackend) Infer(ctx context.Context, system, user string) (string, error) {
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: localMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	b.mu.Lock()
	b.lastPromptTokens = int(msg.Usage.InputTokens)
	b.lastCompletionTokens = int(msg.Usage.OutputTokens)
	b.mu.Unlock()

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}
