package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/knarr-net/thrall/internal/config"
)

// openAIBackend talks to any OpenAI-compatible chat completion API. URLs
// pointing at Gemini's OpenAI-compat host are detected by substring and use
// the generateContent payload shape instead. Token usage from the last call
// is kept for cost accounting.
type openAIBackend struct {
	url    string
	model  string
	apiKey string
	client *http.Client

	mu                   sync.Mutex
	lastPromptTokens     int
	lastCompletionTokens int
}

func newOpenAIBackend(cfg config.Config) *openAIBackend {
	url := cfg.OpenAIURL
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	model := cfg.OpenAIModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.OpenAITimeoutSeconds
	if timeout < 1 {
		timeout = 10
	}
	return &openAIBackend{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		apiKey: cfg.OpenAIKey,
		client: &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (b *openAIBackend) Name() string      { return "openai" }
func (b *openAIBackend) ModelName() string { return b.model }

func (b *openAIBackend) Available() bool { return b.apiKey != "" }

// LastUsage returns the token counts from the most recent inference.
func (b *openAIBackend) LastUsage() (promptTokens, completionTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPromptTokens, b.lastCompletionTokens
}

func (b *openAIBackend) setUsage(prompt, completion int) {
	b.mu.Lock()
	b.lastPromptTokens = prompt
	b.lastCompletionTokens = completion
	b.mu.Unlock()
}

func (b *openAIBackend) isGeminiURL() bool {
	return strings.Contains(b.url, "generativelanguage.googleapis.com")
}

func (b *openAIBackend) Infer(ctx context.Context, system, user string) (string, error) {
	if b.isGeminiURL() {
		return b.inferGemini(ctx, system, user)
	}
	return b.inferOpenAI(ctx, system, user)
}

func (b *openAIBackend) inferOpenAI(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model": b.model,
		"messages": []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature":     0.1,
		"max_tokens":      localMaxTokens,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}

	b.setUsage(out.Usage.PromptTokens, out.Usage.CompletionTokens)

	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (b *openAIBackend) inferGemini(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": user}}},
		},
		"systemInstruction": map[string]any{
			"parts": []map[string]string{{"text": system}},
		},
		"generationConfig": map[string]any{
			"temperature":      0.1,
			"maxOutputTokens":  localMaxTokens,
			"responseMimeType": "application/json",
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.url, b.model, b.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}

	b.setUsage(out.UsageMetadata.PromptTokenCount, out.UsageMetadata.CandidatesTokenCount)

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
