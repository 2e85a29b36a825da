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

// availabilityTTL bounds how often the ollama backend probes /api/tags.
const availabilityTTL = 60 * time.Second

// ollamaBackend calls a local or LAN ollama server over HTTP. Zero cost,
// short timeout, availability probed at most once per availabilityTTL.
type ollamaBackend struct {
	url    string
	model  string
	client *http.Client

	mu          sync.Mutex
	available   *bool
	availableAt time.Time
}

func newOllamaBackend(cfg config.Config) *ollamaBackend {
	url := cfg.OllamaURL
	if url == "" {
		url = "http://localhost:11434"
	}
	model := cfg.OllamaModel
	if model == "" {
		model = "gemma3:1b"
	}
	timeout := cfg.OllamaTimeoutSeconds
	if timeout < 1 {
		timeout = 5
	}
	return &ollamaBackend{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (b *ollamaBackend) Name() string      { return "ollama" }
func (b *ollamaBackend) ModelName() string { return b.model }

func (b *ollamaBackend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.available != nil && now.Sub(b.availableAt) < availabilityTTL {
		return *b.available
	}

	probe := &http.Client{Timeout: 3 * time.Second}
	ok := false
	if resp, err := probe.Get(b.url + "/api/tags"); err == nil {
		resp.Body.Close() //nolint:errcheck
		ok = resp.StatusCode == http.StatusOK
	}
	b.available = &ok
	b.availableAt = now
	return ok
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format"`
	Messages []chatMessage  `json:"messages"`
	Options  map[string]any `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}

func (b *ollamaBackend) Infer(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(ollamaChatRequest{
		Model:  b.model,
		Stream: false,
		Format: "json",
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Options: map[string]any{
			"temperature": 0.1,
			"num_predict": localMaxTokens,
			"num_ctx":     localContextSize,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama status %d", resp.StatusCode)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}

	// A successful chat doubles as an availability proof.
	b.mu.Lock()
	ok := true
	b.available = &ok
	b.availableAt = time.Now()
	b.mu.Unlock()

	return out.Message.Content, nil
}
