package triage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/knarr-net/thrall/internal/config"
)

// Backend is the common contract for model integrations. Infer returns raw
// model text; the classifier owns JSON parsing and validation.
type Backend interface {
	Infer(ctx context.Context, system, user string) (string, error)
	Available() bool
	Name() string
	ModelName() string
}

// UsageReporter is implemented by hosted backends that report token usage
// so callers can account for cost.
type UsageReporter interface {
	LastUsage() (promptTokens, completionTokens int)
}

// NewBackend constructs the backend named in the configuration.
func NewBackend(cfg config.Config) (Backend, error) {
	switch cfg.Backend {
	case "local":
		return newLocalBackend(cfg), nil
	case "ollama":
		return newOllamaBackend(cfg), nil
	case "openai":
		return newOpenAIBackend(cfg), nil
	case "anthropic":
		return newAnthropicBackend(cfg), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// The shared backend is process-wide: the local model is hundreds of
// megabytes and must be constructed once, and the HTTP backends carry
// availability caches worth sharing. Construction is double-checked so the
// fast path takes no lock.
type backendBox struct {
	b Backend
}

var (
	sharedMu sync.Mutex
	shared   atomic.Pointer[backendBox]
)

// SharedBackend returns the process-wide backend, constructing it on first
// use from the given configuration. Later calls ignore the configuration
// and return the existing instance.
func SharedBackend(cfg config.Config) (Backend, error) {
	if box := shared.Load(); box != nil {
		return box.b, nil
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if box := shared.Load(); box != nil {
		return box.b, nil
	}
	b, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	shared.Store(&backendBox{b: b})
	return b, nil
}

// ResetSharedBackend drops the process-wide backend. Test hook.
func ResetSharedBackend() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared.Store(nil)
}
