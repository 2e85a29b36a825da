// Package admin exposes the guard's operator surface: the prompt registry
// (list, get, load), manual breaker trips, and recent-classification
// review. Validation happens here, server-side, so a misbehaving admin
// client cannot push a broken prompt into the live read path.
package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/knarr-net/thrall/internal/guard"
	"github.com/knarr-net/thrall/internal/store"
	"github.com/knarr-net/thrall/internal/triage"
)

// GuardControl is the slice of the guard the admin surface needs.
type GuardControl interface {
	ReloadPrompt()
	ActivePromptHash() string
	TripBreaker(kind, target, reason string, autoExpire time.Duration) error
}

// Registry wires admin operations to the store and the live guard.
type Registry struct {
	st *store.Store
	g  GuardControl
}

func NewRegistry(st *store.Store, g GuardControl) *Registry {
	return &Registry{st: st, g: g}
}

// ListPrompts returns every registered prompt, ordered by name.
func (r *Registry) ListPrompts() ([]store.Prompt, error) {
	return r.st.ListPrompts()
}

// GetPrompt returns the active version of a named prompt, or nil.
func (r *Registry) GetPrompt(name string) (*store.Prompt, error) {
	return r.st.GetPrompt(name)
}

// LoadPrompt validates and installs a new prompt version, attributes it to
// the caller's node prefix, and synchronously reloads the guard so the new
// prompt is live before the call returns. Returns the new prompt hash.
func (r *Registry) LoadPrompt(name, content, callerNode string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("prompt content is empty")
	}
	if !strings.Contains(content, "{tier}") {
		return "", fmt.Errorf("prompt must contain the {tier} placeholder")
	}

	pushedBy := guard.SafePrefix(callerNode)
	hash := triage.PromptHash(content)

	if err := r.st.UpsertPrompt(name, content, hash, pushedBy); err != nil {
		return "", fmt.Errorf("store prompt %q: %w", name, err)
	}

	if r.g != nil {
		r.g.ReloadPrompt()
	}
	return hash, nil
}

// TripBreaker manually blocks a target. Target validation (global or hex
// prefix) is enforced by the guard.
func (r *Registry) TripBreaker(kind, target, reason string, autoExpireSeconds int) error {
	if r.g == nil {
		return fmt.Errorf("guard not running")
	}
	if kind != "global" && kind != "node" {
		return fmt.Errorf("breaker type must be global or node, got %q", kind)
	}
	return r.g.TripBreaker(kind, target, reason, time.Duration(autoExpireSeconds)*time.Second)
}

// RecentClassifications returns the newest classification rows.
func (r *Registry) RecentClassifications(limit int) ([]store.Classification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return r.st.RecentClassifications(limit)
}
