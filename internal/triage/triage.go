// Package triage classifies inbound peer-to-peer messages with a small
// language model. It resolves the sender's trust tier, renders the active
// prompt, calls the configured backend, and validates the returned action,
// falling back to a tier-derived default when the model misbehaves.
package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/knarr-net/thrall/internal/config"
)

// DefaultSystemPrompt is the hardcoded triage prompt installed when no
// operator-pushed prompt is active. The {tier} placeholder is substituted
// with the resolved trust tier at classification time.
const DefaultSystemPrompt = `You classify inbound P2P messages. Reply with exactly one JSON object.
Valid actions: drop, wake, reply.
- drop: spam, noise, single-word messages, gibberish,
        AND acknowledgments ("got it", "thanks", "received", "logged",
        "noted", "will do", "cheers") — these are terminal, no reply needed
- wake: legitimate questions, collaboration requests, technical discussions,
        explicit requests for action
- reply: simple greetings, status checks ("hello", "is your node online?")
Sender trust: {tier}. For unknown senders, prefer drop unless clearly legitimate.

Output format: {"action":"drop"|"wake"|"reply","reason":"brief explanation"}

Examples:
Message: "hey" -> {"action":"drop","reason":"single word, no content"}
Message: "Can you run digest-voice on this topic?" -> {"action":"wake","reason":"skill request"}
Message: "Hello, is your node online?" -> {"action":"reply","reason":"status check greeting"}
Message: "Thanks for the update!" -> {"action":"drop","reason":"acknowledgment, terminal"}
Message: "Received, logged it." -> {"action":"drop","reason":"ack, no reply needed"}`

// maxBodyChars caps the user text sent to the model.
const maxBodyChars = 800

// Decision is the outcome of one triage call.
type Decision struct {
	Action     string // drop, wake, reply
	Reason     string
	Tier       string // team, known, unknown
	WallMS     int64
	Reasoning  string
	PromptHash string
}

// tierEntry is one resolved trust tier with its matching prefixes.
type tierEntry struct {
	name     string
	prefixes []string
}

// Classifier performs tier resolution and model-backed classification.
// One Classifier is owned by the guard; the backend behind it is the
// process-wide singleton unless a test injects its own.
type Classifier struct {
	tiers    []tierEntry
	fallback string
	cfg      config.Config
	backend  Backend // nil until first use; tests may preset it
}

// NewClassifier builds a Classifier from the operator configuration.
// The backend is resolved lazily on the first non-team classification.
func NewClassifier(cfg config.Config) *Classifier {
	return &Classifier{
		tiers:    orderTiers(cfg.TrustTiers),
		fallback: cfg.Fallback,
		cfg:      cfg,
	}
}

// NewClassifierWithBackend builds a Classifier bound to an explicit backend,
// bypassing the process-wide singleton. Used by tests and by hosts that
// manage backend lifecycle themselves.
func NewClassifierWithBackend(cfg config.Config, b Backend) *Classifier {
	c := NewClassifier(cfg)
	c.backend = b
	return c
}

// orderTiers flattens the tier map into a deterministic match order:
// team first, then known, then any remaining tiers alphabetically. Go maps
// iterate in random order, so matching directly over the map would make
// overlapping prefixes resolve differently run to run.
func orderTiers(tiers map[string][]string) []tierEntry {
	var out []tierEntry
	for _, name := range []string{"team", "known"} {
		if prefixes, ok := tiers[name]; ok {
			out = append(out, tierEntry{name: name, prefixes: prefixes})
		}
	}
	var rest []string
	for name := range tiers {
		if name != "team" && name != "known" {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, tierEntry{name: name, prefixes: tiers[name]})
	}
	return out
}

// ResolveTier matches the sender against the trust tier prefix lists.
// The first matching prefix wins; unmatched senders are "unknown".
func (c *Classifier) ResolveTier(sender string) string {
	for _, t := range c.tiers {
		for _, prefix := range t.prefixes {
			if prefix != "" && strings.HasPrefix(sender, prefix) {
				return t.name
			}
		}
	}
	return "unknown"
}

// Triage classifies one inbound message. Team senders bypass the model.
// Backend errors never propagate: they are converted into the configured
// fallback action with the error recorded in the reason.
func (c *Classifier) Triage(ctx context.Context, sender, bodyText, kind, activePrompt string) Decision {
	t0 := time.Now()
	if activePrompt == "" {
		activePrompt = DefaultSystemPrompt
	}
	pHash := PromptHash(activePrompt)

	tier := c.ResolveTier(sender)
	if tier == "team" {
		return Decision{
			Action:     "wake",
			Reason:     "team node — bypass",
			Tier:       tier,
			WallMS:     time.Since(t0).Milliseconds(),
			Reasoning:  "team node — no classification",
			PromptHash: pHash,
		}
	}

	system := strings.ReplaceAll(activePrompt, "{tier}", tier)
	user := bodyText
	if len(user) > maxBodyChars {
		user = user[:maxBodyChars]
	}

	var action, reason, reasoning string
	backend, err := c.resolveBackend()
	if err == nil {
		var raw string
		raw, err = backend.Infer(ctx, system, user)
		if err == nil {
			action, reason, reasoning = c.evaluate(tier, raw)
			if c.cfg.Debug {
				if ur, ok := backend.(UsageReporter); ok {
					pt, ct := ur.LastUsage()
					log.Printf("[triage] %s/%s tokens=%d+%d", backend.Name(), backend.ModelName(), pt, ct)
				}
			}
		}
	}
	if err != nil {
		log.Printf("[triage] backend failed (%v), using %s fallback", err, c.fallback)
		action = c.FallbackAction(tier)
		reason = fmt.Sprintf("backend error: %s, tier fallback", truncate(err.Error(), 100))
		reasoning = "error: " + truncate(err.Error(), 200)
	}

	return Decision{
		Action:     action,
		Reason:     reason,
		Tier:       tier,
		WallMS:     time.Since(t0).Milliseconds(),
		Reasoning:  reasoning,
		PromptHash: pHash,
	}
}

// evaluate parses raw model output and validates the action.
func (c *Classifier) evaluate(tier, raw string) (action, reason, reasoning string) {
	parsed := ParseDecision(raw)
	reasoning = compactJSON(parsed)

	action = strings.ToLower(strings.TrimSpace(parsed.Action))
	switch action {
	case "drop", "wake", "reply":
		reason = parsed.Reason
		if reason == "" {
			reason = "LLM classified as " + action
		}
	default:
		log.Printf("[triage] bad action %q, falling back to tier", action)
		reason = fmt.Sprintf("bad LLM action %q, tier fallback", parsed.Action)
		action = c.FallbackAction(tier)
	}
	return action, reason, reasoning
}

// FallbackAction returns the static action used when the backend is
// unavailable or returns garbage. Mode "tier" maps team and known senders
// to wake and unknown senders to drop; "wake" and "drop" force a constant.
func (c *Classifier) FallbackAction(tier string) string {
	switch c.fallback {
	case "wake":
		return "wake"
	case "drop":
		return "drop"
	}
	switch tier {
	case "team", "known":
		return "wake"
	}
	return "drop"
}

// resolveBackend returns the injected backend if one was set, otherwise the
// process-wide shared backend for the configured name.
func (c *Classifier) resolveBackend() (Backend, error) {
	if c.backend != nil {
		return c.backend, nil
	}
	b, err := SharedBackend(c.cfg)
	if err != nil {
		return nil, err
	}
	c.backend = b
	return b, nil
}

// PromptHash returns the first 16 hex characters of the SHA-256 of the
// prompt text. Stored with every classification so decisions stay auditable
// against a specific prompt version.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
