// Package guard implements the inbound-mail triage guard: a stateful
// observer on the message receive path that classifies every inbound
// message with a small local model, enforces per-sender protection
// policies (loop detection, rate limiting, circuit breakers, knock-pattern
// detection), and persists every decision for forensic review.
//
// All guard state (the counters, the breaker cache, the store) is owned
// by a single mutex. The lock is released across the two suspension points
// (model inference and the agent wake send), so two interleaved messages
// observe each other's effects only at those points, never mid-mutation.
package guard

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knarr-net/thrall/internal/config"
	"github.com/knarr-net/thrall/internal/store"
	"github.com/knarr-net/thrall/internal/triage"
)

const (
	defaultLoopThreshold            = 2
	defaultLoopThresholdSessionless = 5
	defaultKnockThreshold           = 10
	defaultMaxPerHour               = 5
	defaultTTLDays                  = 30

	pruneInterval     = time.Hour
	breakerAutoExpire = time.Hour
	shutdownDrainMax  = 15 * time.Second
)

// Mailer sends node-to-node mail. The guard uses it for exactly one thing:
// waking its own agent with a thrall_breaker system message.
type Mailer interface {
	SendMail(ctx context.Context, toNode, kind string, body map[string]any, sessionID string) error
}

// Handler receives messages that pass every gate. The guard classifies,
// records, and blocks; replying is someone else's job.
type Handler func(ctx context.Context, kind, fromNode string, body map[string]any, sessionID string)

// Guard is the triage guard state machine.
type Guard struct {
	mu sync.Mutex

	cfg         config.Config
	st          *store.Store
	classifier  *triage.Classifier
	breakers    *breakerStore
	loops       *loopDetector
	rates       *rateLimiter
	elog        *eventLog
	mailer      Mailer
	handler     Handler
	nodeID      string
	ignoreKinds []string

	activePrompt string
	activeHash   string

	ttl            time.Duration
	knockThreshold int
	lastPrune      time.Time

	enabled       bool
	triageEnabled bool
	debug         bool

	shuttingDown atomic.Bool
	inflight     atomic.Int64

	now func() time.Time
}

// New builds a Guard over an opened store. The data directory receives the
// breakers/ subdirectory and thrall.log. If no active triage prompt exists
// in the store, the hardcoded default is installed.
func New(cfg config.Config, st *store.Store, mailer Mailer, handler Handler) (*Guard, error) {
	g := &Guard{
		cfg:     cfg,
		st:      st,
		mailer:  mailer,
		handler: handler,
		nodeID:  cfg.NodeID,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
	if !g.enabled {
		log.Printf("[guard] disabled by config")
		return g, nil
	}

	g.triageEnabled = cfg.TriageEnabled
	g.debug = cfg.Debug
	g.ignoreKinds = cfg.IgnoreKinds
	if g.ignoreKinds == nil {
		g.ignoreKinds = []string{"ack", "delivery", "system"}
	}

	g.elog = newEventLog(filepath.Join(cfg.DataDir, "thrall.log"))
	g.breakers = newBreakerStore(filepath.Join(cfg.DataDir, "breakers"), g.elog)
	g.loops = newLoopDetector(
		orDefault(cfg.LoopThreshold, defaultLoopThreshold),
		orDefault(cfg.LoopThresholdSessionless, defaultLoopThresholdSessionless))
	g.rates = newRateLimiter(orDefault(cfg.MaxRepliesPerHour, defaultMaxPerHour))
	g.knockThreshold = orDefault(cfg.KnockThreshold, defaultKnockThreshold)
	g.ttl = time.Duration(orDefault(cfg.ClassificationTTLDays, defaultTTLDays)) * 24 * time.Hour
	g.classifier = triage.NewClassifier(cfg)

	seed := cfg.Prompt
	if seed == "" {
		seed = triage.DefaultSystemPrompt
	}
	if err := st.EnsurePrompt("triage", seed, triage.PromptHash(seed), "hardcoded"); err != nil {
		return nil, fmt.Errorf("seed default prompt: %w", err)
	}
	if err := g.loadActivePrompt(); err != nil {
		return nil, err
	}

	log.Printf("[guard] initialized: backend=%s prompt_hash=%s loop_threshold=%d/%d",
		cfg.Backend, g.activeHash,
		orDefault(cfg.LoopThreshold, defaultLoopThreshold),
		orDefault(cfg.LoopThresholdSessionless, defaultLoopThresholdSessionless))
	return g, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// loadActivePrompt reads the active triage prompt from the store into the
// per-message read path. Caller must hold g.mu (or be init).
func (g *Guard) loadActivePrompt() error {
	content, err := g.st.ActivePrompt("triage")
	if err != nil {
		return fmt.Errorf("load active prompt: %w", err)
	}
	if content == "" {
		content = triage.DefaultSystemPrompt
	}
	g.activePrompt = content
	g.activeHash = triage.PromptHash(content)
	return nil
}

// ReloadPrompt re-reads the active triage prompt from the store and swaps
// it into the live read path. Called synchronously by the admin surface
// after a prompt load.
func (g *Guard) ReloadPrompt() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.loadActivePrompt(); err != nil {
		log.Printf("[guard] prompt reload failed: %v", err)
		return
	}
	log.Printf("[guard] prompt reloaded, hash=%s", g.activeHash)
}

// ActivePromptHash returns the hash of the prompt currently in the read path.
func (g *Guard) ActivePromptHash() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeHash
}

// RecordSend notes an outbound message to a node and session, marking
// near-future replies from that pair as solicited (doubling their loop
// threshold). The responder component must call this on every send it
// originates; the guard cannot observe outbound traffic itself.
func (g *Guard) RecordSend(toNode, sessionID string) {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loops.RecordSend(toNode, sessionID)
}

// TripBreaker writes a breaker by hand, on behalf of an operator. The
// target must be the literal "global" or a hex prefix.
func (g *Guard) TripBreaker(kind, target, reason string, autoExpire time.Duration) error {
	if !g.enabled {
		return fmt.Errorf("guard disabled")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakers.Trip(kind, target, reason, autoExpire)
}

// OnMailReceived is the inbound message hook, called by the host for every
// received message. It never propagates a failure to the transport: errors
// are logged and swallowed.
func (g *Guard) OnMailReceived(ctx context.Context, kind, fromNode, toNode string, body any, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[guard] on-mail panic: %v", r)
		}
	}()

	if !g.enabled {
		return
	}

	g.mu.Lock()

	prefix, kind, skip := g.screen(kind, fromNode)
	if skip != skipNone {
		if skip == skipInvalidSender {
			g.elog.Event("SKIP_INVALID", fromNode, "non-hex node ID")
		}
		if g.debug {
			log.Printf("[guard] %s", skip)
		}
		g.mu.Unlock()
		return
	}

	// Breaker gate, before any other work.
	if b := g.breakers.Check(prefix); b != nil {
		g.elog.Event("BREAKER_BLOCKED", prefix,
			fmt.Sprintf("breaker=%s: %s", b.Target, b.Reason))
		g.record(&store.Classification{
			FromNode:   fromNode,
			Tier:       "unknown",
			Action:     "breaker_blocked",
			Reasoning:  "breaker: " + b.Reason,
			PromptHash: g.activeHash,
		}, sessionID)
		g.mu.Unlock()
		return
	}

	msg, skip := normalize(kind, fromNode, prefix, body, sessionID)
	if skip != skipNone {
		if g.debug {
			log.Printf("[guard] %s: from=%s", skip, prefix)
		}
		g.mu.Unlock()
		return
	}

	if !g.triageEnabled {
		// Pass-through mode: no classification, no loop or rate checks.
		g.elog.Event("PASS_THROUGH", prefix, "triage disabled")
		g.mu.Unlock()
		g.deliver(ctx, msg)
		return
	}

	if g.shuttingDown.Load() {
		g.mu.Unlock()
		return
	}
	activePrompt := g.activePrompt
	g.mu.Unlock()

	// Suspension point: model inference runs outside the guard lock.
	g.inflight.Add(1)
	decision := g.classifier.Triage(ctx, fromNode, msg.Text, msg.Kind, activePrompt)
	g.inflight.Add(-1)

	if g.shuttingDown.Load() {
		return
	}

	g.mu.Lock()

	g.elog.Event("TRIAGE", prefix, fmt.Sprintf("action=%s tier=%s wall=%dms reason=%s",
		decision.Action, decision.Tier, decision.WallMS, decision.Reason))

	if decision.Action == "drop" {
		g.record(&store.Classification{
			MessageID:  optional(msg.MessageID),
			FromNode:   fromNode,
			Tier:       decision.Tier,
			Action:     decision.Action,
			Reasoning:  decision.Reasoning,
			PromptHash: decision.PromptHash,
			WallMS:     decision.WallMS,
		}, msg.SessionID)
		knock := g.checkKnock(prefix)
		if knock {
			g.elog.Event("KNOCK_ALERT", prefix,
				fmt.Sprintf("sustained drops (threshold: %d)", g.knockThreshold))
		}
		g.mu.Unlock()
		if knock {
			g.wakeAgent(ctx, "knock", prefix, "sustained drops from "+prefix)
		}
		return
	}

	if reason := g.loops.Check(prefix, msg.SessionID); reason != "" {
		g.elog.Event("LOOP_DETECTED", prefix, reason)
		if err := g.breakers.Trip("node", prefix, reason, breakerAutoExpire); err != nil {
			log.Printf("[guard] breaker trip failed: %v", err)
		}
		g.record(&store.Classification{
			FromNode:   fromNode,
			Tier:       decision.Tier,
			Action:     "loop_blocked",
			Reasoning:  reason,
			PromptHash: g.activeHash,
		}, msg.SessionID)
		g.mu.Unlock()
		g.wakeAgent(ctx, "node", prefix, reason)
		return
	}

	// Rate-limited messages are logged but leave no classification row.
	if !g.rates.Allowed(prefix) {
		g.elog.Event("SKIP_RATE", prefix,
			fmt.Sprintf("rate limit (%d/hr)", g.rates.maxPerHour))
		g.mu.Unlock()
		return
	}
	g.rates.Record(prefix)

	g.record(&store.Classification{
		MessageID:  optional(msg.MessageID),
		FromNode:   fromNode,
		Tier:       decision.Tier,
		Action:     decision.Action,
		Reasoning:  decision.Reasoning,
		PromptHash: decision.PromptHash,
		WallMS:     decision.WallMS,
	}, msg.SessionID)
	g.mu.Unlock()

	g.deliver(ctx, msg)
}

// deliver hands an admitted message to the downstream collaborator.
func (g *Guard) deliver(ctx context.Context, msg *message) {
	if g.handler != nil {
		g.handler(ctx, msg.Kind, msg.Sender, msg.Body, msg.SessionID)
	}
}

// record persists one classification. Writes after shutdown entry are
// no-ops. Caller must hold g.mu.
func (g *Guard) record(c *store.Classification, sessionID string) {
	if g.shuttingDown.Load() {
		return
	}
	now := unixSeconds(g.now())
	c.SessionID = optional(sessionID)
	c.CreatedAt = now
	c.TTLExpires = now + g.ttl.Seconds()
	if _, err := g.st.InsertClassification(c); err != nil {
		log.Printf("[guard] record classification: %v", err)
	}
}

// checkKnock reports whether the sender has accumulated enough drops in the
// last hour to count as a knock pattern. Caller must hold g.mu.
func (g *Guard) checkKnock(prefix string) bool {
	cutoff := unixSeconds(g.now()) - 3600
	count, err := g.st.CountRecentDrops(prefix, cutoff)
	if err != nil {
		log.Printf("[guard] knock query: %v", err)
		return false
	}
	return count >= g.knockThreshold
}

// wakeAgent sends a system message to our own node asking the agent to
// look at a tripped breaker. Failures are logged, never propagated.
func (g *Guard) wakeAgent(ctx context.Context, breakerType, target, reason string) {
	if g.mailer == nil {
		return
	}
	err := g.mailer.SendMail(ctx, g.nodeID, "system", map[string]any{
		"type":         "thrall_breaker",
		"wake_agent":   true,
		"breaker_type": breakerType,
		"target":       target,
		"reason":       truncateStr(reason, 500),
		"timestamp":    g.now().UTC().Format(time.RFC3339),
	}, "thrall:breaker")
	if err != nil {
		log.Printf("[guard] agent wake failed: %v", err)
		g.mu.Lock()
		g.elog.Event("WAKE_FAIL", target, truncateStr(err.Error(), 200))
		g.mu.Unlock()
	}
}

// OnTick is the periodic hook. Every tick flushes pending commits; at most
// once per pruneInterval it runs the full prune cycle.
func (g *Guard) OnTick(ctx context.Context) {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.st.Flush(); err != nil {
		log.Printf("[guard] flush: %v", err)
	}

	// Pick up prompt loads pushed by a separate admin process.
	prevHash := g.activeHash
	if err := g.loadActivePrompt(); err != nil {
		log.Printf("[guard] prompt refresh: %v", err)
	} else if g.activeHash != prevHash {
		g.elog.Event("PROMPT_RELOAD", "-", "hash="+g.activeHash)
		log.Printf("[guard] prompt updated, hash=%s", g.activeHash)
	}

	now := g.now()
	if now.Sub(g.lastPrune) < pruneInterval {
		return
	}

	if deleted, err := g.st.PruneExpired(unixSeconds(now)); err != nil {
		log.Printf("[guard] prune classifications: %v", err)
	} else if deleted > 0 {
		g.elog.Event("PRUNE", "-", fmt.Sprintf("removed %d expired classifications", deleted))
	}

	g.breakers.Prune()
	g.loops.Prune()
	g.rates.Prune()

	g.lastPrune = now
}

// Shutdown sets the shutdown latch, waits up to shutdownDrainMax for
// in-flight triage calls to finish, flushes pending commits, and closes
// the store. Any write attempted after the latch is a no-op.
func (g *Guard) Shutdown(ctx context.Context) {
	if !g.enabled {
		return
	}

	g.shuttingDown.Store(true)

	deadline := time.Now().Add(shutdownDrainMax)
	for g.inflight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(100 * time.Millisecond):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.st.Flush(); err != nil {
		log.Printf("[guard] final flush: %v", err)
	}
	if err := g.st.Close(); err != nil {
		log.Printf("[guard] close store: %v", err)
	}
	log.Printf("[guard] shut down")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
