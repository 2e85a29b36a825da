package guard

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/knarr-net/thrall/internal/config"
	"github.com/knarr-net/thrall/internal/store"
	"github.com/knarr-net/thrall/internal/triage"
)

const (
	ownNode     = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	teamNode    = "bbbbbbbbbbbbbbbbffffffffffffffff"
	knownNode   = "ccccccccccccccccffffffffffffffff"
	unknownNode = "ddddddddddddddddffffffffffffffff"
)

// scriptedBackend returns canned model output and counts calls.
type scriptedBackend struct {
	mu     sync.Mutex
	output string
	calls  int
}

func (b *scriptedBackend) Infer(ctx context.Context, system, user string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.output, nil
}

func (b *scriptedBackend) Available() bool   { return true }
func (b *scriptedBackend) Name() string      { return "scripted" }
func (b *scriptedBackend) ModelName() string { return "scripted-1" }

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type sentMail struct {
	To        string
	Kind      string
	Body      map[string]any
	SessionID string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *fakeMailer) SendMail(ctx context.Context, toNode, kind string, body map[string]any, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: toNode, Kind: kind, Body: body, SessionID: sessionID})
	return nil
}

func (m *fakeMailer) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type deliverySink struct {
	mu        sync.Mutex
	delivered []string // sender node IDs
}

func (d *deliverySink) handle(ctx context.Context, kind, fromNode string, body map[string]any, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, fromNode)
}

func (d *deliverySink) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func testGuardConfig(dataDir string) config.Config {
	return config.Config{
		Enabled:       true,
		TriageEnabled: true,
		NodeID:        ownNode,
		DataDir:       dataDir,
		Backend:       "ollama",
		Fallback:      "tier",
		TrustTiers: map[string][]string{
			"team":  {"bbbbbbbbbbbbbbbb"},
			"known": {"cccccccccccccccc"},
		},
		IgnoreKinds:              []string{"ack", "delivery", "system"},
		LoopThreshold:            2,
		LoopThresholdSessionless: 5,
		KnockThreshold:           3,
		MaxRepliesPerHour:        5,
		ClassificationTTLDays:    30,
	}
}

// newTestGuard wires a guard around a scripted backend, a capturing mailer,
// and a capturing delivery sink.
func newTestGuard(t *testing.T, cfg config.Config) (*Guard, *store.Store, *scriptedBackend, *fakeMailer, *deliverySink) {
	t.Helper()

	st, err := store.Open(filepath.Join(cfg.DataDir, "thrall.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mailer := &fakeMailer{}
	sink := &deliverySink{}
	g, err := New(cfg, st, mailer, sink.handle)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	backend := &scriptedBackend{output: `{"action":"wake","reason":"scripted"}`}
	g.classifier = triage.NewClassifierWithBackend(cfg, backend)

	return g, st, backend, mailer, sink
}

func classifications(t *testing.T, st *store.Store) []store.Classification {
	t.Helper()
	if err := st.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rows, err := st.RecentClassifications(100)
	if err != nil {
		t.Fatalf("RecentClassifications: %v", err)
	}
	return rows
}

func body(text string) map[string]any {
	return map[string]any{"content": text}
}

func TestGuardTeamBypassDelivers(t *testing.T) {
	g, st, backend, _, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	g.OnMailReceived(ctx, "text", teamNode, ownNode, body("deploy the fix"), "sess-1")

	if sink.count() != 1 {
		t.Fatalf("expected delivery, got %d", sink.count())
	}
	if backend.callCount() != 0 {
		t.Fatal("team sender must bypass the model")
	}

	rows := classifications(t, st)
	if len(rows) != 1 || rows[0].Tier != "team" || rows[0].Action != "wake" {
		t.Fatalf("unexpected classification %+v", rows)
	}
}

func TestGuardSkipsNeverReachBackend(t *testing.T) {
	g, st, backend, _, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	g.OnMailReceived(ctx, "text", "not-hex!!", ownNode, body("hi"), "")
	g.OnMailReceived(ctx, "text", ownNode, ownNode, body("note to self"), "")
	g.OnMailReceived(ctx, "ack", unknownNode, ownNode, body("got it"), "")
	g.OnMailReceived(ctx, "text", unknownNode, ownNode, map[string]any{}, "")

	if backend.callCount() != 0 || sink.count() != 0 {
		t.Fatalf("skips leaked: %d backend calls, %d deliveries", backend.callCount(), sink.count())
	}
	if rows := classifications(t, st); len(rows) != 0 {
		t.Fatalf("skips must not be recorded, got %+v", rows)
	}
}

func TestGuardLoopTripsBreakerAndWakes(t *testing.T) {
	g, st, _, mailer, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.OnMailReceived(ctx, "text", knownNode, ownNode, body("are you there?"), "sess-1")
	}

	// Two delivered, third tripped the loop.
	if sink.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sink.count())
	}

	prefix := "cccccccccccccccc"
	if _, err := os.Stat(filepath.Join(g.cfg.DataDir, "breakers", prefix+".json")); err != nil {
		t.Fatalf("expected breaker file: %v", err)
	}

	sent := mailer.all()
	if len(sent) != 1 {
		t.Fatalf("expected 1 wake mail, got %d", len(sent))
	}
	if sent[0].To != ownNode || sent[0].Kind != "system" || sent[0].SessionID != "thrall:breaker" {
		t.Fatalf("unexpected wake mail %+v", sent[0])
	}
	if sent[0].Body["type"] != "thrall_breaker" || sent[0].Body["wake_agent"] != true {
		t.Fatalf("unexpected wake body %+v", sent[0].Body)
	}
	if sent[0].Body["breaker_type"] != "node" || sent[0].Body["target"] != prefix {
		t.Fatalf("unexpected wake body %+v", sent[0].Body)
	}

	// Two admitted rows plus the loop block itself; the tripped message's
	// own classification is not recorded.
	rows := classifications(t, st)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %+v", rows)
	}
	var loopBlocked int
	for _, c := range rows {
		if c.Action == "loop_blocked" {
			loopBlocked++
		}
	}
	if loopBlocked != 1 {
		t.Fatalf("expected 1 loop_blocked record, got %d", loopBlocked)
	}

	// The fourth message hits the fresh breaker before classification.
	g.OnMailReceived(ctx, "text", knownNode, ownNode, body("hello?"), "sess-1")
	rows = classifications(t, st)
	if rows[0].Action != "breaker_blocked" {
		t.Fatalf("expected breaker_blocked, got %q", rows[0].Action)
	}
}

func TestGuardGlobalBreakerPreemptsClassification(t *testing.T) {
	g, st, backend, _, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	if err := g.TripBreaker("global", "global", "maintenance window", time.Hour); err != nil {
		t.Fatalf("TripBreaker: %v", err)
	}

	g.OnMailReceived(ctx, "text", unknownNode, ownNode, body("anyone home?"), "")

	if backend.callCount() != 0 || sink.count() != 0 {
		t.Fatal("global breaker must block before classification")
	}

	rows := classifications(t, st)
	if len(rows) != 1 || rows[0].Action != "breaker_blocked" {
		t.Fatalf("unexpected classifications %+v", rows)
	}
	if rows[0].Reasoning != "breaker: maintenance window" {
		t.Fatalf("unexpected reasoning %q", rows[0].Reasoning)
	}
}

func TestGuardRateLimitIsSilent(t *testing.T) {
	g, st, _, mailer, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	// Distinct sessions keep the loop detector out of the picture.
	for i := 0; i < 7; i++ {
		g.OnMailReceived(ctx, "text", unknownNode, ownNode, body("question"),
			"sess-"+string(rune('a'+i)))
	}

	if sink.count() != 5 {
		t.Fatalf("expected 5 deliveries under the cap, got %d", sink.count())
	}
	if len(mailer.all()) != 0 {
		t.Fatal("rate limiting must not wake the agent")
	}

	// Rate-limited messages leave no classification row.
	if rows := classifications(t, st); len(rows) != 5 {
		t.Fatalf("expected 5 classifications, got %d", len(rows))
	}
}

func TestGuardKnockAlertWakesAgent(t *testing.T) {
	g, st, _, mailer, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	backend := &scriptedBackend{output: `{"action":"drop","reason":"noise"}`}
	g.classifier = triage.NewClassifierWithBackend(g.cfg, backend)

	for i := 0; i < 2; i++ {
		g.OnMailReceived(ctx, "text", unknownNode, ownNode, body("spam"), "")
	}
	if len(mailer.all()) != 0 {
		t.Fatal("knock alert fired before threshold")
	}

	g.OnMailReceived(ctx, "text", unknownNode, ownNode, body("spam"), "")

	sent := mailer.all()
	if len(sent) != 1 {
		t.Fatalf("expected 1 knock wake, got %d", len(sent))
	}
	if sent[0].Body["breaker_type"] != "knock" {
		t.Fatalf("unexpected wake body %+v", sent[0].Body)
	}
	if sink.count() != 0 {
		t.Fatal("dropped messages must not be delivered")
	}

	rows := classifications(t, st)
	if len(rows) != 3 {
		t.Fatalf("expected 3 drop records, got %d", len(rows))
	}
}

func TestGuardPassThroughWhenTriageDisabled(t *testing.T) {
	cfg := testGuardConfig(t.TempDir())
	cfg.TriageEnabled = false
	g, st, backend, _, sink := newTestGuard(t, cfg)

	g.OnMailReceived(context.Background(), "text", unknownNode, ownNode, body("hello"), "")

	if backend.callCount() != 0 {
		t.Fatal("pass-through mode must not classify")
	}
	if sink.count() != 1 {
		t.Fatalf("expected pass-through delivery, got %d", sink.count())
	}
	if rows := classifications(t, st); len(rows) != 0 {
		t.Fatalf("pass-through must not record, got %+v", rows)
	}
}

func TestGuardDisabledIsNoOp(t *testing.T) {
	cfg := testGuardConfig(t.TempDir())
	cfg.Enabled = false

	st, err := store.Open(filepath.Join(cfg.DataDir, "thrall.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sink := &deliverySink{}
	g, err := New(cfg, st, &fakeMailer{}, sink.handle)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	g.OnMailReceived(context.Background(), "text", unknownNode, ownNode, body("hello"), "")
	g.OnTick(context.Background())
	g.RecordSend(unknownNode, "sess-1")

	if sink.count() != 0 {
		t.Fatal("disabled guard must not deliver")
	}
}

func TestGuardSolicitedRepliesGetHigherLoopThreshold(t *testing.T) {
	g, _, _, mailer, sink := newTestGuard(t, testGuardConfig(t.TempDir()))
	ctx := context.Background()

	// We messaged them first, so the session loop threshold doubles to 4.
	g.RecordSend(knownNode, "sess-1")

	for i := 0; i < 4; i++ {
		g.OnMailReceived(ctx, "text", knownNode, ownNode, body("reply"), "sess-1")
	}

	if sink.count() != 4 {
		t.Fatalf("expected 4 solicited deliveries, got %d", sink.count())
	}
	if len(mailer.all()) != 0 {
		t.Fatal("solicited replies under the doubled threshold must not trip")
	}
}

// blockingBackend parks inside Infer until released, to exercise the
// shutdown race.
type blockingBackend struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Infer(ctx context.Context, system, user string) (string, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return `{"action":"wake","reason":"late"}`, nil
}

func (b *blockingBackend) Available() bool   { return true }
func (b *blockingBackend) Name() string      { return "blocking" }
func (b *blockingBackend) ModelName() string { return "blocking-1" }

func TestGuardShutdownDropsInFlightResult(t *testing.T) {
	cfg := testGuardConfig(t.TempDir())
	g, _, _, _, sink := newTestGuard(t, cfg)
	ctx := context.Background()

	backend := &blockingBackend{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	g.classifier = triage.NewClassifierWithBackend(cfg, backend)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.OnMailReceived(ctx, "text", unknownNode, ownNode, body("slow one"), "")
	}()
	<-backend.entered

	shutdownDone := make(chan struct{})
	go func() {
		g.Shutdown(ctx)
		close(shutdownDone)
	}()

	// Give Shutdown time to set the latch, then let the model return.
	time.Sleep(100 * time.Millisecond)
	close(backend.release)

	wg.Wait()
	<-shutdownDone

	if sink.count() != 0 {
		t.Fatal("message completing during shutdown must not be delivered")
	}

	// The store was closed cleanly; reopen it and confirm nothing was
	// written after the latch.
	st, err := store.Open(filepath.Join(cfg.DataDir, "thrall.db"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close() //nolint:errcheck

	rows, err := st.RecentClassifications(10)
	if err != nil {
		t.Fatalf("RecentClassifications: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after shutdown race, got %+v", rows)
	}
}

func TestGuardTickPrunesExpiredRows(t *testing.T) {
	g, st, _, _, _ := newTestGuard(t, testGuardConfig(t.TempDir()))

	now := float64(time.Now().Unix())
	expired := &store.Classification{
		FromNode:   unknownNode,
		Tier:       "unknown",
		Action:     "drop",
		CreatedAt:  now - 200000,
		TTLExpires: now - 100,
	}
	if _, err := st.InsertClassification(expired); err != nil {
		t.Fatalf("InsertClassification: %v", err)
	}

	// Force the hourly prune on the next tick.
	g.lastPrune = time.Now().Add(-2 * time.Hour)
	g.OnTick(context.Background())

	rows := classifications(t, st)
	if len(rows) != 0 {
		t.Fatalf("expected prune to remove expired rows, got %+v", rows)
	}
}

func TestGuardPromptReloadChangesHash(t *testing.T) {
	g, st, _, _, _ := newTestGuard(t, testGuardConfig(t.TempDir()))

	before := g.ActivePromptHash()
	if err := st.UpsertPrompt("triage", "Operator prompt {tier}", "cafe0123cafe0123", "cccccccccccccccc"); err != nil {
		t.Fatalf("UpsertPrompt: %v", err)
	}
	g.ReloadPrompt()

	after := g.ActivePromptHash()
	if after == before {
		t.Fatal("expected prompt hash to change after reload")
	}
	if after != triage.PromptHash("Operator prompt {tier}") {
		t.Fatalf("hash %q does not match new prompt", after)
	}
}
