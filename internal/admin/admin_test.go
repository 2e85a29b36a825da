package admin

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knarr-net/thrall/internal/store"
	"github.com/knarr-net/thrall/internal/triage"
)

type fakeGuard struct {
	reloads int
	hash    string
	trips   []string
}

func (f *fakeGuard) ReloadPrompt()            { f.reloads++ }
func (f *fakeGuard) ActivePromptHash() string { return f.hash }
func (f *fakeGuard) TripBreaker(kind, target, reason string, autoExpire time.Duration) error {
	f.trips = append(f.trips, kind+":"+target)
	return nil
}

func testRegistry(t *testing.T) (*Registry, *store.Store, *fakeGuard) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "thrall.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	g := &fakeGuard{}
	return NewRegistry(st, g), st, g
}

func TestLoadPrompt(t *testing.T) {
	r, st, g := testRegistry(t)

	content := "Classify for trust tier {tier}."
	hash, err := r.LoadPrompt("triage", content, "ccccccccccccccccffffffffffffffff")
	if err != nil {
		t.Fatalf("LoadPrompt: %v", err)
	}
	if hash != triage.PromptHash(content) {
		t.Fatalf("hash = %q, want %q", hash, triage.PromptHash(content))
	}
	if g.reloads != 1 {
		t.Fatalf("expected synchronous reload, got %d", g.reloads)
	}

	p, err := st.GetPrompt("triage")
	if err != nil || p == nil {
		t.Fatalf("GetPrompt: %v, %v", p, err)
	}
	if p.PushedBy != "cccccccccccccccc" {
		t.Fatalf("pushed_by = %q, want caller prefix", p.PushedBy)
	}
	if p.Content != content || !p.Active {
		t.Fatalf("unexpected stored prompt %+v", p)
	}
}

func TestLoadPromptValidation(t *testing.T) {
	r, _, g := testRegistry(t)

	if _, err := r.LoadPrompt("triage", "   ", "cccc"); err == nil {
		t.Fatal("expected error for empty content")
	}
	if _, err := r.LoadPrompt("triage", "no placeholder here", "cccc"); err == nil {
		t.Fatal("expected error for missing {tier} placeholder")
	}
	if !strings.Contains(mustErr(t, r, "no placeholder here").Error(), "{tier}") {
		t.Fatal("error should name the missing placeholder")
	}
	if g.reloads != 0 {
		t.Fatal("rejected prompts must not trigger a reload")
	}
}

func mustErr(t *testing.T, r *Registry, content string) error {
	t.Helper()
	_, err := r.LoadPrompt("triage", content, "cccc")
	if err == nil {
		t.Fatal("expected error")
	}
	return err
}

func TestGetAndListRoundTrip(t *testing.T) {
	r, _, _ := testRegistry(t)

	if _, err := r.LoadPrompt("triage", "v1 {tier}", "cccc"); err != nil {
		t.Fatalf("LoadPrompt: %v", err)
	}
	if _, err := r.LoadPrompt("escalation", "v2 {tier}", "dddd"); err != nil {
		t.Fatalf("LoadPrompt: %v", err)
	}

	p, err := r.GetPrompt("triage")
	if err != nil || p == nil || p.Content != "v1 {tier}" {
		t.Fatalf("GetPrompt = %+v, %v", p, err)
	}

	prompts, err := r.ListPrompts()
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
}

func TestTripBreakerValidatesKind(t *testing.T) {
	r, _, g := testRegistry(t)

	if err := r.TripBreaker("timewise", "global", "nope", 0); err == nil {
		t.Fatal("expected error for unknown breaker kind")
	}
	if err := r.TripBreaker("node", "bbbbbbbbbbbbbbbb", "operator action", 3600); err != nil {
		t.Fatalf("TripBreaker: %v", err)
	}
	if len(g.trips) != 1 || g.trips[0] != "node:bbbbbbbbbbbbbbbb" {
		t.Fatalf("unexpected trips %v", g.trips)
	}
}

func TestRecentClassificationsClampsLimit(t *testing.T) {
	r, st, _ := testRegistry(t)

	for i := 0; i < 3; i++ {
		if _, err := st.InsertClassification(&store.Classification{
			FromNode:   "bbbbbbbbbbbbbbbbffffffffffffffff",
			Tier:       "unknown",
			Action:     "drop",
			CreatedAt:  float64(time.Now().Unix()),
			TTLExpires: float64(time.Now().Unix()) + 86400,
		}); err != nil {
			t.Fatalf("InsertClassification: %v", err)
		}
	}
	if err := st.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for _, limit := range []int{-5, 0, 10_000} {
		rows, err := r.RecentClassifications(limit)
		if err != nil {
			t.Fatalf("RecentClassifications(%d): %v", limit, err)
		}
		if len(rows) != 3 {
			t.Fatalf("limit %d: got %d rows", limit, len(rows))
		}
	}
}
