package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// breakerCacheTTL bounds how stale a cached breaker read may be before the
// file is consulted again.
const breakerCacheTTL = 30 * time.Second

// Breaker is a persistent block: any message matching its scope is dropped
// without classification until it expires or an operator removes it.
type Breaker struct {
	Type              string  `json:"type"` // global or node
	Target            string  `json:"target"`
	Reason            string  `json:"reason"`
	TrippedAt         string  `json:"tripped_at"`
	TripCount         int     `json:"trip_count"`
	LastEvent         string  `json:"last_event"`
	AutoExpireSeconds int     `json:"auto_expire_seconds"`
	ExpiresAt         *string `json:"expires_at"`
}

type cachedBreaker struct {
	at      time.Time
	breaker *Breaker // nil means "no active breaker for this target"
}

// breakerStore owns the breakers/ directory: one JSON file per active
// breaker, named by target, fronted by a short-TTL read cache so the hot
// path does not hit disk per message.
type breakerStore struct {
	dir   string
	cache map[string]cachedBreaker
	elog  *eventLog
	now   func() time.Time
}

func newBreakerStore(dir string, elog *eventLog) *breakerStore {
	return &breakerStore{
		dir:   dir,
		cache: make(map[string]cachedBreaker),
		elog:  elog,
		now:   time.Now,
	}
}

// validTarget reports whether a breaker target is safe to use as a file
// name: the literal "global" or a pure-hex prefix. Everything else is
// refused before any path construction, so traversal-style targets never
// reach the filesystem.
func validTarget(target string) bool {
	return target == "global" || hexRe.MatchString(target)
}

// Check returns the active breaker blocking the given sender prefix, or nil.
// The global target is consulted first, then the sender-specific one.
func (bs *breakerStore) Check(prefix string) *Breaker {
	if _, err := os.Stat(bs.dir); err != nil {
		return nil
	}
	for _, target := range []string{"global", prefix} {
		if b := bs.get(target); b != nil {
			return b
		}
	}
	return nil
}

// get returns the breaker for a target, consulting the cache first.
func (bs *breakerStore) get(target string) *Breaker {
	now := bs.now()
	if c, ok := bs.cache[target]; ok && now.Sub(c.at) < breakerCacheTTL {
		return c.breaker
	}

	b := bs.load(target)
	bs.cache[target] = cachedBreaker{at: now, breaker: b}
	return b
}

// load reads one breaker file from disk, deleting it if it has expired.
func (bs *breakerStore) load(target string) *Breaker {
	if !validTarget(target) {
		return nil
	}
	path := filepath.Join(bs.dir, target+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var b Breaker
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}

	if bs.expired(&b) {
		_ = os.Remove(path)
		bs.elog.Event("BREAKER_EXPIRED", target,
			fmt.Sprintf("auto-expired after %ds", b.AutoExpireSeconds))
		return nil
	}
	return &b
}

func (bs *breakerStore) expired(b *Breaker) bool {
	if b.ExpiresAt == nil || *b.ExpiresAt == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *b.ExpiresAt)
	if err != nil {
		return false
	}
	return bs.now().After(exp)
}

// Trip writes a breaker file for the target, incrementing trip_count when
// one already exists, and invalidates the cache entry so the next Check
// observes the new state. Invalid targets are refused.
func (bs *breakerStore) Trip(kind, target, reason string, autoExpire time.Duration) error {
	if !validTarget(target) {
		return fmt.Errorf("refusing breaker for invalid target %q", target)
	}

	if err := os.MkdirAll(bs.dir, 0o755); err != nil {
		return fmt.Errorf("create breaker dir: %w", err)
	}

	now := bs.now().UTC()
	b := Breaker{
		Type:              kind,
		Target:            target,
		Reason:            truncateStr(reason, 500),
		TrippedAt:         now.Format(time.RFC3339),
		TripCount:         1,
		LastEvent:         truncateStr(reason, 500),
		AutoExpireSeconds: int(autoExpire / time.Second),
	}
	if autoExpire > 0 {
		exp := now.Add(autoExpire).Format(time.RFC3339)
		b.ExpiresAt = &exp
	}

	path := filepath.Join(bs.dir, target+".json")
	if raw, err := os.ReadFile(path); err == nil {
		var existing Breaker
		if err := json.Unmarshal(raw, &existing); err == nil {
			b.TripCount = existing.TripCount + 1
		}
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write breaker %q: %w", target, err)
	}

	delete(bs.cache, target)
	bs.elog.Event("BREAKER_TRIP", target, truncateStr(reason, 200))
	return nil
}

// Prune deletes expired breaker files and clears the whole cache so the
// next reads refresh from disk.
func (bs *breakerStore) Prune() {
	if entries, err := os.ReadDir(bs.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			target := strings.TrimSuffix(e.Name(), ".json")
			raw, err := os.ReadFile(filepath.Join(bs.dir, e.Name()))
			if err != nil {
				continue
			}
			var b Breaker
			if err := json.Unmarshal(raw, &b); err != nil {
				continue
			}
			if bs.expired(&b) {
				_ = os.Remove(filepath.Join(bs.dir, e.Name()))
				bs.elog.Event("BREAKER_EXPIRED", target, "pruned on tick")
			}
		}
	}
	bs.cache = make(map[string]cachedBreaker)
}

func truncateStr(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
