package guard

import "time"

// rateWindow is the sliding window for the per-sender reply rate limit.
const rateWindow = time.Hour

// rateLimiter caps how many admitted messages per sender prefix are handed
// downstream per hour. Entries whose window empties are deleted so the map
// cannot grow with one-shot senders.
type rateLimiter struct {
	windows    map[string][]time.Time
	maxPerHour int
	now        func() time.Time
}

func newRateLimiter(maxPerHour int) *rateLimiter {
	return &rateLimiter{
		windows:    make(map[string][]time.Time),
		maxPerHour: maxPerHour,
		now:        time.Now,
	}
}

// Allowed prunes the prefix's window and reports whether another message
// fits under the hourly cap. It does not record; call Record only once the
// message has been admitted through every gate.
func (rl *rateLimiter) Allowed(prefix string) bool {
	now := rl.now()
	window := pruneWindow(rl.windows[prefix], now, rateWindow)
	if len(window) == 0 {
		delete(rl.windows, prefix)
	} else {
		rl.windows[prefix] = window
	}
	return len(window) < rl.maxPerHour
}

// Record counts one admitted message against the prefix.
func (rl *rateLimiter) Record(prefix string) {
	rl.windows[prefix] = append(rl.windows[prefix], rl.now())
}

// Prune removes prefixes whose windows have emptied.
func (rl *rateLimiter) Prune() {
	now := rl.now()
	for prefix, window := range rl.windows {
		fresh := pruneWindow(window, now, rateWindow)
		if len(fresh) == 0 {
			delete(rl.windows, prefix)
		} else {
			rl.windows[prefix] = fresh
		}
	}
}
