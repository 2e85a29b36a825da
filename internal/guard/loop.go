package guard

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// maxCounterEntries caps both the loop-counter and solicited-send maps.
	maxCounterEntries = 10_000
	// replyWindow is the sliding window for loop detection.
	replyWindow = 30 * time.Minute
	// solicitedWindow is how long a recorded outbound send keeps inbound
	// replies counted as solicited.
	solicitedWindow = time.Hour
)

type loopKey struct {
	bucket string
	prefix string
}

type sendKey struct {
	prefix  string
	session string
}

// loopDetector tracks message arrival rates per (session bucket, sender
// prefix) and flags reply loops. Both maps are LRU-bounded so a sender
// churning session IDs cannot grow them without limit.
type loopDetector struct {
	counter   *lru.Cache[loopKey, []time.Time]
	solicited *lru.Cache[sendKey, time.Time]

	threshold            int // explicit session
	thresholdSessionless int // absent or auto-generated session
	now                  func() time.Time
}

func newLoopDetector(threshold, thresholdSessionless int) *loopDetector {
	counter, _ := lru.New[loopKey, []time.Time](maxCounterEntries)
	solicited, _ := lru.New[sendKey, time.Time](maxCounterEntries)
	return &loopDetector{
		counter:              counter,
		solicited:            solicited,
		threshold:            threshold,
		thresholdSessionless: thresholdSessionless,
		now:                  time.Now,
	}
}

// bucketFor maps a session ID to its counting bucket. Auto-generated
// responder sessions (resp:*) and missing sessions share the "default"
// bucket and the higher sessionless threshold.
func bucketFor(sessionID string) (bucket string, sessionless bool) {
	if sessionID == "" || len(sessionID) >= 5 && sessionID[:5] == "resp:" {
		return "default", true
	}
	return sessionID, false
}

// RecordSend notes that this node originated a message to the given node
// and session. Must be called by the responder when it sends a reply;
// without it every inbound message counts against the base threshold and
// the solicited double-threshold never engages.
func (ld *loopDetector) RecordSend(toNode, sessionID string) {
	ld.solicited.Add(sendKey{prefix: SafePrefix(toNode), session: sessionID}, ld.now())
}

// isSolicited reports whether this node sent to the given node and session
// within the last hour.
func (ld *loopDetector) isSolicited(prefix, sessionID string) bool {
	ts, ok := ld.solicited.Get(sendKey{prefix: prefix, session: sessionID})
	if !ok {
		return false
	}
	return ld.now().Sub(ts) <= solicitedWindow
}

// Check records one arrival and returns a human-readable reason when the
// sender has exceeded the loop threshold, or "" when the message is fine.
func (ld *loopDetector) Check(prefix, sessionID string) string {
	bucket, sessionless := bucketFor(sessionID)
	threshold := ld.threshold
	if sessionless {
		threshold = ld.thresholdSessionless
	}

	now := ld.now()
	key := loopKey{bucket: bucket, prefix: prefix}

	window, _ := ld.counter.Get(key)
	window = pruneWindow(window, now, replyWindow)
	window = append(window, now)
	ld.counter.Add(key, window)

	solicited := ld.isSolicited(prefix, sessionID)
	effective := threshold
	if solicited {
		effective = threshold * 2
	}

	if len(window) > effective {
		session := sessionID
		if session == "" {
			session = "default"
		}
		return fmt.Sprintf("loop detected: %d replies from %s in session %q (threshold: %d, solicited: %t)",
			len(window), prefix, session, effective, solicited)
	}
	return ""
}

// Prune drops aged timestamps from every counter window, removes windows
// that end up empty, and forgets solicited sends older than an hour.
func (ld *loopDetector) Prune() {
	now := ld.now()

	for _, key := range ld.counter.Keys() {
		window, ok := ld.counter.Peek(key)
		if !ok {
			continue
		}
		fresh := pruneWindow(window, now, replyWindow)
		if len(fresh) == 0 {
			ld.counter.Remove(key)
		} else if len(fresh) != len(window) {
			ld.counter.Add(key, fresh)
		}
	}

	for _, key := range ld.solicited.Keys() {
		ts, ok := ld.solicited.Peek(key)
		if ok && now.Sub(ts) > solicitedWindow {
			ld.solicited.Remove(key)
		}
	}
}

// pruneWindow returns the timestamps still inside the window.
func pruneWindow(window []time.Time, now time.Time, span time.Duration) []time.Time {
	fresh := window[:0:0]
	for _, t := range window {
		if now.Sub(t) < span {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
