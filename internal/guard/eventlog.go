package guard

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// eventLog is the guard's append-only forensic text log (thrall.log).
// Every line is UTC-stamped and newline-sanitized; write failures are
// ignored because the log is best-effort evidence, not state.
type eventLog struct {
	path string
	now  func() time.Time
}

func newEventLog(path string) *eventLog {
	return &eventLog{path: path, now: time.Now}
}

// Event appends one log line: "<ts> [ACTION] <prefix> <detail>".
func (l *eventLog) Event(action, prefix, detail string) {
	ts := l.now().UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s [%s] %s %s\n",
		ts, action, sanitizeField(prefix, 16), sanitizeField(detail, 500))

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close() //nolint:errcheck
	_, _ = f.WriteString(line)
}

// sanitizeField strips control characters from user-supplied substrings so
// a hostile sender cannot forge log lines, then truncates to max bytes.
func sanitizeField(s string, max int) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r':
			b.WriteRune(' ')
		case r < 0x20 || r == 0x7f:
			// drop other control characters
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > max {
		out = out[:max]
	}
	return out
}
