package triage

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RawDecision is the JSON object a backend is expected to produce.
type RawDecision struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ParseDecision extracts an {action, reason} object from raw model output.
// Small models wrap their answer in <think> blocks, markdown code fences,
// or narrative text; the parser strips the former and then scans for the
// first well-formed JSON object that carries an action field. On complete
// failure it returns a drop decision naming the unparseable prefix.
func ParseDecision(raw string) RawDecision {
	cleaned := thinkBlockRe.ReplaceAllString(raw, "")
	cleaned = stripCodeFences(cleaned)
	cleaned = strings.TrimSpace(cleaned)

	for i := 0; i < len(cleaned); i++ {
		if cleaned[i] != '{' {
			continue
		}
		var d RawDecision
		dec := json.NewDecoder(strings.NewReader(cleaned[i:]))
		if err := dec.Decode(&d); err == nil && d.Action != "" {
			return d
		}
	}

	return RawDecision{
		Action: "drop",
		Reason: "unparseable LLM output: " + truncate(cleaned, 100),
	}
}

// stripCodeFences removes markdown fence lines (```json ... ```) while
// keeping the fenced content.
func stripCodeFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
