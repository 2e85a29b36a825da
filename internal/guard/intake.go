package guard

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// maxFieldPreview caps each string field included in the JSON preview built
// for bodies with no content/text field, so a remote peer cannot force a
// huge allocation.
const (
	maxFieldPreview  = 2000
	maxPreviewFields = 10
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

// SafePrefix extracts the validated 16-character hex prefix from a node ID.
// Anything that fails the hex test resolves to the reserved token "invalid".
func SafePrefix(nodeID string) string {
	prefix := nodeID
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	prefix = strings.ToLower(prefix)
	if hexRe.MatchString(prefix) {
		return prefix
	}
	return "invalid"
}

// skipReason classifies why the intake filter rejected a message.
type skipReason string

const (
	skipNone          skipReason = ""
	skipInvalidSender skipReason = "skip_invalid_sender"
	skipOwnNode       skipReason = "skip_own_node"
	skipIgnoredKind   skipReason = "skip_ignored_kind"
	skipEmptyBody     skipReason = "skip_empty_body"
)

// message is the normalized inbound record admitted by the intake filter.
type message struct {
	Kind      string
	Sender    string
	Prefix    string
	Body      map[string]any
	Text      string
	SessionID string
	MessageID string
}

// coerceBody funnels every inbound body shape into a mapping. Strings that
// parse as JSON become the parsed value; non-object JSON (list, number,
// bool) is wrapped as {"content": stringified}; null becomes an empty map.
func coerceBody(body any) map[string]any {
	if s, ok := body.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return map[string]any{"content": s}
		}
		body = parsed
	}
	switch v := body.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"content": stringify(v)}
	}
}

// bodyText derives the usable text of a message: content, then text, then a
// size-bounded JSON preview of the first fields. Returns "" for messages
// with nothing worth classifying.
func bodyText(body map[string]any) string {
	if s, ok := body["content"].(string); ok && s != "" {
		return s
	}
	if s, ok := body["text"].(string); ok && s != "" {
		return s
	}

	// Truncate string fields BEFORE marshalling so the preview cannot
	// allocate proportionally to a hostile body.
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxPreviewFields {
		keys = keys[:maxPreviewFields]
	}

	preview := make(map[string]any, len(keys))
	for _, k := range keys {
		if s, ok := body[k].(string); ok && len(s) > maxFieldPreview {
			preview[k] = s[:maxFieldPreview]
		} else {
			preview[k] = body[k]
		}
	}
	if len(preview) == 0 {
		return ""
	}
	data, err := json.Marshal(preview)
	if err != nil {
		return ""
	}
	return string(data)
}

// stringify renders a non-object JSON value the way it arrived on the wire.
func stringify(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// screen runs the cheap intake checks that precede the breaker gate:
// sender validity, own-node filtering, and the ignored-kind list.
func (g *Guard) screen(kind, sender string) (prefix, normKind string, skip skipReason) {
	prefix = SafePrefix(sender)
	if prefix == "invalid" {
		return "", "", skipInvalidSender
	}
	if sender == g.nodeID {
		return "", "", skipOwnNode
	}

	if kind == "" {
		kind = "text"
	}
	for _, ignored := range g.ignoreKinds {
		if kind == ignored {
			return "", "", skipIgnoredKind
		}
	}
	return prefix, kind, skipNone
}

// normalize coerces the body and assembles the admitted message record.
// Runs after the breaker gate; messages with no usable text are rejected.
func normalize(kind, sender, prefix string, body any, sessionID string) (*message, skipReason) {
	coerced := coerceBody(body)
	text := bodyText(coerced)
	if strings.TrimSpace(text) == "" {
		return nil, skipEmptyBody
	}

	msgID, _ := coerced["_handler_message_id"].(string)

	if sessionID == "" {
		sessionID = "resp:" + prefix
	}

	return &message{
		Kind:      kind,
		Sender:    sender,
		Prefix:    prefix,
		Body:      coerced,
		Text:      text,
		SessionID: sessionID,
		MessageID: msgID,
	}, skipNone
}
