package relay

import (
	"strings"
	"time"
)

const (
	maxMessageLen = 2000
	maxHistoryLen = 4000
)

// HistoryItem is one prior turn of the widget conversation.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WebhookPayload is the body posted to the workflow-automation webhook.
type WebhookPayload struct {
	CallerID   string         `json:"callerId"`
	Message    string         `json:"message"`
	History    []HistoryItem  `json:"history"`
	Meta       map[string]any `json:"meta,omitempty"`
	ReceivedAt string         `json:"receivedAt"`
	RequestID  string         `json:"requestId,omitempty"`
}

// WebhookReply is the normalized upstream answer.
type WebhookReply struct {
	Reply  string `json:"reply"`
	Status string `json:"status"`
}

// ChatRequest is the inbound body of POST /chat.
type ChatRequest struct {
	CallerID string         `json:"callerId"`
	Message  string         `json:"message"`
	History  []HistoryItem  `json:"history"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// ChatResponse is the uniform reply shape returned on every path, success or
// fallback alike.
type ChatResponse struct {
	Reply     string `json:"reply"`
	LatencyMs int64  `json:"latencyMs"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// IsInitial reports whether the request is the widget's opening handshake,
// the only case where an empty message is accepted.
func (r *ChatRequest) IsInitial() bool {
	if r == nil || r.Meta == nil {
		return false
	}
	v, ok := r.Meta["isInitial"].(bool)
	return ok && v
}

// Sanitize trims and caps the message, strips control characters, and drops
// malformed history entries. Roles other than "agent" collapse to "user".
func (r *ChatRequest) Sanitize() {
	if r == nil {
		return
	}
	r.CallerID = strings.TrimSpace(r.CallerID)
	r.Message = sanitizeMessage(r.Message)

	history := r.History[:0]
	for _, item := range r.History {
		content := strings.TrimSpace(item.Content)
		if content == "" || item.Role == "" {
			continue
		}
		content = capRunes(content, maxHistoryLen)
		role := "user"
		if item.Role == "agent" {
			role = "agent"
		}
		history = append(history, HistoryItem{Role: role, Content: content})
	}
	r.History = history
}

func sanitizeMessage(msg string) string {
	msg = capRunes(strings.TrimSpace(msg), maxMessageLen)
	var b strings.Builder
	b.Grow(len(msg))
	for _, c := range msg {
		if c < 0x20 || c == 0x7F {
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// capRunes truncates s to at most max runes, never splitting a multi-byte
// character. The caps count characters, not bytes, so Cyrillic and other
// multi-byte text gets the same budget as ASCII.
func capRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
