// Package history prepares conversation windows for the completion
// backend: role normalization, system prompt placement, and token-budget
// truncation.
package history

import (
	"log/slog"

	"github.com/eladberg/relay/internal/llm"
)

// TokenCounter estimates the token cost of a message list. The estimate
// only needs to be stable and monotonic in text length; exact tokenizer
// parity with the backend is not required because a reserve margin
// absorbs the error.
type TokenCounter interface {
	Count(messages []llm.Message) int
}

// EstimateCounter approximates tokens as one per four characters of
// content, plus a small per-message overhead for role framing.
type EstimateCounter struct{}

// perMessageOverhead covers the role and separator tokens the backend
// adds around each message.
const perMessageOverhead = 4

// Count implements TokenCounter.
func (EstimateCounter) Count(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + perMessageOverhead
	}
	return total
}

// Truncator shapes a raw conversation history into a window the backend
// will accept: exactly one leading system message, alternating
// user/assistant turns, and a total size under the token budget.
type Truncator struct {
	counter TokenCounter
	logger  *slog.Logger
}

// NewTruncator builds a Truncator. A nil counter uses EstimateCounter.
func NewTruncator(counter TokenCounter, logger *slog.Logger) *Truncator {
	if counter == nil {
		counter = EstimateCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Truncator{counter: counter, logger: logger.With("component", "history")}
}

// Prepare normalizes and truncates a conversation.
//
// Normalization: consecutive messages with the same role are collapsed
// to the latest one (clients that retry tend to send duplicate user
// turns), empty-content messages are dropped, and any system messages
// inside the history are stripped. The system prompt is then placed at
// index 0; if the incoming history already started with a system
// message, its content wins over systemPrompt.
//
// Truncation: while the estimated size exceeds maxTokens-reserveTokens,
// the oldest user/assistant exchange is removed. The latest exchange is
// never removed, so the result may still exceed the budget when a
// single exchange is oversized. Prepare is idempotent: applying it to
// its own output returns the same messages.
func (t *Truncator) Prepare(history []llm.Message, systemPrompt string, maxTokens, reserveTokens int) []llm.Message {
	system := systemPrompt
	body := make([]llm.Message, 0, len(history))

	for _, m := range history {
		if m.Content == "" {
			continue
		}
		if m.Role == llm.RoleSystem {
			// The first system message in the history overrides the
			// configured prompt; later ones are dropped.
			if len(body) == 0 && system == systemPrompt {
				system = m.Content
			}
			continue
		}
		if len(body) > 0 && body[len(body)-1].Role == m.Role {
			body[len(body)-1] = m
			continue
		}
		body = append(body, m)
	}

	budget := maxTokens - reserveTokens
	withSystem := func(msgs []llm.Message) []llm.Message {
		out := make([]llm.Message, 0, len(msgs)+1)
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
		return append(out, msgs...)
	}

	dropped := 0
	for t.counter.Count(withSystem(body)) > budget && len(body) > 2 {
		// Remove the oldest exchange. If the window starts with a lone
		// assistant turn (its user turn was already removed), drop just
		// that one to restore alternation.
		if body[0].Role == llm.RoleAssistant {
			body = body[1:]
			dropped++
			continue
		}
		if len(body) > 1 && body[1].Role == llm.RoleAssistant {
			body = body[2:]
			dropped += 2
			continue
		}
		body = body[1:]
		dropped++
	}

	if dropped > 0 {
		t.logger.Debug("truncated conversation", "dropped_messages", dropped, "kept", len(body))
	}

	return withSystem(body)
}

// LatestUser returns the content of the most recent user message, or ""
// when the history has none.
func LatestUser(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
