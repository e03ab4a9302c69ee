// Package llm provides the client for the OpenAI-compatible completion backend.
package llm

import "strings"

// Message roles accepted by the completion backend. The backend requires
// strict user/assistant alternation after the system turn, which
// history.Prepare enforces before a conversation reaches this package.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation. Immutable value; role ordering
// within a conversation matters to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FrameKind identifies the type of a stream frame.
type FrameKind int

const (
	// FrameContent carries an incremental text delta from the backend.
	FrameContent FrameKind = iota

	// FrameDone signals the stream completed normally. Exactly one
	// terminal frame (Done or Error) ends every stream.
	FrameDone

	// FrameError signals the stream ended abnormally. Err carries a
	// caller-safe description.
	FrameError
)

// String returns the frame kind name for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameContent:
		return "content"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	}
	return "unknown"
}

// Frame is one unit of the outbound streaming protocol. Consumers switch
// on Kind; Content is set for FrameContent, Err for FrameError.
type Frame struct {
	Kind    FrameKind
	Content string
	Err     string
}

// ContentFrame builds a content delta frame.
func ContentFrame(text string) Frame {
	return Frame{Kind: FrameContent, Content: text}
}

// DoneFrame builds the normal terminal frame.
func DoneFrame() Frame {
	return Frame{Kind: FrameDone}
}

// ErrorFrame builds the abnormal terminal frame.
func ErrorFrame(msg string) Frame {
	return Frame{Kind: FrameError, Err: msg}
}

// Terminal reports whether the frame ends a stream.
func (f Frame) Terminal() bool {
	return f.Kind == FrameDone || f.Kind == FrameError
}

// StripFences removes a Markdown code-fence wrapper from model output.
// Models frequently wrap JSON answers in ```json ... ``` despite being
// told not to; both the decision parser and structured completions need
// the raw payload.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSpace(s)
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
