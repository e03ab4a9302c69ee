package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eladberg/relay/internal/agent"
	"github.com/eladberg/relay/internal/history"
	"github.com/eladberg/relay/internal/llm"
	"github.com/eladberg/relay/internal/toolsession"
)

// fakeClient scripts both the decision completions and the final
// stream.
type fakeClient struct {
	// completions are returned by Complete in order (the agent loop's
	// decision calls).
	completions []string
	completeErr error
	calls       int

	// streamFrames is the frame sequence ChatStream emits.
	streamFrames []llm.Frame
	streamedWith []llm.Message
}

func (f *fakeClient) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	i := f.calls
	f.calls++
	if i >= len(f.completions) {
		i = len(f.completions) - 1
	}
	return f.completions[i], nil
}

func (f *fakeClient) ChatStream(ctx context.Context, messages []llm.Message, emit func(llm.Frame)) {
	f.streamedWith = messages
	for _, fr := range f.streamFrames {
		emit(fr)
	}
}

// fakeTools is a scripted ToolDispatcher.
type fakeTools struct {
	tools       []toolsession.Descriptor
	discoverErr error
	results     map[string]string
	resource    string
	closed      bool
}

func (f *fakeTools) Discover(ctx context.Context) ([]toolsession.Descriptor, error) {
	return f.tools, f.discoverErr
}

func (f *fakeTools) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return "", errors.New("no such tool")
}

func (f *fakeTools) ReadResource(ctx context.Context, uri string) (string, error) {
	if f.resource == "" {
		return "", errors.New("not found")
	}
	return f.resource, nil
}

func (f *fakeTools) Close() { f.closed = true }

func newTestOrchestrator(client *fakeClient, tools *fakeTools) *Orchestrator {
	o := New(Options{
		Client:        client,
		Executor:      agent.NewExecutor(client, 5, nil),
		Truncator:     history.NewTruncator(nil, nil),
		Endpoints:     []toolsession.Endpoint{{Name: "test", URL: "http://localhost/mcp"}},
		SystemPrompt:  "be helpful",
		MaxTokens:     16384,
		ReserveTokens: 2048,
		LoopTimeout:   2 * time.Second,
	})
	o.newDispatcher = func() ToolDispatcher { return tools }
	return o
}

func conversation(content string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: content}}
}

func okStream(text string) []llm.Frame {
	return []llm.Frame{llm.ContentFrame(text), llm.DoneFrame()}
}

func countTerminal(frames []llm.Frame) int {
	n := 0
	for _, f := range frames {
		if f.Terminal() {
			n++
		}
	}
	return n
}

func collect(o *Orchestrator, conv []llm.Message) (*Outcome, []llm.Frame) {
	var frames []llm.Frame
	outcome := o.StreamResponse(context.Background(), conv, func(f llm.Frame) {
		frames = append(frames, f)
	})
	return outcome, frames
}

func TestAgentRouteWithToolResults(t *testing.T) {
	client := &fakeClient{
		completions:  []string{`{"tool": "add", "arguments": {"a": 2, "b": 2}}`, `[]`},
		streamFrames: okStream("2+2 is 4."),
	}
	tools := &fakeTools{
		tools:   []toolsession.Descriptor{{Name: "add", Description: "Add numbers"}},
		results: map[string]string{"add": "4"},
	}
	o := newTestOrchestrator(client, tools)

	outcome, frames := collect(o, conversation("What is 2+2?"))

	if outcome.Route != RouteAgent {
		t.Errorf("route = %s, want agent", outcome.Route)
	}
	if outcome.Answer != "2+2 is 4." {
		t.Errorf("answer = %q", outcome.Answer)
	}
	if len(outcome.WorkLog) != 1 || outcome.WorkLog[0].Result != "4" {
		t.Errorf("work log = %+v", outcome.WorkLog)
	}
	if got := countTerminal(frames); got != 1 {
		t.Errorf("terminal frames = %d, want exactly 1", got)
	}
	if !tools.closed {
		t.Error("dispatcher not closed after agent path")
	}

	// The final stream must be fed the tool results, not the raw history.
	joined := ""
	for _, m := range client.streamedWith {
		joined += m.Content + "\n"
	}
	if !strings.Contains(joined, "= 4") {
		t.Errorf("final stream prompt missing tool result: %s", joined)
	}
}

func TestFallbackWhenDiscoveryFails(t *testing.T) {
	client := &fakeClient{streamFrames: okStream("direct answer")}
	tools := &fakeTools{discoverErr: errors.New("all providers down")}
	o := newTestOrchestrator(client, tools)

	outcome, frames := collect(o, conversation("hi"))

	if outcome.Route != RouteDirect {
		t.Errorf("route = %s, want direct", outcome.Route)
	}
	if outcome.Answer != "direct answer" {
		t.Errorf("answer = %q", outcome.Answer)
	}
	if got := countTerminal(frames); got != 1 {
		t.Errorf("terminal frames = %d, want exactly 1", got)
	}

	// Direct path streams the prepared conversation with the system prompt.
	if len(client.streamedWith) == 0 || client.streamedWith[0].Role != llm.RoleSystem {
		t.Errorf("direct stream missing system message: %+v", client.streamedWith)
	}
}

func TestFallbackWhenNoToolNeeded(t *testing.T) {
	client := &fakeClient{
		completions:  []string{`[]`},
		streamFrames: okStream("just chatting"),
	}
	tools := &fakeTools{tools: []toolsession.Descriptor{{Name: "add"}}}
	o := newTestOrchestrator(client, tools)

	outcome, frames := collect(o, conversation("hello there"))

	if outcome.Route != RouteDirect {
		t.Errorf("route = %s, want direct", outcome.Route)
	}
	if len(outcome.WorkLog) != 0 {
		t.Errorf("work log = %+v, want empty", outcome.WorkLog)
	}
	if got := countTerminal(frames); got != 1 {
		t.Errorf("terminal frames = %d, want exactly 1", got)
	}
}

func TestFallbackWhenDecisionCompletionFails(t *testing.T) {
	client := &fakeClient{
		completeErr:  errors.New("backend busy"),
		streamFrames: okStream("fallback answer"),
	}
	tools := &fakeTools{tools: []toolsession.Descriptor{{Name: "add"}}}
	o := newTestOrchestrator(client, tools)

	outcome, frames := collect(o, conversation("q"))

	if outcome.Route != RouteDirect {
		t.Errorf("route = %s, want direct", outcome.Route)
	}
	if got := countTerminal(frames); got != 1 {
		t.Errorf("terminal frames = %d, want exactly 1", got)
	}
}

func TestStreamErrorStillExactlyOneTerminal(t *testing.T) {
	client := &fakeClient{
		streamFrames: []llm.Frame{llm.ErrorFrame("backend unavailable")},
	}
	tools := &fakeTools{discoverErr: errors.New("down")}
	o := newTestOrchestrator(client, tools)

	outcome, frames := collect(o, conversation("q"))

	if got := countTerminal(frames); got != 1 {
		t.Fatalf("terminal frames = %d, want exactly 1", got)
	}
	if frames[len(frames)-1].Kind != llm.FrameError {
		t.Errorf("terminal frame = %+v, want error", frames[len(frames)-1])
	}
	if outcome.Answer != "" {
		t.Errorf("answer = %q, want empty on error", outcome.Answer)
	}
}

func TestNoEndpointsSkipsAgentPath(t *testing.T) {
	client := &fakeClient{streamFrames: okStream("plain")}
	o := New(Options{
		Client:    client,
		Executor:  agent.NewExecutor(client, 5, nil),
		Truncator: history.NewTruncator(nil, nil),
	})
	dispatcherBuilt := false
	o.newDispatcher = func() ToolDispatcher {
		dispatcherBuilt = true
		return &fakeTools{}
	}

	outcome, _ := collect(o, conversation("hi"))

	if outcome.Route != RouteDirect {
		t.Errorf("route = %s, want direct", outcome.Route)
	}
	if dispatcherBuilt {
		t.Error("dispatcher built despite no configured endpoints")
	}
}

func TestRespondCollectsAnswer(t *testing.T) {
	client := &fakeClient{streamFrames: okStream("collected")}
	tools := &fakeTools{discoverErr: errors.New("down")}
	o := newTestOrchestrator(client, tools)

	outcome, err := o.Respond(context.Background(), conversation("q"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if outcome.Answer != "collected" {
		t.Errorf("answer = %q", outcome.Answer)
	}
}

func TestRespondSurfacesStreamError(t *testing.T) {
	client := &fakeClient{streamFrames: []llm.Frame{llm.ErrorFrame("boom")}}
	tools := &fakeTools{discoverErr: errors.New("down")}
	o := newTestOrchestrator(client, tools)

	if _, err := o.Respond(context.Background(), conversation("q")); err == nil {
		t.Fatal("expected error from error frame")
	}
}

func TestUserResourceFeedsDecisionPrompt(t *testing.T) {
	client := &fakeClient{
		completions:  []string{`[]`},
		streamFrames: okStream("x"),
	}
	var sawUser bool
	userAware := &userRecordingClient{fakeClient: client, onComplete: func(msgs []llm.Message) {
		for _, m := range msgs {
			if strings.Contains(m.Content, "locale: en-IL") {
				sawUser = true
			}
		}
	}}
	tools := &fakeTools{
		tools:    []toolsession.Descriptor{{Name: "add"}},
		resource: "locale: en-IL",
	}

	o := New(Options{
		Client:    userAware,
		Executor:  agent.NewExecutor(userAware, 5, nil),
		Truncator: history.NewTruncator(nil, nil),
		Endpoints: []toolsession.Endpoint{{Name: "test", URL: "http://localhost/mcp"}},
	})
	o.newDispatcher = func() ToolDispatcher { return tools }

	collect(o, conversation("q"))

	if !sawUser {
		t.Error("user resource content missing from decision prompt")
	}
}

// userRecordingClient lets a test observe the messages passed to
// Complete.
type userRecordingClient struct {
	*fakeClient
	onComplete func([]llm.Message)
}

func (u *userRecordingClient) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	u.onComplete(messages)
	return u.fakeClient.Complete(ctx, messages)
}
