// Package chat routes a conversation to the agent loop when tool
// providers can help, falling back to a direct completion when they
// cannot. Every request ends with exactly one terminal stream frame.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eladberg/relay/internal/agent"
	"github.com/eladberg/relay/internal/history"
	"github.com/eladberg/relay/internal/llm"
	"github.com/eladberg/relay/internal/toolsession"
)

// userResourceURI is the provider resource that describes the
// requester, injected into the decision prompt when available.
const userResourceURI = "local://user"

// CompletionClient is the backend capability the orchestrator needs.
// *llm.Client satisfies it.
type CompletionClient interface {
	ChatStream(ctx context.Context, messages []llm.Message, emit func(llm.Frame))
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// ToolDispatcher is a request-scoped handle on the configured tool
// providers. *toolsession.Dispatcher satisfies it.
type ToolDispatcher interface {
	Discover(ctx context.Context) ([]toolsession.Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	Close()
}

// Route says which path produced an answer.
type Route string

const (
	// RouteAgent means the tool loop ran and informed the answer.
	RouteAgent Route = "agent"

	// RouteDirect means the conversation went straight to the backend.
	RouteDirect Route = "direct"
)

// Outcome summarizes one handled request, for transcripts and logs.
type Outcome struct {
	Route    Route
	Question string
	Answer   string
	WorkLog  []agent.WorkLogEntry
}

// Options configures an Orchestrator.
type Options struct {
	Client       CompletionClient
	Executor     *agent.Executor
	Truncator    *history.Truncator
	Endpoints    []toolsession.Endpoint
	SystemPrompt string

	MaxTokens     int
	ReserveTokens int

	// LoopTimeout bounds the whole agent path (discovery plus the tool
	// loop). When it expires the request falls back to the direct path.
	LoopTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator handles chat requests end to end.
type Orchestrator struct {
	client        CompletionClient
	executor      *agent.Executor
	truncator     *history.Truncator
	endpoints     []toolsession.Endpoint
	systemPrompt  string
	maxTokens     int
	reserveTokens int
	loopTimeout   time.Duration
	logger        *slog.Logger

	// newDispatcher is a seam for tests; production builds a real
	// toolsession.Dispatcher per request.
	newDispatcher func() ToolDispatcher
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.LoopTimeout == 0 {
		opts.LoopTimeout = 120 * time.Second
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 16384
	}
	if opts.ReserveTokens == 0 {
		opts.ReserveTokens = 2048
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	o := &Orchestrator{
		client:        opts.Client,
		executor:      opts.Executor,
		truncator:     opts.Truncator,
		endpoints:     opts.Endpoints,
		systemPrompt:  opts.SystemPrompt,
		maxTokens:     opts.MaxTokens,
		reserveTokens: opts.ReserveTokens,
		loopTimeout:   opts.LoopTimeout,
		logger:        opts.Logger.With("component", "chat"),
	}
	o.newDispatcher = func() ToolDispatcher {
		return toolsession.NewDispatcher(o.endpoints, opts.Logger)
	}
	return o
}

// StreamResponse answers a conversation, emitting frames as the answer
// streams. The returned Outcome is complete once the terminal frame has
// been emitted. emit receives exactly one terminal frame per call.
func (o *Orchestrator) StreamResponse(ctx context.Context, conversation []llm.Message, emit func(llm.Frame)) *Outcome {
	window := o.truncator.Prepare(conversation, o.systemPrompt, o.maxTokens, o.reserveTokens)
	question := history.LatestUser(window)

	outcome := &Outcome{Route: RouteDirect, Question: question}

	messages := window
	if question != "" && len(o.endpoints) > 0 {
		if agentMsgs, workLog, ok := o.runAgentPath(ctx, question); ok {
			messages = agentMsgs
			outcome.Route = RouteAgent
			outcome.WorkLog = workLog
		}
	}

	// The single emitting call. llm.Client guarantees exactly one
	// terminal frame, which makes the guarantee hold here too.
	o.client.ChatStream(ctx, messages, func(f llm.Frame) {
		if f.Kind == llm.FrameContent {
			outcome.Answer += f.Content
		}
		emit(f)
	})

	o.logger.Info("request handled",
		"route", outcome.Route,
		"tool_calls", len(outcome.WorkLog),
		"answer_len", len(outcome.Answer))
	return outcome
}

// Respond answers a conversation without streaming, collecting the
// frames internally.
func (o *Orchestrator) Respond(ctx context.Context, conversation []llm.Message) (*Outcome, error) {
	var streamErr string
	outcome := o.StreamResponse(ctx, conversation, func(f llm.Frame) {
		if f.Kind == llm.FrameError {
			streamErr = f.Err
		}
	})
	if streamErr != "" {
		return outcome, errors.New(streamErr)
	}
	return outcome, nil
}

// runAgentPath tries the tool loop under the loop timeout. Any failure
// (discovery, the loop itself, or the model deciding tools are useless)
// reports ok=false and the caller answers directly instead.
func (o *Orchestrator) runAgentPath(ctx context.Context, question string) (messages []llm.Message, workLog []agent.WorkLogEntry, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, o.loopTimeout)
	defer cancel()

	dispatcher := o.newDispatcher()
	defer dispatcher.Close()

	tools, err := dispatcher.Discover(ctx)
	if err != nil {
		o.logger.Debug("tool discovery failed, answering directly", "error", err)
		return nil, nil, false
	}

	userInfo, err := dispatcher.ReadResource(ctx, userResourceURI)
	if err != nil {
		// The user resource is optional context, not a requirement.
		userInfo = ""
	}

	result, err := o.executor.Run(ctx, question, tools, dispatcher, userInfo)
	if err != nil {
		if !errors.Is(err, agent.ErrNoToolNeeded) {
			o.logger.Warn("agent loop failed, answering directly", "error", err)
		}
		return nil, nil, false
	}

	return result.Messages, result.WorkLog, true
}
