// Package agent runs the bounded tool-use loop: ask the model which
// tool to call next, execute it, accumulate results, repeat until the
// model is satisfied or the iteration budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eladberg/relay/internal/llm"
	"github.com/eladberg/relay/internal/toolsession"
)

// ErrNoToolNeeded reports that the model decided no tool helps with
// this question, or that no tools are available at all. The caller
// falls back to answering directly.
var ErrNoToolNeeded = errors.New("no tool needed for this question")

// WorkLogEntry records one tool invocation and its outcome.
type WorkLogEntry struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result string         `json:"result"`
}

// String renders the entry the way the answer prompt consumes it.
func (e WorkLogEntry) String() string {
	args, _ := json.Marshal(e.Args)
	return fmt.Sprintf("%s(%s) = %s", e.Tool, args, e.Result)
}

// Completer is the completion capability the loop needs. *llm.Client
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// ToolRunner executes a named tool. *toolsession.Dispatcher satisfies it.
type ToolRunner interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Executor drives the decide/execute/accumulate loop.
type Executor struct {
	completer     Completer
	maxIterations int
	logger        *slog.Logger
}

// NewExecutor builds an executor. maxIterations of zero defaults to 5.
func NewExecutor(completer Completer, maxIterations int, logger *slog.Logger) *Executor {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		completer:     completer,
		maxIterations: maxIterations,
		logger:        logger.With("component", "agent"),
	}
}

// Result is the outcome of a completed loop: the messages to stream the
// final answer from, plus the tool invocations that informed it.
type Result struct {
	Messages []llm.Message
	WorkLog  []WorkLogEntry
}

// decision is the shape the model answers the decision prompt with.
type decision struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Run executes the loop for one question. userInfo is optional context
// about the requester (from the provider's user resource); empty means
// none. Returns ErrNoToolNeeded when the first decision is already
// "done", so the caller can answer without the tool preamble.
func (e *Executor) Run(ctx context.Context, question string, tools []toolsession.Descriptor, runner ToolRunner, userInfo string) (*Result, error) {
	if len(tools) == 0 {
		return nil, ErrNoToolNeeded
	}

	catalog := renderCatalog(tools)
	byName := make(map[string]toolsession.Descriptor, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	var workLog []WorkLogEntry
	exhausted := true

	for i := 0; i < e.maxIterations; i++ {
		raw, err := e.completer.Complete(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: decisionSystemPrompt(catalog, userInfo)},
			{Role: llm.RoleUser, Content: decisionUserPrompt(question, workLog)},
		})
		if err != nil {
			return nil, fmt.Errorf("decision %d: %w", i+1, err)
		}

		name, args, done := parseDecision(raw)
		if done {
			if len(workLog) == 0 {
				return nil, ErrNoToolNeeded
			}
			exhausted = false
			break
		}

		tool, known := byName[name]
		if !known {
			// The model asked for something outside the catalog. There
			// is nothing useful to execute; treat the answer so far as
			// final rather than burning iterations on hallucinations.
			e.logger.Warn("model requested unknown tool", "tool", name)
			if len(workLog) == 0 {
				return nil, ErrNoToolNeeded
			}
			exhausted = false
			break
		}

		entry := WorkLogEntry{Tool: name, Args: args}
		if err := validateArgs(tool, args); err != nil {
			entry.Result = "Error: " + err.Error()
		} else if result, err := runner.CallTool(ctx, name, args); err != nil {
			entry.Result = "Error: " + err.Error()
		} else {
			entry.Result = result
		}

		e.logger.Debug("tool executed", "tool", name, "result_len", len(entry.Result))
		workLog = append(workLog, entry)
	}

	if len(workLog) == 0 {
		return nil, ErrNoToolNeeded
	}

	return &Result{
		Messages: answerMessages(question, workLog, exhausted),
		WorkLog:  workLog,
	}, nil
}

// validateArgs checks the model-supplied arguments against the tool's
// input schema before anything is executed.
func validateArgs(tool toolsession.Descriptor, args map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}
	resolved, err := tool.InputSchema.Resolve(nil)
	if err != nil {
		// A broken provider schema should not block the call.
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", tool.Name, err)
	}
	return nil
}

// parseDecision interprets the model's next-step answer leniently.
// Models wrap JSON in fences, add prose around it, or emit the done
// sentinel mid-sentence; any answer without an extractable tool call is
// treated as done.
func parseDecision(raw string) (tool string, args map[string]any, done bool) {
	cleaned := llm.StripFences(raw)

	if strings.Contains(cleaned, "[]") {
		return "", nil, true
	}

	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start < 0 || end <= start {
		return "", nil, true
	}

	var d decision
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &d); err != nil {
		return "", nil, true
	}
	if d.Tool == "" {
		return "", nil, true
	}
	if d.Arguments == nil {
		d.Arguments = map[string]any{}
	}
	return d.Tool, d.Arguments, false
}

// renderCatalog formats the tool list for the decision prompt.
func renderCatalog(tools []toolsession.Descriptor) string {
	var b strings.Builder
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
		if tool.InputSchema == nil || len(tool.InputSchema.Properties) == 0 {
			continue
		}
		b.WriteString("  arguments:\n")
		for name, prop := range tool.InputSchema.Properties {
			desc := ""
			if prop != nil {
				desc = prop.Description
				if prop.Type != "" {
					desc = fmt.Sprintf("(%s) %s", prop.Type, desc)
				}
			}
			fmt.Fprintf(&b, "    %s: %s\n", name, strings.TrimSpace(desc))
		}
	}
	return b.String()
}

func decisionSystemPrompt(catalog, userInfo string) string {
	var b strings.Builder
	b.WriteString("You are a tool-calling planner. You decide which tool to call next, one at a time.\n\n")
	b.WriteString("Available tools:\n")
	b.WriteString(catalog)
	if userInfo != "" {
		b.WriteString("\nUser context:\n")
		b.WriteString(userInfo)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with exactly one of:\n")
	b.WriteString("- a JSON object {\"tool\": \"<name>\", \"arguments\": {...}} to call a tool\n")
	b.WriteString("- [] if no further tool call is needed\n")
	b.WriteString("No other text.")
	return b.String()
}

func decisionUserPrompt(question string, workLog []WorkLogEntry) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n")
	if len(workLog) > 0 {
		b.WriteString("\nResults so far:\n")
		for _, entry := range workLog {
			b.WriteString(entry.String())
			b.WriteString("\n")
		}
		b.WriteString("\nCurrent answer: ")
		b.WriteString(workLog[len(workLog)-1].Result)
		b.WriteString("\n")
	}
	b.WriteString("\nIf this answers the question, return []. Otherwise call the next tool:")
	return b.String()
}

// answerMessages builds the conversation the final answer is streamed
// from. exhausted means the loop hit its iteration cap without the
// model declaring done.
func answerMessages(question string, workLog []WorkLogEntry, exhausted bool) []llm.Message {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nTool results:\n")
	for _, entry := range workLog {
		b.WriteString(entry.String())
		b.WriteString("\n")
	}
	if exhausted {
		b.WriteString("\nPlease summarize the final result.")
	} else {
		b.WriteString("\nAnswer the question using these results.")
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You answer questions using the tool results provided. Be accurate and concise; do not invent results that are not shown."},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
