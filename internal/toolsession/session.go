// Package toolsession manages connections to MCP tool providers. A
// Session wraps one provider connection with an explicit lifecycle so
// callers never issue a tool call over a link that is known to be dead.
package toolsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// State is the connection lifecycle of a Session.
type State int

const (
	// Disconnected means no live connection exists. The initial state,
	// and the state after Close.
	Disconnected State = iota

	// Connected means the last operation on the link succeeded.
	Connected

	// Stale means a previously Connected link hit a transport error.
	// The next call reconnects before using it.
	Stale
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Descriptor describes one tool a provider offers.
type Descriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Endpoint identifies one MCP provider. Exactly one of URL (streamable
// HTTP) or Command (stdio subprocess) is set; config validation
// enforces this before a Session is built.
type Endpoint struct {
	Name    string
	URL     string
	Command string
	Args    []string
}

// ToolError reports that a tool executed but signaled failure. It is a
// tool-level outcome, not a transport fault, so it does not mark the
// session stale.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// conn is the subset of an MCP client session the Session needs.
// Narrowed to an interface so tests can substitute a fake link.
type conn interface {
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	Close() error
}

// dialFunc opens a connection to an endpoint.
type dialFunc func(ctx context.Context, ep Endpoint) (conn, error)

// Session is a stateful handle on one MCP provider. It is request
// scoped and not safe for concurrent use; each API request builds its
// own sessions and closes them when done.
type Session struct {
	endpoint Endpoint
	dial     dialFunc
	logger   *slog.Logger

	state State
	link  conn

	// tools is valid only while state is Connected; a reconnect
	// invalidates it so the fresh provider's catalog is fetched.
	tools []Descriptor
}

// NewSession builds a session for one endpoint. No connection is opened
// until the first operation needs it.
func NewSession(ep Endpoint, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		endpoint: ep,
		dial:     dialSDK,
		logger:   logger.With("component", "toolsession", "provider", ep.Name),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Name returns the provider name.
func (s *Session) Name() string {
	return s.endpoint.Name
}

// EnsureConnected dials the provider unless the link is already
// Connected. A Stale or Disconnected session discards any old link
// first; the cached tool list is invalidated with it.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.state == Connected {
		return nil
	}

	s.teardown()

	link, err := s.dial(ctx, s.endpoint)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", s.endpoint.Name, err)
	}

	s.link = link
	s.state = Connected
	s.logger.Debug("provider connected")
	return nil
}

// ListTools returns the provider's tool catalog, connecting first if
// needed. The catalog is cached for the lifetime of the current
// Connected link.
func (s *Session) ListTools(ctx context.Context) ([]Descriptor, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	if s.tools != nil {
		return s.tools, nil
	}

	tools, err := s.link.ListTools(ctx)
	if err != nil {
		s.state = Stale
		return nil, fmt.Errorf("list tools on %s: %w", s.endpoint.Name, err)
	}

	s.tools = tools
	return tools, nil
}

// CallTool invokes a named tool. If the session is not Connected it
// reconnects exactly once before the call; a transport failure on a
// Connected link marks the session Stale so the next call reconnects.
// A ToolError return means the tool itself reported failure and the
// link stays Connected.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return "", err
	}

	result, err := s.link.CallTool(ctx, name, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return "", err
		}
		s.state = Stale
		s.logger.Warn("tool call transport failure", "tool", name, "error", err)
		return "", fmt.Errorf("call %s on %s: %w", name, s.endpoint.Name, err)
	}
	return result, nil
}

// ReadResource fetches a resource by URI from the provider.
func (s *Session) ReadResource(ctx context.Context, uri string) (string, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return "", err
	}

	text, err := s.link.ReadResource(ctx, uri)
	if err != nil {
		s.state = Stale
		return "", fmt.Errorf("read %s from %s: %w", uri, s.endpoint.Name, err)
	}
	return text, nil
}

// Close releases the connection. The session can be reused; the next
// operation reconnects.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) teardown() {
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.logger.Debug("close link", "error", err)
		}
	}
	s.link = nil
	s.tools = nil
	s.state = Disconnected
}

// dialSDK opens a real MCP connection via the official SDK, choosing
// the transport from the endpoint shape.
func dialSDK(ctx context.Context, ep Endpoint) (conn, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "relay", Version: "1.0.0"}, nil)

	var transport mcp.Transport
	switch {
	case ep.URL != "":
		transport = &mcp.StreamableClientTransport{Endpoint: ep.URL}
	case ep.Command != "":
		transport = &mcp.CommandTransport{Command: exec.Command(ep.Command, ep.Args...)}
	default:
		return nil, fmt.Errorf("endpoint %s has neither url nor command", ep.Name)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return &sdkConn{session: session}, nil
}

// sdkConn adapts an SDK client session to the conn interface, reducing
// content blocks to plain text the way the agent loop consumes them.
type sdkConn struct {
	session *mcp.ClientSession
}

func (c *sdkConn) ListTools(ctx context.Context) ([]Descriptor, error) {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]Descriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

func (c *sdkConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

func (c *sdkConn) ReadResource(ctx context.Context, uri string) (string, error) {
	res, err := c.session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", err
	}

	var out string
	for _, content := range res.Contents {
		if content.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += content.Text
		}
	}
	return out, nil
}

func (c *sdkConn) Close() error {
	return c.session.Close()
}

func flattenContent(blocks []mcp.Content) string {
	var out string
	for _, b := range blocks {
		if tc, ok := b.(*mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}
