package toolsession

import (
	"context"
	"fmt"
	"log/slog"
)

// Dispatcher fans tool operations out across multiple provider
// sessions. Like Session it is request scoped and not safe for
// concurrent use.
type Dispatcher struct {
	sessions []*Session
	logger   *slog.Logger

	// byTool maps tool name to the session that offers it, built by
	// Discover. First provider wins on duplicate names.
	byTool map[string]*Session
}

// NewDispatcher builds a dispatcher over the configured endpoints.
func NewDispatcher(endpoints []Endpoint, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	sessions := make([]*Session, 0, len(endpoints))
	for _, ep := range endpoints {
		sessions = append(sessions, NewSession(ep, logger))
	}
	return &Dispatcher{
		sessions: sessions,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Discover connects to every provider and aggregates their tool
// catalogs. A provider that fails to connect or list is logged and
// skipped; Discover only errors when no provider yields any tools.
// Duplicate tool names resolve to the provider listed first.
func (d *Dispatcher) Discover(ctx context.Context) ([]Descriptor, error) {
	d.byTool = make(map[string]*Session)
	var all []Descriptor

	for _, sess := range d.sessions {
		tools, err := sess.ListTools(ctx)
		if err != nil {
			d.logger.Warn("provider unavailable, skipping", "provider", sess.Name(), "error", err)
			continue
		}
		for _, tool := range tools {
			if _, taken := d.byTool[tool.Name]; taken {
				d.logger.Debug("duplicate tool name, keeping first provider",
					"tool", tool.Name, "ignored_provider", sess.Name())
				continue
			}
			d.byTool[tool.Name] = sess
			all = append(all, tool)
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no tools available from %d configured providers", len(d.sessions))
	}
	return all, nil
}

// CallTool routes a call to the provider that offered the tool during
// Discover.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	sess, ok := d.byTool[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return sess.CallTool(ctx, name, args)
}

// ReadResource asks each provider for the URI in order and returns the
// first success.
func (d *Dispatcher) ReadResource(ctx context.Context, uri string) (string, error) {
	var lastErr error
	for _, sess := range d.sessions {
		text, err := sess.ReadResource(ctx, uri)
		if err == nil {
			return text, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return "", fmt.Errorf("resource %s: %w", uri, lastErr)
}

// Close releases every provider session.
func (d *Dispatcher) Close() {
	for _, sess := range d.sessions {
		sess.Close()
	}
}
