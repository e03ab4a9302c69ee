package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/eladberg/relay/internal/config"
)

// Client talks to an OpenAI-compatible completion backend (vLLM in the
// default deployment). A single Client owns a pooled http.Client and is
// safe for concurrent use; construct one per process.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *slog.Logger
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int

	// RequestTimeout bounds a whole request including the streamed body.
	RequestTimeout time.Duration
	// PoolSize caps idle and per-host connections in the shared pool.
	PoolSize int
	// KeepAlive is how long idle pooled connections are retained.
	KeepAlive time.Duration

	Logger *slog.Logger
}

// NewClient creates a completion client with a pooled transport.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8000"
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 300 * time.Second
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 100
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        opts.PoolSize,
				MaxIdleConnsPerHost: opts.PoolSize,
				MaxConnsPerHost:     opts.PoolSize,
				IdleConnTimeout:     opts.KeepAlive,
			},
		},
		logger: opts.Logger.With("component", "llm"),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// chatRequest is the /v1/chat/completions request body.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// chatResponse covers both streaming chunks (delta) and non-streaming
// responses (message); unused fields stay zero.
type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Healthy reports whether the backend answers its model listing endpoint.
// Used as a cheap liveness probe before committing to a stream.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("health probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// Metrics scrapes the backend's Prometheus endpoint for queue depth.
// Returns the number of requests currently running and waiting. vLLM
// exposes these as vllm:num_requests_running and
// vllm:num_requests_waiting gauges.
func (c *Client) Metrics(ctx context.Context) (running, waiting int, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("metrics scrape: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("metrics scrape: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "vllm:num_requests_running"):
			running = parseGauge(line)
		case strings.HasPrefix(line, "vllm:num_requests_waiting"):
			waiting = parseGauge(line)
		}
	}
	return running, waiting, scanner.Err()
}

// parseGauge extracts the value from a Prometheus text-format sample
// line. Gauge values may render as floats ("2.0"); labels may appear
// between the name and the value.
func parseGauge(line string) int {
	idx := strings.LastIndexByte(line, ' ')
	if idx < 0 {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// ChatStream sends a streaming chat completion and invokes emit for each
// frame. It always emits exactly one terminal frame (Done or Error),
// even on early failures, so callers can rely on the callback sequence
// to drive their own wire protocol.
func (c *Client) ChatStream(ctx context.Context, messages []Message, emit func(Frame)) {
	if len(messages) == 0 {
		emit(ErrorFrame("no messages provided"))
		return
	}

	if !c.Healthy(ctx) {
		c.logger.Warn("backend unavailable, refusing stream")
		emit(ErrorFrame("completion backend is unavailable"))
		return
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	})
	if err != nil {
		emit(ErrorFrame("failed to encode request"))
		return
	}

	c.logger.Log(ctx, config.LevelTrace, "chat stream request", "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		emit(ErrorFrame("failed to build request"))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("chat stream request failed", "error", err)
		emit(ErrorFrame("completion request failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("chat stream rejected", "status", resp.StatusCode, "body", string(msg))
		emit(ErrorFrame(fmt.Sprintf("completion backend returned status %d", resp.StatusCode)))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if strings.TrimSpace(payload) == "[DONE]" {
			emit(DoneFrame())
			return
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			emit(ContentFrame(delta))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("chat stream interrupted", "error", err)
		emit(ErrorFrame("stream interrupted"))
		return
	}

	// Backend closed the stream cleanly without a [DONE] marker; treat
	// as normal completion rather than inventing an error.
	emit(DoneFrame())
}

// Complete sends a non-streaming chat completion and returns the full
// assistant message.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("no messages provided")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("completion backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion response had no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

// Structured requests a completion that must parse as JSON and conform
// to schema, then unmarshals it into out. Code fences around the model
// output are tolerated; anything else that fails to parse or validate
// is an error.
func (c *Client) Structured(ctx context.Context, messages []Message, schema *jsonschema.Schema, out any) error {
	raw, err := c.Complete(ctx, messages)
	if err != nil {
		return err
	}

	cleaned := StripFences(raw)

	var instance any
	if err := json.Unmarshal([]byte(cleaned), &instance); err != nil {
		return fmt.Errorf("model output is not valid JSON: %w", err)
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("model output failed schema validation: %w", err)
	}

	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
