// Command relay is a tool-augmented chat gateway: it fronts an
// OpenAI-compatible completion backend, runs a bounded tool-use loop
// against MCP providers, and streams answers over SSE.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eladberg/relay/examples"
	"github.com/eladberg/relay/internal/agent"
	"github.com/eladberg/relay/internal/api"
	"github.com/eladberg/relay/internal/buildinfo"
	"github.com/eladberg/relay/internal/chat"
	"github.com/eladberg/relay/internal/config"
	"github.com/eladberg/relay/internal/history"
	"github.com/eladberg/relay/internal/llm"
	"github.com/eladberg/relay/internal/toolsession"
	"github.com/eladberg/relay/internal/transcript"
)

const usage = `Usage: relay [flags] <command>

Commands:
  serve     Run the gateway server
  ask       Ask a one-shot question from the command line
  init      Write an example config file to the current directory
  version   Print build information
  help      Show this help

Flags:
  -config <path>   Config file (default: search relay.yaml,
                   ~/.config/relay/relay.yaml, /etc/relay/relay.yaml)
  -o <format>      Output format for ask/version: text or json (default text)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

// cliArgs holds the hand-parsed command line.
type cliArgs struct {
	command    string
	configPath string
	output     string
	rest       []string
}

func parseArgs(args []string) (cliArgs, error) {
	parsed := cliArgs{output: "text"}

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				return parsed, errors.New("-config requires a path")
			}
			parsed.configPath = args[i+1]
			i += 2
		case "-o", "--output":
			if i+1 >= len(args) {
				return parsed, errors.New("-o requires a format")
			}
			parsed.output = args[i+1]
			if parsed.output != "text" && parsed.output != "json" {
				return parsed, fmt.Errorf("unknown output format %q", parsed.output)
			}
			i += 2
		default:
			if parsed.command == "" {
				parsed.command = args[i]
			} else {
				parsed.rest = append(parsed.rest, args[i])
			}
			i++
		}
	}

	return parsed, nil
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch parsed.command {
	case "serve":
		return runServe(ctx, stderr, parsed)
	case "ask":
		return runAsk(ctx, stdout, stderr, parsed)
	case "init":
		return runInit(stdout)
	case "version":
		return runVersion(stdout, parsed)
	case "", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", parsed.command)
	}
}

// loadConfig finds and loads the config file, falling back to defaults
// when no file exists and none was requested explicitly.
func loadConfig(parsed cliArgs) (*config.Config, error) {
	path, err := config.FindConfig(parsed.configPath)
	if err != nil {
		if parsed.configPath != "" {
			return nil, err
		}
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(stderr io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	return slog.New(handler), nil
}

func runServe(ctx context.Context, stderr io.Writer, parsed cliArgs) error {
	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String())

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Single-instance guard: two gateways sharing one transcript
	// database corrupt each other's WAL.
	lock := flock.New(filepath.Join(dataDir, "relay.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another relay instance is already running in %s", dataDir)
	}
	defer lock.Unlock()

	store, err := transcript.Open("sqlite3",
		filepath.Join(dataDir, "relay.db")+"?_journal_mode=WAL&_busy_timeout=5000", logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client, orchestrator := buildPipeline(cfg, logger)

	server := api.NewServer(api.Options{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		Responder:      orchestrator,
		Backend:        client,
		Extractor:      client,
		Transcripts:    store,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildPipeline wires the completion client, agent executor and
// orchestrator from config.
func buildPipeline(cfg *config.Config, logger *slog.Logger) (*llm.Client, *chat.Orchestrator) {
	client := llm.NewClient(llm.Options{
		BaseURL:        cfg.Completion.BaseURL,
		Model:          cfg.Completion.Model,
		Temperature:    cfg.Completion.Temperature,
		MaxTokens:      cfg.Completion.MaxTokens,
		RequestTimeout: time.Duration(cfg.Completion.RequestTimeoutSec) * time.Second,
		PoolSize:       cfg.Completion.PoolSize,
		KeepAlive:      time.Duration(cfg.Completion.KeepAliveSec) * time.Second,
		Logger:         logger,
	})

	endpoints := make([]toolsession.Endpoint, 0, len(cfg.ToolServers))
	for _, ts := range cfg.ToolServers {
		endpoints = append(endpoints, toolsession.Endpoint{
			Name:    ts.Name,
			URL:     ts.URL,
			Command: ts.Command,
			Args:    ts.Args,
		})
	}

	orchestrator := chat.New(chat.Options{
		Client:        client,
		Executor:      agent.NewExecutor(client, cfg.Agent.MaxIterations, logger),
		Truncator:     history.NewTruncator(nil, logger),
		Endpoints:     endpoints,
		SystemPrompt:  cfg.SystemPrompt,
		MaxTokens:     cfg.Context.MaxTokens,
		ReserveTokens: cfg.Context.ReserveTokens,
		LoopTimeout:   time.Duration(cfg.Agent.LoopTimeoutSec) * time.Second,
		Logger:        logger,
	})

	return client, orchestrator
}

// runAsk answers a single question from the command line, using the
// same pipeline the server uses but without persisting a transcript.
func runAsk(ctx context.Context, stdout, stderr io.Writer, parsed cliArgs) error {
	if len(parsed.rest) == 0 {
		return errors.New("ask requires a question, e.g. relay ask \"what is 2+2\"")
	}
	question := parsed.rest[0]
	for _, part := range parsed.rest[1:] {
		question += " " + part
	}

	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	_, orchestrator := buildPipeline(cfg, logger)

	outcome, err := orchestrator.Respond(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: question},
	})
	if err != nil {
		return err
	}

	if parsed.output == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{
			"answer":     outcome.Answer,
			"route":      outcome.Route,
			"tool_calls": len(outcome.WorkLog),
		})
	}

	fmt.Fprintln(stdout, outcome.Answer)
	return nil
}

// runInit writes the embedded example config next to the caller,
// refusing to clobber an existing file.
func runInit(stdout io.Writer) error {
	const target = "relay.yaml"
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", target)
	}
	if err := os.WriteFile(target, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", target)
	return nil
}

func runVersion(stdout io.Writer, parsed cliArgs) error {
	if parsed.output == "json" {
		return json.NewEncoder(stdout).Encode(buildinfo.Info())
	}
	fmt.Fprintln(stdout, buildinfo.String())
	return nil
}
