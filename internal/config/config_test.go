package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Listen.Port)
	}
	if cfg.Completion.BaseURL != "http://localhost:8000" {
		t.Errorf("base_url = %q, want default", cfg.Completion.BaseURL)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max_iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.LoopTimeoutSec != 120 {
		t.Errorf("loop_timeout_sec = %d, want 120", cfg.Agent.LoopTimeoutSec)
	}
	if cfg.SystemPrompt == "" {
		t.Error("system prompt not defaulted")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_RELAY_BACKEND", "http://gpu-box:8000")
	path := writeConfig(t, "completion:\n  base_url: ${TEST_RELAY_BACKEND}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Completion.BaseURL != "http://gpu-box:8000" {
		t.Errorf("base_url = %q, want expanded value", cfg.Completion.BaseURL)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 8090
completion:
  base_url: http://localhost:8000
  model: test-model
  temperature: 0.2
tool_servers:
  - name: calculator
    url: http://localhost:7000/mcp
  - name: local
    command: mcp-tools
    args: ["--stdio"]
agent:
  max_iterations: 3
context:
  max_tokens: 8192
  reserve_tokens: 1024
cors:
  allowed_origins: ["https://app.example.com"]
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if len(cfg.ToolServers) != 2 {
		t.Fatalf("tool servers = %d, want 2", len(cfg.ToolServers))
	}
	if cfg.ToolServers[1].Command != "mcp-tools" || len(cfg.ToolServers[1].Args) != 1 {
		t.Errorf("tool server = %+v", cfg.ToolServers[1])
	}
	if cfg.Completion.Temperature != 0.2 {
		t.Errorf("temperature = %v", cfg.Completion.Temperature)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Listen.Port = 70000 }, true},
		{"reserve above max", func(c *Config) {
			c.Context.MaxTokens = 100
			c.Context.ReserveTokens = 200
		}, true},
		{"tool server with neither url nor command", func(c *Config) {
			c.ToolServers = []ToolServerConfig{{Name: "broken"}}
		}, true},
		{"tool server with both url and command", func(c *Config) {
			c.ToolServers = []ToolServerConfig{{Name: "broken", URL: "http://x", Command: "y"}}
		}, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 1234\n")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
