// Package config handles Relay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is used when the config file does not override it.
// It instructs the model to prefer tool results over guessing, which the
// agent loop depends on.
const DefaultSystemPrompt = "You are an AI assistant whose goal is to provide accurate and " +
	"reliable information. Answer clearly, precisely, and based only on facts. " +
	"Always use the available tools when they are relevant to the question."

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./relay.yaml, ~/.config/relay/relay.yaml, /etc/relay/relay.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"relay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "relay.yaml"))
	}

	paths = append(paths, "/etc/relay/relay.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Relay configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Completion   CompletionConfig   `yaml:"completion"`
	ToolServers  []ToolServerConfig `yaml:"tool_servers"`
	Agent        AgentConfig        `yaml:"agent"`
	Context      ContextConfig      `yaml:"context"`
	CORS         CORSConfig         `yaml:"cors"`
	DataDir      string             `yaml:"data_dir"`
	SystemPrompt string             `yaml:"system_prompt"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// CompletionConfig defines the completion backend connection.
type CompletionConfig struct {
	// BaseURL is the root of an OpenAI-compatible backend, e.g. a local
	// vLLM server at http://localhost:8000. The client appends
	// /v1/chat/completions, /v1/models and /metrics to it.
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Connection pool tuning. The pool is process-scoped and shared by
	// every request.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	PoolSize          int `yaml:"pool_size"`
	KeepAliveSec      int `yaml:"keepalive_sec"`
}

// ToolServerConfig defines one MCP tool provider. Exactly one of URL
// (streamable HTTP) or Command (stdio subprocess) must be set.
type ToolServerConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// AgentConfig tunes the tool-use loop.
type AgentConfig struct {
	MaxIterations  int `yaml:"max_iterations"`
	LoopTimeoutSec int `yaml:"loop_timeout_sec"`
}

// ContextConfig bounds the conversation window sent to the backend.
type ContextConfig struct {
	MaxTokens     int `yaml:"max_tokens"`
	ReserveTokens int `yaml:"reserve_tokens"`
}

// CORSConfig lists origins allowed to call the HTTP API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from a YAML file. Environment variable
// references in the file (e.g. ${RELAY_DATA_DIR}) are expanded before
// parsing, so secrets can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills any zero-valued tunable with its default. Called
// after YAML unmarshal so a partial config file works.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Completion.BaseURL == "" {
		c.Completion.BaseURL = "http://localhost:8000"
	}
	if c.Completion.Model == "" {
		c.Completion.Model = "gaunernst/gemma-3-12b-it-qat-autoawq"
	}
	if c.Completion.Temperature == 0 {
		c.Completion.Temperature = 0.7
	}
	if c.Completion.MaxTokens == 0 {
		c.Completion.MaxTokens = 2048
	}
	if c.Completion.RequestTimeoutSec == 0 {
		c.Completion.RequestTimeoutSec = 300
	}
	if c.Completion.PoolSize == 0 {
		c.Completion.PoolSize = 100
	}
	if c.Completion.KeepAliveSec == 0 {
		c.Completion.KeepAliveSec = 60
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 5
	}
	if c.Agent.LoopTimeoutSec == 0 {
		c.Agent.LoopTimeoutSec = 120
	}
	if c.Context.MaxTokens == 0 {
		c.Context.MaxTokens = 16384
	}
	if c.Context.ReserveTokens == 0 {
		c.Context.ReserveTokens = 2048
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

// Validate checks the configuration for values that would fail at
// runtime. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Completion.BaseURL == "" {
		return fmt.Errorf("completion.base_url is required")
	}
	if c.Context.ReserveTokens >= c.Context.MaxTokens {
		return fmt.Errorf("context.reserve_tokens (%d) must be below context.max_tokens (%d)",
			c.Context.ReserveTokens, c.Context.MaxTokens)
	}
	for i, ts := range c.ToolServers {
		if ts.URL == "" && ts.Command == "" {
			return fmt.Errorf("tool_servers[%d] (%q): either url or command is required", i, ts.Name)
		}
		if ts.URL != "" && ts.Command != "" {
			return fmt.Errorf("tool_servers[%d] (%q): url and command are mutually exclusive", i, ts.Name)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
