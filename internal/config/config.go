package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the per-project configuration file.
const FileName = "satto.yaml"

// Config represents the satto.yaml configuration file
type Config struct {
	Provider               string                    `koanf:"provider" yaml:"provider"`
	Providers              map[string]ProviderConfig `koanf:"providers" yaml:"providers"`
	AutoApproval           AutoApproval              `koanf:"auto_approval" yaml:"auto_approval"`
	MaxConsecutiveMistakes int                       `koanf:"max_consecutive_mistake_count" yaml:"max_consecutive_mistake_count"`
	MaxTurns               int                       `koanf:"max_turns" yaml:"max_turns"`
	Commands               Commands                  `koanf:"commands" yaml:"commands"`
	Search                 Search                    `koanf:"search" yaml:"search"`
	Retry                  Retry                     `koanf:"retry" yaml:"retry"`
	Store                  Store                     `koanf:"store" yaml:"store"`
	Browser                Browser                   `koanf:"browser" yaml:"browser"`
	MCPServers             map[string]MCPServer      `koanf:"mcp_servers" yaml:"mcp_servers"`
	Transcript             Transcript                `koanf:"transcript" yaml:"transcript"`
}

// ProviderConfig holds the settings for one model provider
type ProviderConfig struct {
	APIKey            string        `koanf:"api_key" yaml:"api_key,omitempty"`
	Model             string        `koanf:"model" yaml:"model,omitempty"`
	BaseURL           string        `koanf:"base_url" yaml:"base_url,omitempty"`
	Temperature       *float64      `koanf:"temperature" yaml:"temperature,omitempty"`
	MaxTokens         int           `koanf:"max_tokens" yaml:"max_tokens,omitempty"`
	RequestsPerMinute float64       `koanf:"requests_per_minute" yaml:"requests_per_minute,omitempty"`
	Timeout           time.Duration `koanf:"timeout" yaml:"timeout,omitempty"`
	ScriptPath        string        `koanf:"script_path" yaml:"script_path,omitempty"`
}

// AutoApproval controls which action groups run without asking
type AutoApproval struct {
	Enabled         bool     `koanf:"enabled" yaml:"enabled"`
	MaxRequests     int      `koanf:"max_requests" yaml:"max_requests"`
	ReadFiles       bool     `koanf:"read_files" yaml:"read_files"`
	EditFiles       bool     `koanf:"edit_files" yaml:"edit_files"`
	ExecuteCommands bool     `koanf:"execute_commands" yaml:"execute_commands"`
	UseBrowser      bool     `koanf:"use_browser" yaml:"use_browser"`
	UseMCP          bool     `koanf:"use_mcp" yaml:"use_mcp"`
	DeniedCommands  []string `koanf:"denied_commands" yaml:"denied_commands"`
}

// Commands configures execute_command
type Commands struct {
	Timeout          time.Duration `koanf:"timeout" yaml:"timeout"`
	OutputLimitBytes int           `koanf:"output_limit_bytes" yaml:"output_limit_bytes"`
	Shell            string        `koanf:"shell" yaml:"shell"`
}

// Search configures search_files and list_files
type Search struct {
	// Backend is "auto", "ripgrep" or "go".
	Backend        string   `koanf:"backend" yaml:"backend"`
	IgnorePatterns []string `koanf:"ignore_patterns" yaml:"ignore_patterns"`
}

// Retry configures transport retries
type Retry struct {
	MaxAttempts     int           `koanf:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `koanf:"multiplier" yaml:"multiplier"`
}

// Store selects the Context Store backend
type Store struct {
	// Backend is "file" or "sqlite".
	Backend string `koanf:"backend" yaml:"backend"`
	// Dir overrides <workspace>/.satto.
	Dir string `koanf:"dir" yaml:"dir,omitempty"`
}

// Browser configures use_browser
type Browser struct {
	Headless       bool   `koanf:"headless" yaml:"headless"`
	Bin            string `koanf:"bin" yaml:"bin,omitempty"`
	ViewportWidth  int    `koanf:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int    `koanf:"viewport_height" yaml:"viewport_height"`
}

// MCPServer describes one stdio MCP server
type MCPServer struct {
	Command  string            `koanf:"command" yaml:"command"`
	Args     []string          `koanf:"args" yaml:"args,omitempty"`
	Env      map[string]string `koanf:"env" yaml:"env,omitempty"`
	Disabled bool              `koanf:"disabled" yaml:"disabled,omitempty"`
}

// Transcript configures terminal output
type Transcript struct {
	RenderMarkdown bool `koanf:"render_markdown" yaml:"render_markdown"`
	RedactSecrets  bool `koanf:"redact_secrets" yaml:"redact_secrets"`
}

var knownProviders = []string{"anthropic", "deepseek", "gemini", "openai", "openai-native", "scripted", "together"}

// apiKeyEnv maps providers to the conventional environment variable for their key.
var apiKeyEnv = map[string]string{
	"anthropic":     "ANTHROPIC_API_KEY",
	"openai":        "OPENAI_API_KEY",
	"openai-native": "OPENAI_API_KEY",
	"deepseek":      "DEEPSEEK_API_KEY",
	"together":      "TOGETHER_API_KEY",
	"gemini":        "GEMINI_API_KEY",
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Provider:  "anthropic",
		Providers: map[string]ProviderConfig{},
		AutoApproval: AutoApproval{
			Enabled:     true,
			MaxRequests: 20,
			ReadFiles:   true,
		},
		MaxConsecutiveMistakes: 3,
		MaxTurns:               50,
		Commands: Commands{
			Timeout:          10 * time.Minute,
			OutputLimitBytes: 64 * 1024,
			Shell:            "/bin/sh",
		},
		Search: Search{
			Backend:        "auto",
			IgnorePatterns: []string{},
		},
		Retry: Retry{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
		Store: Store{
			Backend: "file",
		},
		Browser: Browser{
			Headless:       true,
			ViewportWidth:  900,
			ViewportHeight: 600,
		},
		MCPServers: map[string]MCPServer{},
		Transcript: Transcript{
			RenderMarkdown: true,
			RedactSecrets:  true,
		},
	}
}

// applyDefaults fills zero values that a partial file or environment left behind.
func applyDefaults(c *Config) {
	def := GenerateDefault()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if c.AutoApproval.MaxRequests == 0 {
		c.AutoApproval.MaxRequests = def.AutoApproval.MaxRequests
	}
	if c.MaxConsecutiveMistakes == 0 {
		c.MaxConsecutiveMistakes = def.MaxConsecutiveMistakes
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = def.MaxTurns
	}
	if c.Commands.Timeout == 0 {
		c.Commands.Timeout = def.Commands.Timeout
	}
	if c.Commands.OutputLimitBytes == 0 {
		c.Commands.OutputLimitBytes = def.Commands.OutputLimitBytes
	}
	if c.Commands.Shell == "" {
		c.Commands.Shell = def.Commands.Shell
	}
	if c.Search.Backend == "" {
		c.Search.Backend = def.Search.Backend
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = def.Retry.Multiplier
	}
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Browser.ViewportWidth == 0 {
		c.Browser.ViewportWidth = def.Browser.ViewportWidth
	}
	if c.Browser.ViewportHeight == 0 {
		c.Browser.ViewportHeight = def.Browser.ViewportHeight
	}
	if c.MCPServers == nil {
		c.MCPServers = map[string]MCPServer{}
	}
}

// applyKeyFallbacks fills missing API keys from the providers' conventional
// environment variables.
func applyKeyFallbacks(c *Config, getenv func(string) string) {
	for name, envName := range apiKeyEnv {
		pc := c.Providers[name]
		if pc.APIKey != "" {
			continue
		}
		if key := getenv(envName); key != "" {
			pc.APIKey = key
			c.Providers[name] = pc
		}
	}
}

// ActiveProvider returns the settings for the selected provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.Provider]
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if !isKnownProvider(c.Provider) {
		return fmt.Errorf("configuration error: unknown 'provider' value: %q\n\nHint: Choose one of: %s\n  provider: anthropic", c.Provider, strings.Join(knownProviders, ", "))
	}

	active := c.ActiveProvider()
	if c.Provider == "scripted" {
		if active.ScriptPath == "" {
			return fmt.Errorf("configuration error: provider 'scripted' has no 'script_path'\n\nHint: Point it at a recorded conversation:\n  providers:\n    scripted:\n      script_path: ./script.json")
		}
	} else if active.APIKey == "" {
		envName := apiKeyEnv[c.Provider]
		return fmt.Errorf("configuration error: provider '%s' has no API key\n\nHint: Set %s in the environment or a .env file, or add:\n  providers:\n    %s:\n      api_key: ...", c.Provider, envName, c.Provider)
	}
	if active.Temperature != nil && (*active.Temperature < 0 || *active.Temperature > 2) {
		return fmt.Errorf("configuration error: invalid 'providers.%s.temperature' value: %v\n\nHint: Temperature must be between 0 and 2", c.Provider, *active.Temperature)
	}
	if active.RequestsPerMinute < 0 {
		return fmt.Errorf("configuration error: invalid 'providers.%s.requests_per_minute' value: %v\n\nHint: Use 0 to disable rate limiting", c.Provider, active.RequestsPerMinute)
	}

	if c.AutoApproval.MaxRequests < 1 {
		return fmt.Errorf("configuration error: invalid 'auto_approval.max_requests' value: %d\n\nHint: max_requests must be at least 1:\n  auto_approval:\n    max_requests: 20", c.AutoApproval.MaxRequests)
	}
	if c.MaxConsecutiveMistakes < 1 {
		return fmt.Errorf("configuration error: invalid 'max_consecutive_mistake_count' value: %d\n\nHint: Use a positive count, for example:\n  max_consecutive_mistake_count: 3", c.MaxConsecutiveMistakes)
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("configuration error: invalid 'max_turns' value: %d\n\nHint: Use a positive count, for example:\n  max_turns: 50", c.MaxTurns)
	}
	if c.Commands.Timeout < 0 {
		return fmt.Errorf("configuration error: invalid 'commands.timeout' value: %s\n\nHint: Use a duration such as 10m", c.Commands.Timeout)
	}
	if c.Commands.OutputLimitBytes < 1024 {
		return fmt.Errorf("configuration error: invalid 'commands.output_limit_bytes' value: %d\n\nHint: The output cap must be at least 1024 bytes", c.Commands.OutputLimitBytes)
	}

	switch c.Search.Backend {
	case "auto", "ripgrep", "go":
	default:
		return fmt.Errorf("configuration error: invalid 'search.backend' value: %q\n\nHint: Use auto, ripgrep or go", c.Search.Backend)
	}
	for _, pattern := range c.Search.IgnorePatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("configuration error: invalid 'search.ignore_patterns' entry %q: %v\n\nHint: Use shell glob syntax such as *.log", pattern, err)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("configuration error: invalid 'retry.max_attempts' value: %d\n\nHint: Use 1 to disable retries", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("configuration error: invalid 'retry.multiplier' value: %v\n\nHint: The backoff multiplier must be at least 1", c.Retry.Multiplier)
	}

	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("configuration error: invalid 'store.backend' value: %q\n\nHint: Use file or sqlite", c.Store.Backend)
	}

	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if c.MCPServers[name].Command == "" {
			return fmt.Errorf("configuration error: MCP server '%s' has empty 'command' field\n\nHint: Specify the command that starts the server:\n  mcp_servers:\n    %s:\n      command: npx\n      args: [\"-y\", \"some-server\"]", name, name)
		}
	}

	return nil
}

func isKnownProvider(name string) bool {
	for _, known := range knownProviders {
		if known == name {
			return true
		}
	}
	return false
}

// SaveToFile writes the configuration as YAML with 0600 permissions.
// API keys are never written; they belong in the environment.
func (c *Config) SaveToFile(path string) error {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, pc := range c.Providers {
		pc.APIKey = ""
		out.Providers[name] = pc
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
