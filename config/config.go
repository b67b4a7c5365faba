package config

import (
	"os"
	"path/filepath"

	"github.com/voxtura/chorus/errors"
	"gopkg.in/yaml.v3"
)

// FilesystemAccess restricts what the ACP filesystem callbacks may touch.
// Patterns are doublestar globs relative to the working directory.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes an MCP server passed through to ACP agents in
// session/new. Chorus does not talk to these servers itself.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Provider declares one backend the dispatcher may initialize.
//
// Transport selects the channel mechanics:
//   - "acp":        spawn Command and speak JSON-RPC over its stdio
//   - "api":        native HTTPS API via the matching SDK (API field)
//   - "local-exec": invoke Command with the prompt as an argument
type Provider struct {
	ID        string   `yaml:"id"`
	Transport string   `yaml:"transport"`
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	API       string   `yaml:"api,omitempty"` // anthropic, openai, gemini, bedrock
	Model     string   `yaml:"model,omitempty"`
	Tier      string   `yaml:"tier,omitempty"`
}

type Cache struct {
	Disabled   bool `yaml:"disabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

type Context struct {
	MaxSymbols int `yaml:"max_symbols"`
}

type Config struct {
	DefaultAgent    string           `yaml:"default_agent"`
	TimeoutSeconds  int              `yaml:"timeout_seconds"`
	Providers       []Provider       `yaml:"providers"`
	Cache           Cache            `yaml:"cache"`
	Context         Context          `yaml:"context"`
	MCPServers      []MCPServer      `yaml:"mcp_servers"`
	FilesystemAcces FilesystemAccess `yaml:"filesystem_access"`
}

const (
	DefaultAgent          = "copilot"
	DefaultTimeoutSeconds = 30
	DefaultCacheTTL       = 300
	DefaultMaxSymbols     = 8
)

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The .chorus directory itself is never exposed to agents.
	cfg.FilesystemAcces.Hidden = append(cfg.FilesystemAcces.Hidden, ".chorus", ".chorus/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".chorus", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".chorus", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, giving a simple merge
	// where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.DefaultAgent == "" {
		c.DefaultAgent = DefaultAgent
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = DefaultCacheTTL
	}
	if c.Context.MaxSymbols <= 0 {
		c.Context.MaxSymbols = DefaultMaxSymbols
	}
	if len(c.Providers) == 0 {
		c.Providers = DefaultProviders()
	}
}

// DefaultProviders is the registry used when no config file declares any.
// Each logical name lists its fallback chain in order: ACP agent first,
// then the native API, then a local model.
func DefaultProviders() []Provider {
	return []Provider{
		{ID: "claude", Transport: "acp", Command: "claude-code-acp"},
		{ID: "claude", Transport: "api", API: "anthropic", Model: "claude-sonnet-4-20250514", Tier: "premium"},
		{ID: "claude", Transport: "local-exec", Command: "ollama-chat"},
		{ID: "copilot", Transport: "acp", Command: "copilot-agent"},
		{ID: "copilot", Transport: "api", API: "openai", Model: "gpt-4o-mini", Tier: "standard"},
		{ID: "copilot", Transport: "local-exec", Command: "ollama-chat"},
		{ID: "openai", Transport: "api", API: "openai", Model: "gpt-4o", Tier: "premium"},
		{ID: "gemini", Transport: "api", API: "gemini", Model: "gemini-1.5-pro", Tier: "premium"},
		{ID: "bedrock", Transport: "api", API: "bedrock", Model: "anthropic.claude-3-5-sonnet-20240620-v1:0", Tier: "premium"},
		{ID: "local", Transport: "local-exec", Command: "ollama-chat", Tier: "free"},
	}
}

// Chain returns the ordered fallback candidates for a logical provider name.
func (c *Config) Chain(id string) []Provider {
	var chain []Provider
	for _, p := range c.Providers {
		if p.ID == id {
			chain = append(chain, p)
		}
	}
	return chain
}

// LogicalNames returns the distinct provider IDs in declaration order.
func (c *Config) LogicalNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, p := range c.Providers {
		if !seen[p.ID] {
			seen[p.ID] = true
			names = append(names, p.ID)
		}
	}
	return names
}
