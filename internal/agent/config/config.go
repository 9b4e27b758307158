// Package config loads the assistant configuration from the data
// directory's config.yaml, with env-var expansion for secrets.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full assistant configuration
type Config struct {
	// Data directory holding the database, config, and skills
	DataDir string `yaml:"data_dir"`
	// Workspace is the directory the agent operates in (skills cwd, SOUL.md)
	Workspace string `yaml:"workspace"`
	// Timezone overrides the stored profile timezone when set (IANA name)
	Timezone string `yaml:"timezone"`

	Providers ProvidersConfig `yaml:"providers"`
	Budget    BudgetConfig    `yaml:"budget"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Gardener  GardenerConfig  `yaml:"gardener"`
	Server    ServerConfig    `yaml:"server"`
}

// ProvidersConfig holds per-provider credentials and model choices
type ProvidersConfig struct {
	Anthropic APIProviderConfig    `yaml:"anthropic"`
	OpenAI    APIProviderConfig    `yaml:"openai"`
	Ollama    OllamaProviderConfig `yaml:"ollama"`
	// TimeoutSeconds bounds each provider call (default: 60)
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// APIProviderConfig holds credentials for a hosted provider
type APIProviderConfig struct {
	APIKey string `yaml:"api_key"` // supports ${ENV_VAR} expansion
	Model  string `yaml:"model"`
}

// OllamaProviderConfig holds settings for the local Ollama daemon
type OllamaProviderConfig struct {
	Host       string `yaml:"host"`
	Model      string `yaml:"model"`
	EmbedModel string `yaml:"embed_model"`
}

// BudgetConfig caps spend; zero means uncapped.
type BudgetConfig struct {
	DailyUSD   float64 `yaml:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd"`
}

// AgentConfig holds agent-loop settings
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"` // tool-loop safety limit (default: 10)
	MaxTokens     int `yaml:"max_tokens"`     // completion cap per provider call (default: 4096)
	// VerbatimTurns is how many recent turns the context manager keeps
	// untouched (default: 12)
	VerbatimTurns int `yaml:"verbatim_turns"`
	// DigestCharBudget bounds the synthetic digest of older turns (default: 2000)
	DigestCharBudget int `yaml:"digest_char_budget"`
	// MemoryCharBudget bounds the memory section of the system prompt (default: 2000)
	MemoryCharBudget int `yaml:"memory_char_budget"`
	// MaxConversationMessages caps recent-conversation recall (default: 6)
	MaxConversationMessages int `yaml:"max_conversation_messages"`
}

// MemoryConfig holds extraction and decay settings
type MemoryConfig struct {
	MaxFactsPerMessage     int     `yaml:"max_facts_per_message"`    // default: 20
	DeduplicationThreshold float64 `yaml:"deduplication_threshold"`  // cosine cutoff (default: 0.95)
	EmbedConcurrency       int     `yaml:"embed_concurrency"`        // in-flight embeds (default: 5)
	ClassifierBatchSize    int     `yaml:"classifier_batch_size"`    // default: 10
	ArchiveThreshold       float64 `yaml:"archive_threshold"`        // prominence floor (default: 0.1)
	MinAgeDays             int     `yaml:"min_age_days"`             // archival grace period (default: 14)
	PruneEpsilon           float64 `yaml:"prune_epsilon"`            // hard-delete floor (default: 0.01)
	UtilityThreshold       float64 `yaml:"utility_threshold"`        // default: 0.2
	ArchiveMaxPerRun       int     `yaml:"archive_max_per_run"`      // default: 50
	SanitizeContent        bool    `yaml:"sanitize_content"`         // injection-pattern filtering (default: true)
	SessionMaxAgeDays      int     `yaml:"session_max_age_days"`     // prune idle sessions (default: 90)
	SweepMaxContentLength  int     `yaml:"sweep_max_content_length"` // polluted-sweep cutoff (default: 300)
}

// GardenerConfig drives the background cycle cadence
type GardenerConfig struct {
	LightIntervalMinutes int `yaml:"light_interval_minutes"` // default: 5
	DeepIntervalMinutes  int `yaml:"deep_interval_minutes"`  // default: 72
	SleepIntervalHours   int `yaml:"sleep_interval_hours"`   // default: 20
	QuietHoursStart      int `yaml:"quiet_hours_start"`      // default: 23
	QuietHoursEnd        int `yaml:"quiet_hours_end"`        // default: 7
}

// ServerConfig holds gateway listen settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:   DefaultDataDir(),
		Workspace: defaultWorkspace(),
		Providers: ProvidersConfig{
			Anthropic:      APIProviderConfig{APIKey: "${ANTHROPIC_API_KEY}", Model: "claude-sonnet-4-5"},
			OpenAI:         APIProviderConfig{APIKey: "${OPENAI_API_KEY}", Model: "gpt-4o-mini"},
			Ollama:         OllamaProviderConfig{Host: "http://localhost:11434", Model: "llama3.2", EmbedModel: "nomic-embed-text"},
			TimeoutSeconds: 60,
		},
		Agent: AgentConfig{
			MaxIterations:           10,
			MaxTokens:               4096,
			VerbatimTurns:           12,
			DigestCharBudget:        2000,
			MemoryCharBudget:        2000,
			MaxConversationMessages: 6,
		},
		Memory: MemoryConfig{
			MaxFactsPerMessage:     20,
			DeduplicationThreshold: 0.95,
			EmbedConcurrency:       5,
			ClassifierBatchSize:    10,
			ArchiveThreshold:       0.1,
			MinAgeDays:             14,
			PruneEpsilon:           0.01,
			UtilityThreshold:       0.2,
			ArchiveMaxPerRun:       50,
			SanitizeContent:        true,
			SessionMaxAgeDays:      90,
			SweepMaxContentLength:  300,
		},
		Gardener: GardenerConfig{
			LightIntervalMinutes: 5,
			DeepIntervalMinutes:  72,
			SleepIntervalHours:   20,
			QuietHoursStart:      23,
			QuietHoursEnd:        7,
		},
		Server: ServerConfig{Host: "127.0.0.1", Port: 7600},
	}
}

// DefaultDataDir returns the platform data directory for sage
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sage")
	}
	return ".sage"
}

func defaultWorkspace() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "sage")
	}
	return "."
}

// Load reads config.yaml from the default data directory, falling back to
// defaults when the file does not exist.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	return loadInto(cfg, filepath.Join(cfg.DataDir, "config.yaml"), true)
}

// LoadFrom reads config from a specific path
func LoadFrom(path string) (*Config, error) {
	return loadInto(DefaultConfig(), path, false)
}

func loadInto(cfg *Config, path string, missingOK bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if missingOK && os.IsNotExist(err) {
			cfg.expand()
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	return cfg, nil
}

// expand resolves ~ and ${ENV_VAR} references
func (c *Config) expand() {
	c.DataDir = expandPath(c.DataDir)
	c.Workspace = expandPath(c.Workspace)
	c.Providers.Anthropic.APIKey = os.ExpandEnv(c.Providers.Anthropic.APIKey)
	c.Providers.OpenAI.APIKey = os.ExpandEnv(c.Providers.OpenAI.APIKey)
	c.Providers.Ollama.Host = os.ExpandEnv(c.Providers.Ollama.Host)
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Save writes the config to the data directory's config.yaml
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "sage.db")
}

// SkillsDir returns the directory skills are loaded from
func (c *Config) SkillsDir() string {
	return filepath.Join(c.DataDir, "skills")
}

// SoulPath returns the optional behavioural-guidelines file in the workspace
func (c *Config) SoulPath() string {
	return filepath.Join(c.Workspace, "SOUL.md")
}

// Masked returns a copy safe for display: API keys reduced to a hint.
func (c *Config) Masked() *Config {
	out := *c
	out.Providers.Anthropic.APIKey = maskKey(c.Providers.Anthropic.APIKey)
	out.Providers.OpenAI.APIKey = maskKey(c.Providers.OpenAI.APIKey)
	return &out
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
