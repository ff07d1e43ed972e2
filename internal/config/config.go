package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Model roles. Each role may carry its own credential.
const (
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleExplainer  = "explainer"
)

// Global configuration structure.
type Global struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP        float64 `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`

	// Credentials. Role keys fall back to APIKey when empty.
	APIKey           string `mapstructure:"api_key" yaml:"api_key"`
	SupervisorAPIKey string `mapstructure:"supervisor_api_key" yaml:"supervisor_api_key,omitempty"`
	AgentAPIKey      string `mapstructure:"agent_api_key" yaml:"agent_api_key,omitempty"`
	ExplainerAPIKey  string `mapstructure:"explainer_api_key" yaml:"explainer_api_key,omitempty"`

	// Coordinator
	MaxIterations   int `mapstructure:"max_iterations" yaml:"max_iterations"`
	MemoryMaxTokens int `mapstructure:"memory_max_tokens" yaml:"memory_max_tokens"`

	// Dataset preprocessing
	PreprocessThreshold float64 `mapstructure:"preprocess_threshold" yaml:"preprocess_threshold"`
	DateFormat          string  `mapstructure:"date_format" yaml:"date_format"`

	// Sandbox
	PlotsDir          string `mapstructure:"plots_dir" yaml:"plots_dir"`
	PlotURLPrefix     string `mapstructure:"plot_url_prefix" yaml:"plot_url_prefix"`
	SandboxMaxSteps   uint64 `mapstructure:"sandbox_max_steps" yaml:"sandbox_max_steps"`
	SandboxTimeoutSec int    `mapstructure:"sandbox_timeout_sec" yaml:"sandbox_timeout_sec"`

	SessionsDir string `mapstructure:"sessions_dir" yaml:"sessions_dir"`

	// HTTP/Retry configuration
	HTTPTimeoutSec   int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`

	// Local runtimes (Ollama)
	OllamaHost string `mapstructure:"ollama_host" yaml:"ollama_host"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON   bool   `mapstructure:"log_json" yaml:"log_json"`
	ServeAddr string `mapstructure:"serve_addr" yaml:"serve_addr"`
}

// ModelSettings is the fully resolved connection for one model role.
// Components receive these values; they never read the environment.
type ModelSettings struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Role resolves the settings for a model role, applying the per-role key
// override when present.
func (c *Global) Role(role string) ModelSettings {
	key := c.APIKey
	switch role {
	case RoleSupervisor:
		if c.SupervisorAPIKey != "" {
			key = c.SupervisorAPIKey
		}
	case RoleAgent:
		if c.AgentAPIKey != "" {
			key = c.AgentAPIKey
		}
	case RoleExplainer:
		if c.ExplainerAPIKey != "" {
			key = c.ExplainerAPIKey
		}
	}
	ms := ModelSettings{
		Provider:    c.Provider,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		APIKey:      key,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
	// Only the reasoning loop samples with top_p.
	if role == RoleSupervisor {
		ms.TopP = c.TopP
	}
	return ms
}

// HTTPTimeout and the retry helpers convert the integer knobs to durations.
func (c *Global) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

func (c *Global) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *Global) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// SandboxTimeout is zero when executions are unbounded.
func (c *Global) SandboxTimeout() time.Duration {
	return time.Duration(c.SandboxTimeoutSec) * time.Second
}

// Dir returns ~/.datachat.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".datachat"), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.datachat/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	path := cfgFile
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load loads configuration from file, env, and defaults.
// Precedence: flags (cfgFile) > env > config file > defaults.
func Load(cfgFile string) (*Global, error) {
	v := viper.New()
	v.SetEnvPrefix("DATACHAT")
	v.AutomaticEnv()

	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.SessionsDir == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		c.SessionsDir = filepath.Join(dir, "sessions")
	}
	return &c, nil
}

func defaults() map[string]any {
	return map[string]any{
		"provider":             "openai",
		"base_url":             "",
		"model":                "gpt-4o-mini",
		"temperature":          0.0,
		"top_p":                0.95,
		"max_tokens":           0,
		"api_key":              "",
		"supervisor_api_key":   "",
		"agent_api_key":        "",
		"explainer_api_key":    "",
		"max_iterations":       20,
		"memory_max_tokens":    4000,
		"preprocess_threshold": 0.8,
		"date_format":          "2006-01-02",
		"plots_dir":            filepath.Join("static", "plots"),
		"plot_url_prefix":      "/static/plots",
		"sandbox_max_steps":    0,
		"sandbox_timeout_sec":  0,
		"sessions_dir":         "",
		"http_timeout_sec":     60,
		"retry_max_attempts":   3,
		"retry_base_delay_ms":  500,
		"retry_max_delay_ms":   4000,
		"ollama_host":          "http://127.0.0.1:11434",
		"log_level":            "info",
		"log_json":             false,
		"serve_addr":           ":8080",
	}
}
