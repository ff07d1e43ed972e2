package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/datachat/internal/ai"
	cfgpkg "github.com/KaramelBytes/datachat/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or set datachat configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			fmt.Println("No config loaded")
			return nil
		}
		fmt.Printf("provider: %s\n", cfg.Provider)
		if cfg.BaseURL != "" {
			fmt.Printf("base_url: %s\n", cfg.BaseURL)
		}
		fmt.Printf("model: %s\n", cfg.Model)
		fmt.Printf("api_key: %s\n", mask(cfg.APIKey))
		for _, k := range []struct{ name, val string }{
			{"supervisor_api_key", cfg.SupervisorAPIKey},
			{"agent_api_key", cfg.AgentAPIKey},
			{"explainer_api_key", cfg.ExplainerAPIKey},
		} {
			if k.val != "" {
				fmt.Printf("%s: %s\n", k.name, mask(k.val))
			}
		}
		fmt.Printf("temperature: %.3f\n", cfg.Temperature)
		fmt.Printf("top_p: %.3f\n", cfg.TopP)
		fmt.Printf("max_tokens: %d\n", cfg.MaxTokens)
		fmt.Printf("max_iterations: %d\n", cfg.MaxIterations)
		fmt.Printf("memory_max_tokens: %d\n", cfg.MemoryMaxTokens)
		fmt.Printf("preprocess_threshold: %.2f\n", cfg.PreprocessThreshold)
		fmt.Printf("date_format: %s\n", cfg.DateFormat)
		fmt.Printf("plots_dir: %s\n", cfg.PlotsDir)
		fmt.Printf("plot_url_prefix: %s\n", cfg.PlotURLPrefix)
		fmt.Printf("sandbox_max_steps: %d\n", cfg.SandboxMaxSteps)
		fmt.Printf("sandbox_timeout_sec: %d\n", cfg.SandboxTimeoutSec)
		fmt.Printf("sessions_dir: %s\n", cfg.SessionsDir)
		fmt.Printf("ollama_host: %s\n", cfg.OllamaHost)
		fmt.Printf("log_level: %s\n", cfg.LogLevel)
		fmt.Printf("serve_addr: %s\n", cfg.ServeAddr)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value and save to disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(c, args[0], args[1]); err != nil {
			return err
		}
		if err := cfgpkg.Save(c, cfgFile); err != nil {
			return err
		}
		fmt.Println("Saved config")
		return nil
	},
}

func setConfigValue(c *cfgpkg.Global, key, val string) error {
	atoi := func() (int, error) {
		i, err := strconv.Atoi(val)
		if err != nil || i < 0 {
			return 0, fmt.Errorf("invalid int for %s: %v", key, val)
		}
		return i, nil
	}
	atof := func() (float64, error) {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid float for %s: %v", key, val)
		}
		return f, nil
	}
	var err error
	switch key {
	case "provider":
		p := strings.ToLower(strings.TrimSpace(val))
		if _, ok := ai.GetRuntime(p, ai.RuntimeConfig{}); !ok {
			return fmt.Errorf("invalid provider: %s (use one of %v)", val, ai.Providers())
		}
		c.Provider = p
	case "base_url":
		c.BaseURL = val
	case "model":
		c.Model = val
	case "api_key":
		c.APIKey = val
	case "supervisor_api_key":
		c.SupervisorAPIKey = val
	case "agent_api_key":
		c.AgentAPIKey = val
	case "explainer_api_key":
		c.ExplainerAPIKey = val
	case "temperature":
		c.Temperature, err = atof()
	case "top_p":
		c.TopP, err = atof()
	case "max_tokens":
		c.MaxTokens, err = atoi()
	case "max_iterations":
		c.MaxIterations, err = atoi()
	case "memory_max_tokens":
		c.MemoryMaxTokens, err = atoi()
	case "preprocess_threshold":
		var f float64
		if f, err = atof(); err == nil && f > 1 {
			err = fmt.Errorf("preprocess_threshold must be within [0, 1]")
		}
		c.PreprocessThreshold = f
	case "date_format":
		c.DateFormat = val
	case "plots_dir":
		c.PlotsDir = val
	case "plot_url_prefix":
		c.PlotURLPrefix = val
	case "sandbox_max_steps":
		var i int
		i, err = atoi()
		c.SandboxMaxSteps = uint64(i)
	case "sandbox_timeout_sec":
		c.SandboxTimeoutSec, err = atoi()
	case "sessions_dir":
		c.SessionsDir = val
	case "ollama_host":
		c.OllamaHost = val
	case "log_level":
		c.LogLevel = val
	case "serve_addr":
		c.ServeAddr = val
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return err
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "******"
	}
	return s[:3] + "****" + s[len(s)-3:]
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
