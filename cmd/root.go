package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/app"
	cfgpkg "github.com/KaramelBytes/datachat/internal/config"
	"github.com/KaramelBytes/datachat/internal/observability"
)

var (
	cfgFile string
	debug   bool
	logJSON bool
	// Model and retry flags (override config if set)
	flagProvider         string
	flagModel            string
	flagHTTPTimeoutSec   int
	flagRetryMaxAttempts int
	flagRetryBaseDelayMs int
	flagRetryMaxDelayMs  int

	// Loaded configuration
	cfg    *cfgpkg.Global
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "datachat",
	Short: "Ask questions about a CSV or Excel dataset in plain language",
	Long: `datachat loads a tabular dataset and answers natural-language questions about it.
A coordinator routes each question either to a code agent, whose generated analysis
runs in a sandbox and can produce charts, or to an explanation agent that answers
directly from a statistical profile of the data.`,
	SilenceUsage: true,
}

// Execute is the entry point called by main.main()
func Execute() {
	cobra.OnInitialize(loadConfig)
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.datachat/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "model provider: openai | openrouter | typhoon | ollama (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "model name for every role (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagHTTPTimeoutSec, "http-timeout", 0, "HTTP client timeout in seconds (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxAttempts, "retry-max", 0, "max retry attempts on 429/5xx (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryBaseDelayMs, "retry-base-ms", 0, "base retry backoff in ms (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxDelayMs, "retry-max-ms", 0, "max retry backoff cap in ms (overrides config)")
}

func loadConfig() {
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: allow running commands that don't need config
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		return
	}
	cfg = c

	// Apply CLI overrides if provided
	f := rootCmd.PersistentFlags()
	if f.Changed("provider") && flagProvider != "" {
		cfg.Provider = flagProvider
	}
	if f.Changed("model") && flagModel != "" {
		cfg.Model = flagModel
	}
	if f.Changed("http-timeout") && flagHTTPTimeoutSec > 0 {
		cfg.HTTPTimeoutSec = flagHTTPTimeoutSec
	}
	if f.Changed("retry-max") && flagRetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = flagRetryMaxAttempts
	}
	if f.Changed("retry-base-ms") && flagRetryBaseDelayMs > 0 {
		cfg.RetryBaseDelayMs = flagRetryBaseDelayMs
	}
	if f.Changed("retry-max-ms") && flagRetryMaxDelayMs > 0 {
		cfg.RetryMaxDelayMs = flagRetryMaxDelayMs
	}
	if f.Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	l, err := observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠ Warning: %v; logging disabled\n", err)
		return
	}
	logger = l
}

// requireConfig returns the loaded config, or the error that prevented loading it.
func requireConfig() (*cfgpkg.Global, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg = c
	return cfg, nil
}

// openDataset loads path and wires the coordinator around it.
func openDataset(path string) (*app.App, error) {
	c, err := requireConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.Open(c, path, app.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	for _, d := range a.Decisions {
		logger.Debug("column preprocessed",
			zap.String("column", d.Column),
			zap.String("stage", d.Stage),
			zap.Float64("ratio", d.Ratio))
	}
	return a, nil
}
