// Package app assembles a ready-to-query coordinator from configuration and
// one dataset file.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/agent"
	"github.com/KaramelBytes/datachat/internal/ai"
	"github.com/KaramelBytes/datachat/internal/config"
	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/observability"
	"github.com/KaramelBytes/datachat/internal/query/duckdb"
	"github.com/KaramelBytes/datachat/internal/refiner"
	"github.com/KaramelBytes/datachat/internal/sandbox"
	"github.com/KaramelBytes/datachat/internal/supervisor"
)

// RuntimeFunc builds the model backend for one role.
type RuntimeFunc func(role string, s config.ModelSettings) (ai.Runtime, error)

// Options configure Open.
type Options struct {
	Logger *zap.Logger
	// Runtime overrides how model backends are built; nil uses the provider registry.
	Runtime RuntimeFunc
	// NoSQL skips the embedded DuckDB engine behind df.sql().
	NoSQL bool
}

// App is one loaded dataset with its coordinator.
type App struct {
	Store      *dataset.Store
	Key        string
	Decisions  []dataset.ColumnDecision
	Supervisor *supervisor.Supervisor
	sql        *duckdb.Engine
	log        *zap.Logger
}

// RegistryRuntime resolves a backend through the ai provider registry using
// the HTTP and retry knobs of cfg.
func RegistryRuntime(cfg *config.Global) RuntimeFunc {
	return func(_ string, s config.ModelSettings) (ai.Runtime, error) {
		return ai.MustRuntime(s.Provider, ai.RuntimeConfig{
			HTTPTimeout: cfg.HTTPTimeout(),
			RetryMax:    cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
			APIKey:      s.APIKey,
			BaseURL:     s.BaseURL,
			Host:        cfg.OllamaHost,
		})
	}
}

// Open loads and preprocesses path, then wires both worker agents, the
// sandbox, the refiner and the coordinator around it.
func Open(cfg *config.Global, path string, opts Options) (*App, error) {
	log := observability.OrNop(opts.Logger)
	newRuntime := opts.Runtime
	if newRuntime == nil {
		newRuntime = RegistryRuntime(cfg)
	}

	key := dataset.KeyFromPath(path)
	store := dataset.NewStore(log)
	if err := store.Load(map[string]string{key: path}); err != nil {
		return nil, err
	}
	decisions, err := store.Preprocess(cfg.PreprocessThreshold, cfg.DateFormat)
	if err != nil {
		return nil, fmt.Errorf("preprocess %s: %w", key, err)
	}

	runtimes := map[string]ai.Runtime{}
	settings := map[string]config.ModelSettings{}
	for _, role := range []string{config.RoleSupervisor, config.RoleAgent, config.RoleExplainer} {
		s := cfg.Role(role)
		rt, err := newRuntime(role, s)
		if err != nil {
			return nil, fmt.Errorf("%s runtime: %w", role, err)
		}
		runtimes[role], settings[role] = rt, s
	}

	agentOpts := agent.Options{Logger: log}
	codeAgent, err := agent.NewCodeAgent(settings[config.RoleAgent], runtimes[config.RoleAgent], store, agentOpts)
	if err != nil {
		return nil, err
	}
	explainAgent, err := agent.NewExplanationAgent(settings[config.RoleAgent], runtimes[config.RoleAgent], store, agentOpts)
	if err != nil {
		return nil, err
	}
	ref, err := refiner.New(settings[config.RoleExplainer], runtimes[config.RoleExplainer], log)
	if err != nil {
		return nil, err
	}

	a := &App{Store: store, Key: key, Decisions: decisions, log: log}
	sbOpts := sandbox.Options{
		PlotsDir:  cfg.PlotsDir,
		URLPrefix: cfg.PlotURLPrefix,
		MaxSteps:  cfg.SandboxMaxSteps,
		Timeout:   cfg.SandboxTimeout(),
		Logger:    log,
	}
	if !opts.NoSQL {
		eng, err := duckdb.Open()
		if err != nil {
			// df.sql() reports the missing engine at call time
			log.Warn("sql engine unavailable", zap.Error(err))
		} else {
			a.sql = eng
			sbOpts.SQL = eng
		}
	}

	sup, err := supervisor.New(supervisor.Options{
		DatasetKey:      key,
		MaxIterations:   cfg.MaxIterations,
		MemoryMaxTokens: cfg.MemoryMaxTokens,
		Logger:          log,
	}, supervisor.Deps{
		Settings:         settings[config.RoleSupervisor],
		Runtime:          runtimes[config.RoleSupervisor],
		Store:            store,
		CodeAgent:        codeAgent,
		ExplanationAgent: explainAgent,
		Sandbox:          sandbox.New(sbOpts),
		Refiner:          ref,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Supervisor = sup
	return a, nil
}

// DatasetKey returns the key of the loaded table.
func (a *App) DatasetKey() string { return a.Key }

// Run answers one question.
func (a *App) Run(ctx context.Context, question string) envelope.SupervisorResponse {
	return a.Supervisor.Run(ctx, question)
}

// ClearMemory forgets the conversation so far.
func (a *App) ClearMemory() { a.Supervisor.ClearMemory() }

// Close releases the SQL engine.
func (a *App) Close() error {
	if a.sql == nil {
		return nil
	}
	err := a.sql.Close()
	a.sql = nil
	return err
}
