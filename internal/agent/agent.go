// Package agent implements the two worker agents: the Code Agent, which asks
// the model for executable analysis code, and the Explanation Agent, which
// asks for direct quantitative findings.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/ai"
	"github.com/KaramelBytes/datachat/internal/analysis"
	"github.com/KaramelBytes/datachat/internal/config"
	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/lenient"
	"github.com/KaramelBytes/datachat/internal/observability"
	"github.com/KaramelBytes/datachat/internal/utils"
)

var (
	ErrMissingCredential = errors.New("model credential is missing")
	ErrValidation        = errors.New("model output failed validation")
	ErrNoRuntime         = errors.New("model runtime is required")
)

// Kind selects the worker behavior.
type Kind string

const (
	KindCode        Kind = "code"
	KindExplanation Kind = "explanation"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// defaultDataTokenBudget bounds how much raw table text the Explanation Agent
// may embed in its prompt before falling back to the statistical profile only.
const defaultDataTokenBudget = 3000

// Output is the validated worker reply.
type Output struct {
	Query       string  `json:"query"`
	Explanation string  `json:"explanation"`
	Code        *string `json:"code"`
}

// CodeText returns the code, or "" when absent.
func (o Output) CodeText() string {
	if o.Code == nil {
		return ""
	}
	return *o.Code
}

// Result is the outcome of Run. Data is set on success, Message on error.
type Result struct {
	Status  string  `json:"status"`
	Data    *Output `json:"data,omitempty"`
	Message string  `json:"message,omitempty"`
	// Raw reports that the model reply was not JSON and was wrapped as the explanation.
	Raw bool `json:"-"`
}

// OK reports a successful run.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Projection is the {query, code, explanation} view of a run, or {error}.
type Projection struct {
	Query       string `json:"query,omitempty"`
	Code        string `json:"code,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Options tune a worker.
type Options struct {
	Logger *zap.Logger
	// DataTokenBudget caps the table text embedded by the Explanation Agent;
	// zero uses the default, negative disables embedding.
	DataTokenBudget int
}

// Worker is a role-specialized model wrapper over a dataset store.
type Worker struct {
	kind     Kind
	settings config.ModelSettings
	rt       ai.Runtime
	store    *dataset.Store
	log      *zap.Logger
	budget   int
}

// NewCodeAgent builds the code-producing worker.
func NewCodeAgent(settings config.ModelSettings, rt ai.Runtime, store *dataset.Store, opts Options) (*Worker, error) {
	return newWorker(KindCode, settings, rt, store, opts)
}

// NewExplanationAgent builds the explanation-producing worker.
func NewExplanationAgent(settings config.ModelSettings, rt ai.Runtime, store *dataset.Store, opts Options) (*Worker, error) {
	return newWorker(KindExplanation, settings, rt, store, opts)
}

func newWorker(kind Kind, settings config.ModelSettings, rt ai.Runtime, store *dataset.Store, opts Options) (*Worker, error) {
	if ai.RequiresAPIKey(settings.Provider) && strings.TrimSpace(settings.APIKey) == "" {
		return nil, fmt.Errorf("%s agent: %w", kind, ErrMissingCredential)
	}
	if rt == nil {
		return nil, fmt.Errorf("%s agent: %w", kind, ErrNoRuntime)
	}
	if store == nil {
		return nil, fmt.Errorf("%s agent: dataset store is required", kind)
	}
	budget := opts.DataTokenBudget
	if budget == 0 {
		budget = defaultDataTokenBudget
	}
	return &Worker{
		kind:     kind,
		settings: settings,
		rt:       rt,
		store:    store,
		log:      observability.OrNop(opts.Logger).With(zap.String("agent", string(kind))),
		budget:   budget,
	}, nil
}

// Kind returns the worker kind.
func (w *Worker) Kind() Kind { return w.kind }

// Run asks the model to answer query against the table stored under key.
// Failures are reported in the Result, never as a Go error.
func (w *Worker) Run(ctx context.Context, query, key string) Result {
	t, err := w.store.Get(key)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	req := ai.GenerateRequest{
		Model:       w.settings.Model,
		Messages:    w.messages(t, query),
		Temperature: w.settings.Temperature,
		TopP:        w.settings.TopP,
		MaxTokens:   w.settings.MaxTokens,
	}
	start := time.Now()
	resp, err := w.rt.Generate(ctx, req)
	observability.ObserveModelCall(string(w.kind)+"_agent", ai.Kind(err), time.Since(start))
	if err != nil {
		w.log.Warn("model call failed", zap.Error(err), zap.String("error_kind", ai.Kind(err)))
		return Result{Status: StatusError, Message: err.Error()}
	}
	w.log.Debug("model replied",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	out, raw, err := decodeOutput(resp.Text(), query)
	if err != nil {
		w.log.Warn("model output rejected", zap.Error(err))
		return Result{Status: StatusError, Message: err.Error()}
	}
	if raw {
		w.log.Info("model reply was not JSON, wrapped as explanation")
	}
	return Result{Status: StatusSuccess, Data: &out, Raw: raw}
}

// RunAndReturnCode projects Run onto {query, code, explanation}, or {error}.
func (w *Worker) RunAndReturnCode(ctx context.Context, query, key string) Projection {
	res := w.Run(ctx, query, key)
	if !res.OK() {
		return Projection{Error: res.Message}
	}
	return Projection{
		Query:       res.Data.Query,
		Code:        res.Data.CodeText(),
		Explanation: res.Data.Explanation,
	}
}

func (w *Worker) messages(t *dataset.Table, query string) []ai.Message {
	switch w.kind {
	case KindCode:
		return []ai.Message{
			{Role: "system", Content: codeSystemPrompt(t)},
			{Role: "user", Content: codeUserPrompt(t, query)},
		}
	default:
		return []ai.Message{
			{Role: "system", Content: explainSystemPrompt(t, w.dataContext(t))},
			{Role: "user", Content: explainUserPrompt(t, query)},
		}
	}
}

// dataContext renders the statistical profile and, when it fits the budget, every row.
func (w *Worker) dataContext(t *dataset.Table) string {
	opt := analysis.DefaultOptions()
	var b strings.Builder
	b.WriteString(analysis.Profile(t, opt).Markdown())
	if w.budget < 0 {
		return b.String()
	}
	rows := tableText(t)
	if utils.CountTokens(rows) <= w.budget {
		b.WriteString("\n[FULL DATA]\n")
		b.WriteString(rows)
	}
	return b.String()
}

func tableText(t *dataset.Table) string {
	var b strings.Builder
	b.WriteString(strings.Join(t.Names(), ","))
	b.WriteByte('\n')
	for i := 0; i < t.Len(); i++ {
		b.WriteString(strings.Join(t.Row(i), ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// decodeOutput normalizes a model reply. Non-JSON replies become the
// explanation with empty code; JSON replies must satisfy the schema.
func decodeOutput(text, query string) (Output, bool, error) {
	v := lenient.Decode(text)
	if !v.IsObject() {
		empty := ""
		return Output{Query: query, Explanation: v.Text, Code: &empty}, true, nil
	}
	if err := validateOutput(v.JSON); err != nil {
		return Output{}, false, err
	}
	var out Output
	if err := json.Unmarshal(v.JSON, &out); err != nil {
		return Output{}, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return out, false, nil
}
