// Package supervisor implements the coordinator: a bounded ReAct loop that
// routes each user turn to the Code Agent (pandas_agent) or the Explanation
// Agent (analysis_agent), runs generated code in the sandbox, has the refiner
// explain the result, and folds everything into one SupervisorResponse.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/agent"
	"github.com/KaramelBytes/datachat/internal/ai"
	"github.com/KaramelBytes/datachat/internal/config"
	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/observability"
)

var ErrDatasetNotLoaded = errors.New("dataset not loaded")

const (
	DefaultMaxIterations = 20
	// IterationLimitMessage is the response of a turn stopped by the iteration cap.
	IterationLimitMessage = "Agent stopped due to iteration limit or time limit."
)

// Worker is a worker agent as the coordinator uses it.
type Worker interface {
	Run(ctx context.Context, query, key string) agent.Result
}

// Executor runs generated code against a table.
type Executor interface {
	Execute(ctx context.Context, code string, t *dataset.Table) envelope.ExecutionResult
}

// Explainer refines raw execution output.
type Explainer interface {
	Explain(ctx context.Context, output, query string) envelope.Explanation
}

// Options configure a Supervisor.
type Options struct {
	DatasetKey string
	// MaxIterations caps reasoning steps per turn; zero selects DefaultMaxIterations.
	MaxIterations   int
	MemoryMaxTokens int
	Logger          *zap.Logger
	Now             func() time.Time
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Settings         config.ModelSettings
	Runtime          ai.Runtime
	Store            *dataset.Store
	CodeAgent        Worker
	ExplanationAgent Worker
	Sandbox          Executor
	Refiner          Explainer
}

// Supervisor coordinates one session. Turns are serialized.
type Supervisor struct {
	turn     sync.Mutex
	settings config.ModelSettings
	rt       ai.Runtime
	key      string
	table    *dataset.Table
	code     Worker
	explain  Worker
	sandbox  Executor
	refiner  Explainer
	memory   *Memory
	maxIter  int
	now      func() time.Time
	log      *zap.Logger
}

// New binds a Supervisor to the dataset under opts.DatasetKey. A missing
// credential or an unloaded dataset is a configuration error.
func New(opts Options, deps Deps) (*Supervisor, error) {
	if ai.RequiresAPIKey(deps.Settings.Provider) && strings.TrimSpace(deps.Settings.APIKey) == "" {
		return nil, fmt.Errorf("supervisor: %w", agent.ErrMissingCredential)
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("supervisor: %w", agent.ErrNoRuntime)
	}
	if deps.Store == nil || deps.CodeAgent == nil || deps.ExplanationAgent == nil || deps.Sandbox == nil || deps.Refiner == nil {
		return nil, fmt.Errorf("supervisor: store, both agents, sandbox and refiner are required")
	}
	t, err := deps.Store.Get(opts.DatasetKey)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w: %q", ErrDatasetNotLoaded, opts.DatasetKey)
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		settings: deps.Settings,
		rt:       deps.Runtime,
		key:      opts.DatasetKey,
		table:    t,
		code:     deps.CodeAgent,
		explain:  deps.ExplanationAgent,
		sandbox:  deps.Sandbox,
		refiner:  deps.Refiner,
		memory:   NewMemory(opts.MemoryMaxTokens),
		maxIter:  maxIter,
		now:      now,
		log:      observability.OrNop(opts.Logger).With(zap.String("dataset", opts.DatasetKey)),
	}, nil
}

// DatasetKey returns the key of the bound table.
func (s *Supervisor) DatasetKey() string { return s.key }

// ClearMemory forgets the conversation history.
func (s *Supervisor) ClearMemory() {
	s.memory.Clear()
	s.log.Info("memory cleared")
}

// History returns the conversation memory as the reasoning prompt sees it.
func (s *Supervisor) History() string { return s.memory.String() }

// turnState accumulates sub-results in invocation order.
type turnState struct {
	sub   map[string]envelope.SubResponseContent
	tools []string
	plots []envelope.PlotInfo
	trace []envelope.TraceStep
}

func (ts *turnState) record(inv invocation) {
	if _, seen := ts.sub[inv.tool]; !seen {
		ts.tools = append(ts.tools, inv.tool)
	}
	ts.sub[inv.tool] = inv.sub
	ts.plots = append(ts.plots, inv.plots...)
}

func (ts *turnState) step(iteration int, kind string, st envelope.TraceStep) {
	st.Iteration = iteration
	st.Kind = kind
	ts.trace = append(ts.trace, st)
}

func (ts *turnState) invoked(tool string) bool {
	_, ok := ts.sub[tool]
	return ok
}

// Run handles one user turn and always returns exactly one response. Any
// failure, including a panic, yields an error response with no partial results.
func (s *Supervisor) Run(ctx context.Context, userInput string) (resp envelope.SupervisorResponse) {
	s.turn.Lock()
	defer s.turn.Unlock()

	start := time.Now()
	iterations := 0
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			resp = envelope.ErrorResponse(userInput, fmt.Sprintf("internal error: %v", r), s.metadata(nil))
		}
		observability.ObserveTurn(resp.Metadata.Status, iterations, time.Since(start))
	}()

	s.log.Info("turn started", zap.String("query", userInput))
	resp, iterations, err := s.run(ctx, userInput)
	if err != nil {
		s.log.Error("turn failed", zap.Error(err), zap.Int("iterations", iterations))
		return envelope.ErrorResponse(userInput, err.Error(), s.metadata(nil))
	}
	s.memory.Add(userInput, resp.Response)
	s.log.Info("turn finished",
		zap.Strings("tools_used", resp.Metadata.ToolsUsed),
		zap.Int("plots", len(resp.PlotData.Plots)),
		zap.Int("iterations", iterations),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp
}

func (s *Supervisor) run(ctx context.Context, userInput string) (envelope.SupervisorResponse, int, error) {
	route := Classify(userInput)
	ts := &turnState{sub: map[string]envelope.SubResponseContent{}}
	m := newMachine()
	system := systemPrompt(s.key, s.table.Names())
	history := s.memory.String()
	var scratch strings.Builder
	var final string

	iteration := 0
	for !m.done() {
		if iteration >= s.maxIter {
			if err := m.to(StateAborted); err != nil {
				return envelope.SupervisorResponse{}, iteration, err
			}
			ts.step(iteration, envelope.StepAborted, envelope.TraceStep{Text: IterationLimitMessage})
			final = IterationLimitMessage
			s.log.Warn("iteration limit reached", zap.Int("max_iterations", s.maxIter))
			break
		}
		iteration++
		if err := ctx.Err(); err != nil {
			return envelope.SupervisorResponse{}, iteration, fmt.Errorf("turn cancelled: %w", err)
		}

		reply, err := s.think(ctx, system, userPrompt(history, userInput, route, scratch.String()))
		if err != nil {
			return envelope.SupervisorResponse{}, iteration, err
		}
		d, perr := parseReply(reply)
		if d.thought != "" {
			ts.step(iteration, envelope.StepThought, envelope.TraceStep{Text: d.thought})
		}
		if perr != nil {
			// recovered locally: the error goes back to the model as an observation
			if err := m.to(StateSelecting); err != nil {
				return envelope.SupervisorResponse{}, iteration, err
			}
			ts.step(iteration, envelope.StepParseError, envelope.TraceStep{Text: perr.Error(), Output: d.log})
			s.log.Debug("unparseable reasoning step", zap.Int("iteration", iteration), zap.Error(perr))
			fmt.Fprintf(&scratch, "%s\nObservation: %s\nThought: ", d.log, perr.Error())
			continue
		}
		if d.isFinal {
			if err := m.to(StateFinalizing); err != nil {
				return envelope.SupervisorResponse{}, iteration, err
			}
			final = d.final
			ts.step(iteration, envelope.StepFinal, envelope.TraceStep{Text: final})
			break
		}

		if err := m.to(StateInvoking); err != nil {
			return envelope.SupervisorResponse{}, iteration, err
		}
		ts.step(iteration, envelope.StepAction, envelope.TraceStep{Tool: d.tool, Input: d.input})
		var obs string
		if _, known := toolDescriptions[d.tool]; !known {
			obs = fmt.Sprintf("%s is not a valid tool, try one of [%s].", d.tool, strings.Join(toolOrder, ", "))
		} else {
			inv := s.invoke(ctx, d.tool, d.input, userInput)
			ts.record(inv)
			obs = inv.observation
		}
		if err := m.to(StateObserving); err != nil {
			return envelope.SupervisorResponse{}, iteration, err
		}
		ts.step(iteration, envelope.StepObservation, envelope.TraceStep{Tool: d.tool, Output: obs})
		fmt.Fprintf(&scratch, "%s\nObservation: %s\nThought: ", d.log, obs)
		if err := m.to(StateSelecting); err != nil {
			return envelope.SupervisorResponse{}, iteration, err
		}
	}

	if m.state == StateFinalizing && route == RouteCombined && ts.invoked(ToolPandas) && !ts.invoked(ToolAnalysis) {
		s.forward(ctx, userInput, iteration, ts)
	}

	raw := renderTrace(ts.trace)
	meta := s.metadata(ts.tools)
	return envelope.SupervisorResponse{
		Query:       userInput,
		Response:    final,
		RawResponse: &raw,
		Trace:       ts.trace,
		SubResponse: ts.sub,
		PlotData:    envelope.PlotData{Plots: ts.plots},
		Metadata:    meta,
	}, iteration, nil
}

// forward hands the pandas_agent result to analysis_agent for a combined query
// the loop finished without explaining.
func (s *Supervisor) forward(ctx context.Context, userInput string, iteration int, ts *turnState) {
	pandas := ts.sub[ToolPandas]
	var b strings.Builder
	b.WriteString(userInput)
	b.WriteString("\n\nResult from pandas_agent:\n")
	if er := pandas.ExecutionResult; er != nil {
		b.WriteString(er.Text())
	}
	if pandas.Explanation != nil && pandas.Explanation.Display() != "" {
		b.WriteString("\n")
		b.WriteString(pandas.Explanation.Display())
	}
	input := b.String()
	ts.step(iteration, envelope.StepForwarded, envelope.TraceStep{Tool: ToolAnalysis, Input: input})
	inv := s.invoke(ctx, ToolAnalysis, input, userInput)
	ts.record(inv)
	ts.step(iteration, envelope.StepObservation, envelope.TraceStep{Tool: ToolAnalysis, Output: inv.observation})
}

// think asks the reasoning model for its next step.
func (s *Supervisor) think(ctx context.Context, system, user string) (string, error) {
	req := ai.GenerateRequest{
		Model: s.settings.Model,
		Messages: []ai.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: s.settings.Temperature,
		TopP:        s.settings.TopP,
		MaxTokens:   s.settings.MaxTokens,
		Stop:        []string{"\nObservation:"},
	}
	start := time.Now()
	resp, err := s.rt.Generate(ctx, req)
	observability.ObserveModelCall("supervisor", ai.Kind(err), time.Since(start))
	if err != nil {
		return "", fmt.Errorf("reasoning model: %w", err)
	}
	fields := []zap.Field{
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	}
	if cost, ok := ai.EstimateCostUSD(s.settings.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); ok {
		fields = append(fields, zap.Float64("cost_usd", cost))
	}
	s.log.Debug("reasoning step", fields...)
	return resp.Text(), nil
}

func (s *Supervisor) metadata(tools []string) envelope.Metadata {
	if tools == nil {
		tools = []string{}
	}
	return envelope.Metadata{
		Timestamp:   envelope.Timestamp(s.now()),
		Model:       s.settings.Model,
		Temperature: s.settings.Temperature,
		ToolsUsed:   tools,
		DatasetKey:  s.key,
		Status:      envelope.StatusSuccess,
	}
}

// renderTrace writes the trace in the Thought / Action / Observation layout.
func renderTrace(trace []envelope.TraceStep) string {
	var b strings.Builder
	for _, st := range trace {
		switch st.Kind {
		case envelope.StepThought:
			fmt.Fprintf(&b, "Thought: %s\n", st.Text)
		case envelope.StepAction:
			fmt.Fprintf(&b, "Action: %s\nAction Input: %s\n", st.Tool, st.Input)
		case envelope.StepObservation:
			fmt.Fprintf(&b, "Observation: %s\n", st.Output)
		case envelope.StepParseError:
			fmt.Fprintf(&b, "Invalid step: %s\n", st.Text)
		case envelope.StepFinal:
			fmt.Fprintf(&b, "Final Answer: %s\n", st.Text)
		case envelope.StepForwarded:
			fmt.Fprintf(&b, "Forwarded to %s\n", st.Tool)
		case envelope.StepAborted:
			fmt.Fprintf(&b, "Stopped: %s\n", st.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
