package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/datachat/internal/agent"
	"github.com/KaramelBytes/datachat/internal/ai"
	"github.com/KaramelBytes/datachat/internal/ai/aitest"
	"github.com/KaramelBytes/datachat/internal/config"
	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/sandbox"
)

type fakeWorker struct {
	mu      sync.Mutex
	results []agent.Result
	queries []string
	panics  bool
}

func (w *fakeWorker) Run(_ context.Context, query, _ string) agent.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panics {
		panic("worker exploded")
	}
	w.queries = append(w.queries, query)
	if len(w.results) == 0 {
		return agent.Result{Status: agent.StatusError, Message: "no scripted result"}
	}
	r := w.results[0]
	if len(w.results) > 1 {
		w.results = w.results[1:]
	}
	return r
}

func success(query, explanation string, code *string) agent.Result {
	return agent.Result{Status: agent.StatusSuccess, Data: &agent.Output{Query: query, Explanation: explanation, Code: code}}
}

func ptr(s string) *string { return &s }

type fakeRefiner struct {
	calls []string
}

func (r *fakeRefiner) Explain(_ context.Context, output, _ string) envelope.Explanation {
	r.calls = append(r.calls, output)
	return envelope.Explanation{Text: "refined: " + strings.TrimSpace(output)}
}

type harness struct {
	rt       *aitest.Scripted
	code     *fakeWorker
	explain  *fakeWorker
	refiner  *fakeRefiner
	plotsDir string
	sup      *Supervisor
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func salesStore(t *testing.T) *dataset.Store {
	t.Helper()
	month := func(m time.Month) time.Time { return time.Date(2023, m, 10, 0, 0, 0, 0, time.UTC) }
	tbl, err := dataset.FromColumns("sales",
		dataset.NewColumn("order_id", []any{"o1", "o2", "o3", "o4"}),
		dataset.NewColumn("segment", []any{"A", "B", "A", "B"}),
		dataset.NewColumn("sale_date", []any{month(1), month(1), month(2), month(3)}),
		dataset.NewColumn("sale_price", []any{10.0, 20.0, 30.0, 40.0}),
	)
	require.NoError(t, err)
	s := dataset.NewStore(nil)
	s.Put(tbl)
	return s
}

func newHarness(t *testing.T, opts Options, replies ...string) *harness {
	t.Helper()
	h := &harness{
		rt:       aitest.NewScripted(replies...),
		code:     &fakeWorker{},
		explain:  &fakeWorker{},
		refiner:  &fakeRefiner{},
		plotsDir: filepath.Join(t.TempDir(), "plots"),
	}
	if opts.DatasetKey == "" {
		opts.DatasetKey = "sales"
	}
	opts.Now = func() time.Time { return testNow }
	sup, err := New(opts, Deps{
		Settings:         config.ModelSettings{Provider: ai.ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "sk", Temperature: 0.3},
		Runtime:          h.rt,
		Store:            salesStore(t),
		CodeAgent:        h.code,
		ExplanationAgent: h.explain,
		Sandbox:          sandbox.New(sandbox.Options{PlotsDir: h.plotsDir, Now: func() time.Time { return testNow }}),
		Refiner:          h.refiner,
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

const (
	usePandas   = "Thought: Do I need to use a tool? Yes\nAction: pandas_agent\nAction Input: %s"
	useAnalysis = "Thought: Do I need to use a tool? Yes\nAction: analysis_agent\nAction Input: %s"
)

func action(format, input string) string { return strings.Replace(format, "%s", input, 1) }

func final(answer string) string {
	return "Thought: Do I need to use a tool? No\nFinal Answer: " + answer
}

func traceKinds(r envelope.SupervisorResponse) []string {
	out := make([]string, len(r.Trace))
	for i, st := range r.Trace {
		out[i] = st.Kind
	}
	return out
}

func TestRunPlotQueryRoutesToCodeAgent(t *testing.T) {
	h := newHarness(t, Options{},
		action(usePandas, "Plot total sales by month"),
		final("Here is the monthly sales chart."),
	)
	code := `g = df.groupby("sale_date", "sale_price", freq="M")
plt.figure(figsize=(10, 6))
plt.bar(g["sale_date"], g["sale_price"])
print(tabulate(g, headers="keys", tablefmt="psql"))`
	h.code.results = []agent.Result{success("monthly totals", "Sums sale_price by month.", &code)}

	resp := h.sup.Run(context.Background(), "Plot total sales by month")
	require.NoError(t, resp.Validate())
	require.Nil(t, resp.Error)
	assert.Equal(t, envelope.StatusSuccess, resp.Metadata.Status)
	assert.Equal(t, "Plot total sales by month", resp.Query)
	assert.Equal(t, "Here is the monthly sales chart.", resp.Response)
	assert.Equal(t, []string{ToolPandas}, resp.Metadata.ToolsUsed)
	assert.Equal(t, "sales", resp.Metadata.DatasetKey)
	assert.Equal(t, "gpt-4o-mini", resp.Metadata.Model)
	assert.Equal(t, "2024-03-01 12:00:00", resp.Metadata.Timestamp)

	sub, ok := resp.SubResponse[ToolPandas]
	require.True(t, ok)
	assert.Equal(t, code, sub.Code)
	require.NotNil(t, sub.ExecutionResult)
	require.True(t, sub.ExecutionResult.OK(), sub.ExecutionResult.Text())
	assert.Contains(t, *sub.ExecutionResult.Output, "| sale_date")

	require.Len(t, resp.PlotData.Plots, 1)
	plot := resp.PlotData.Plots[0]
	assert.Equal(t, "plot_20240301_120000_1.png", plot.Filename)
	assert.Equal(t, "/static/plots/plot_20240301_120000_1.png", plot.Path)
	_, err := os.Stat(filepath.Join(h.plotsDir, plot.Filename))
	require.NoError(t, err)

	require.Len(t, h.refiner.calls, 1)
	assert.Equal(t, *sub.ExecutionResult.Output, h.refiner.calls[0])
	require.NotNil(t, sub.Explanation)
	assert.True(t, strings.HasPrefix(sub.Explanation.Text, "refined: "))

	assert.Equal(t, []string{"Plot total sales by month"}, h.code.queries)
	assert.Empty(t, h.explain.queries)
	assert.Equal(t, []string{
		envelope.StepThought, envelope.StepAction, envelope.StepObservation,
		envelope.StepThought, envelope.StepFinal,
	}, traceKinds(resp))
	require.NotNil(t, resp.RawResponse)
	assert.Contains(t, *resp.RawResponse, "Action: pandas_agent")

	// the second reasoning step sees the first observation
	require.Equal(t, 2, h.rt.Calls())
	second := h.rt.Requests[1].Messages[1].Content
	assert.Contains(t, second, "Observation: {")
	assert.Contains(t, second, "refined: ")
	assert.Equal(t, []string{"\nObservation:"}, h.rt.Requests[0].Stop)
}

func TestRunInterpretiveQueryUsesExplanationOnly(t *testing.T) {
	h := newHarness(t, Options{},
		action(useAnalysis, "Why did sales drop in March?"),
		final("Sales fell because segment B shrank."),
	)
	h.explain.results = []agent.Result{success("march drop", "March had a single order of 40.", nil)}

	resp := h.sup.Run(context.Background(), "Why did sales drop in March?")
	require.NoError(t, resp.Validate())
	assert.Equal(t, []string{ToolAnalysis}, resp.Metadata.ToolsUsed)
	sub := resp.SubResponse[ToolAnalysis]
	assert.Empty(t, sub.Code)
	assert.Nil(t, sub.ExecutionResult)
	require.NotNil(t, sub.Explanation)
	assert.Equal(t, "March had a single order of 40.", sub.Explanation.Text)
	assert.Equal(t, envelope.TypeToolResponse, sub.Type)
	assert.Empty(t, resp.PlotData.Plots)
	assert.Empty(t, h.code.queries)
	assert.Empty(t, h.refiner.calls)

	b, err := json.Marshal(resp.SubResponse[ToolAnalysis])
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"code"`)
	assert.NotContains(t, string(b), `"execution_result"`)
	assert.Contains(t, string(b), `"explanation":{"text":"March had a single order of 40."}`)

	second := h.rt.Requests[1].Messages[1].Content
	assert.Contains(t, second, "Observation: March had a single order of 40.")
}

func TestRunRawTextWorkerReply(t *testing.T) {
	h := newHarness(t, Options{},
		action(useAnalysis, "total?"),
		final("done"),
	)
	h.explain.results = []agent.Result{{
		Status: agent.StatusSuccess,
		Data:   &agent.Output{Query: "total?", Explanation: "I cannot compute this.", Code: ptr("")},
		Raw:    true,
	}}
	resp := h.sup.Run(context.Background(), "total?")
	require.NoError(t, resp.Validate())
	assert.Equal(t, "I cannot compute this.", resp.SubResponse[ToolAnalysis].Explanation.Text)
}

func TestRunExecutionErrorIsEmbedded(t *testing.T) {
	h := newHarness(t, Options{},
		action(usePandas, "Show a table of ratios"),
		final("The computation failed."),
	)
	h.code.results = []agent.Result{success("ratios", "divides", ptr("print(1 / 0)"))}

	resp := h.sup.Run(context.Background(), "Show a table of ratios")
	require.NoError(t, resp.Validate())
	assert.Equal(t, envelope.StatusSuccess, resp.Metadata.Status)
	assert.Nil(t, resp.Error)

	er := resp.SubResponse[ToolPandas].ExecutionResult
	require.NotNil(t, er)
	assert.Nil(t, er.Output)
	require.NotNil(t, er.Error)
	assert.Contains(t, *er.Error, "division by zero")
	assert.Empty(t, er.Plots)
	assert.Empty(t, resp.PlotData.Plots)
	require.Len(t, h.refiner.calls, 1)
	assert.Equal(t, *er.Error, h.refiner.calls[0])
}

func TestRunEmptyCodeIsAnExecutionError(t *testing.T) {
	h := newHarness(t, Options{},
		action(usePandas, "Plot it"),
		final("no chart"),
	)
	h.code.results = []agent.Result{success("plot", "I would plot it.", ptr("  "))}

	resp := h.sup.Run(context.Background(), "Plot it")
	require.NoError(t, resp.Validate())
	sub := resp.SubResponse[ToolPandas]
	require.NotNil(t, sub.ExecutionResult)
	assert.Equal(t, msgNoCode, *sub.ExecutionResult.Error)
	assert.Equal(t, "I would plot it.", sub.Explanation.Text)
	assert.Empty(t, h.refiner.calls)
}

func TestRunWorkerFailure(t *testing.T) {
	h := newHarness(t, Options{},
		action(useAnalysis, "trend"),
		final("sorry"),
	)
	h.explain.results = []agent.Result{{Status: agent.StatusError, Message: "model output failed validation"}}

	resp := h.sup.Run(context.Background(), "trend")
	require.NoError(t, resp.Validate())
	assert.Equal(t, envelope.StatusSuccess, resp.Metadata.Status)
	sub := resp.SubResponse[ToolAnalysis]
	assert.Equal(t, msgToolError, sub.Explanation.Text)
	assert.Equal(t, "model output failed validation", sub.Explanation.Error)
}

func TestRunRecoversFromParseErrors(t *testing.T) {
	h := newHarness(t, Options{},
		"I should look at the data first.",
		action(useAnalysis, "average price"),
		final("The average is 25."),
	)
	h.explain.results = []agent.Result{success("avg", "Average sale_price is 25.", nil)}

	resp := h.sup.Run(context.Background(), "What is the average price?")
	require.NoError(t, resp.Validate())
	assert.Equal(t, "The average is 25.", resp.Response)
	assert.Contains(t, traceKinds(resp), envelope.StepParseError)
	assert.Contains(t, h.rt.Requests[1].Messages[1].Content, "Invalid Format: Missing 'Action:'")
}

func TestRunUnknownToolIsObserved(t *testing.T) {
	h := newHarness(t, Options{},
		"Thought: yes\nAction: sql_agent\nAction Input: select",
		final("ok"),
	)
	resp := h.sup.Run(context.Background(), "count rows")
	require.NoError(t, resp.Validate())
	assert.Empty(t, resp.SubResponse)
	assert.Empty(t, resp.Metadata.ToolsUsed)
	assert.Contains(t, h.rt.Requests[1].Messages[1].Content, "sql_agent is not a valid tool")
}

func TestRunIterationCap(t *testing.T) {
	h := newHarness(t, Options{MaxIterations: 2})
	h.rt.Respond = func(ai.GenerateRequest) (aitest.Reply, bool) {
		return aitest.Reply{Text: action(useAnalysis, "again")}, true
	}
	h.explain.results = []agent.Result{success("q", "still thinking", nil)}

	resp := h.sup.Run(context.Background(), "What is the trend?")
	require.NoError(t, resp.Validate())
	assert.Equal(t, envelope.StatusSuccess, resp.Metadata.Status)
	assert.Equal(t, IterationLimitMessage, resp.Response)
	assert.Equal(t, 2, h.rt.Calls())
	assert.Len(t, h.explain.queries, 2)
	kinds := traceKinds(resp)
	assert.Equal(t, envelope.StepAborted, kinds[len(kinds)-1])
	assert.Contains(t, resp.SubResponse, ToolAnalysis)
}

func TestRunCombinedQueryForwardsToAnalysis(t *testing.T) {
	h := newHarness(t, Options{},
		action(usePandas, "Plot sales by segment. Pass the output to analysis_agent for further explanation."),
		final("Chart and explanation ready."),
	)
	h.code.results = []agent.Result{success("by segment", "bars", ptr(`g = df.groupby("segment", "sale_price")
plt.bar(g["segment"], g["sale_price"])
print(g)`))}
	h.explain.results = []agent.Result{success("explain", "Segment B sells more.", nil)}

	resp := h.sup.Run(context.Background(), "Plot sales by segment and explain the difference")
	require.NoError(t, resp.Validate())
	assert.Equal(t, []string{ToolPandas, ToolAnalysis}, resp.Metadata.ToolsUsed)
	require.Len(t, h.explain.queries, 1)
	assert.Contains(t, h.explain.queries[0], "Result from pandas_agent:")
	assert.Contains(t, h.explain.queries[0], "segment")
	assert.Equal(t, "Segment B sells more.", resp.SubResponse[ToolAnalysis].Explanation.Text)
	assert.Contains(t, traceKinds(resp), envelope.StepForwarded)
	assert.Len(t, resp.PlotData.Plots, 1)
}

func TestRunCombinedQueryNotForwardedTwice(t *testing.T) {
	h := newHarness(t, Options{},
		action(usePandas, "Plot sales by segment"),
		action(useAnalysis, "Explain the difference between segments"),
		final("done"),
	)
	h.code.results = []agent.Result{success("q", "e", ptr(`print("ok")`))}
	h.explain.results = []agent.Result{success("q", "B is larger.", nil)}

	resp := h.sup.Run(context.Background(), "Plot sales by segment and explain the difference")
	require.NoError(t, resp.Validate())
	assert.Len(t, h.explain.queries, 1)
	assert.NotContains(t, traceKinds(resp), envelope.StepForwarded)
}

func TestRunModelErrorIsAtomic(t *testing.T) {
	h := newHarness(t, Options{}, action(usePandas, "Plot total sales"))
	h.rt.Push(aitest.Reply{Err: errors.New("connection reset")})
	h.code.results = []agent.Result{success("q", "e", ptr(`plt.plot([1, 2])`))}

	resp := h.sup.Run(context.Background(), "Plot total sales")
	require.NoError(t, resp.Validate())
	assert.Equal(t, envelope.StatusError, resp.Metadata.Status)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "connection reset")
	assert.Equal(t, "Error occurred during processing", resp.Response)
	assert.Empty(t, resp.SubResponse, "no partial results survive a failed turn")
	assert.Empty(t, resp.PlotData.Plots)
	assert.Empty(t, resp.Metadata.ToolsUsed)
	assert.Equal(t, 0, h.sup.memory.Len(), "failed turns are not remembered")
}

func TestRunRecoversPanics(t *testing.T) {
	h := newHarness(t, Options{}, action(useAnalysis, "x"))
	h.explain.panics = true

	resp := h.sup.Run(context.Background(), "What is x?")
	require.NoError(t, resp.Validate())
	assert.Equal(t, envelope.StatusError, resp.Metadata.Status)
	assert.Contains(t, *resp.Error, "worker exploded")
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, Options{}, final("never"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := h.sup.Run(ctx, "hello")
	assert.Equal(t, envelope.StatusError, resp.Metadata.Status)
	assert.Equal(t, 0, h.rt.Calls())
}

func TestMemoryAcrossTurns(t *testing.T) {
	h := newHarness(t, Options{}, final("Hello!"), final("Again."), final("Fresh."))

	h.sup.Run(context.Background(), "hi")
	h.sup.Run(context.Background(), "and again")
	assert.Contains(t, h.rt.Requests[1].Messages[1].Content, "Human: hi\nAI: Hello!")
	assert.Contains(t, h.sup.History(), "Human: and again")

	h.sup.ClearMemory()
	h.sup.Run(context.Background(), "new start")
	assert.NotContains(t, h.rt.Requests[2].Messages[1].Content, "Human: hi")
}

func TestResponseRoundTrip(t *testing.T) {
	h := newHarness(t, Options{},
		action(usePandas, "Plot total sales by month"),
		final("chart"),
	)
	h.code.results = []agent.Result{success("q", "e", ptr(`plt.plot([1, 2, 3])
print("plotted")`))}
	resp := h.sup.Run(context.Background(), "Plot total sales by month")

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	back, err := envelope.Decode(b)
	require.NoError(t, err)
	b2, err := json.Marshal(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(b), string(b2))
	require.Len(t, back.PlotData.Plots, 1)
	assert.Equal(t, resp.PlotData.Plots[0], back.PlotData.Plots[0])
	assert.Equal(t, "plotted\n", *back.SubResponse[ToolPandas].ExecutionResult.Output)
}

func TestNewValidatesConfiguration(t *testing.T) {
	deps := Deps{
		Settings:         config.ModelSettings{Provider: ai.ProviderOpenAI, Model: "m"},
		Runtime:          aitest.NewScripted(),
		Store:            salesStore(t),
		CodeAgent:        &fakeWorker{},
		ExplanationAgent: &fakeWorker{},
		Sandbox:          sandbox.New(sandbox.Options{PlotsDir: t.TempDir()}),
		Refiner:          &fakeRefiner{},
	}
	_, err := New(Options{DatasetKey: "sales"}, deps)
	assert.ErrorIs(t, err, agent.ErrMissingCredential)

	deps.Settings.APIKey = "sk"
	_, err = New(Options{DatasetKey: "missing"}, deps)
	assert.ErrorIs(t, err, ErrDatasetNotLoaded)

	sup, err := New(Options{DatasetKey: "sales"}, deps)
	require.NoError(t, err)
	assert.Equal(t, "sales", sup.DatasetKey())
	assert.Equal(t, DefaultMaxIterations, sup.maxIter)
}
