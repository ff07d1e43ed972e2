package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResponse() SupervisorResponse {
	plot := PlotInfo{Filename: "plot_20240101_120000_1.png", Path: "/static/plots/plot_20240101_120000_1.png", CreatedAt: "2024-01-01 12:00:00"}
	exec := Succeeded("month  total\n1      10\n", []PlotInfo{plot})
	failed := Failed("division by zero")
	raw := "Thought: plot it"
	return SupervisorResponse{
		Query:       "Plot total sales by month",
		Response:    "Here is the chart.",
		RawResponse: &raw,
		Trace: []TraceStep{
			{Iteration: 1, Kind: StepAction, Tool: "pandas_agent", Input: "plot sales"},
			{Iteration: 1, Kind: StepObservation, Tool: "pandas_agent", Output: "{}"},
		},
		SubResponse: map[string]SubResponseContent{
			"pandas_agent": {
				Code:            "plt.plot([1], [2])",
				ExecutionResult: &exec,
				Explanation:     &Explanation{Text: "Sales rise.", Details: map[string]any{"confidence": "high"}},
				Type:            TypeToolResponse,
			},
			"other": {
				Code:            "1/0",
				ExecutionResult: &failed,
				Explanation:     &Explanation{Error: "Invalid JSON output", RawOutput: "not json"},
				Type:            TypeToolResponse,
			},
		},
		PlotData: PlotData{Plots: []PlotInfo{plot}},
		Metadata: Metadata{
			Timestamp:   Timestamp(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			ToolsUsed:   []string{"pandas_agent"},
			DatasetKey:  "sales",
			Status:      StatusSuccess,
		},
	}
}

func TestSupervisorResponseRoundTrip(t *testing.T) {
	in := sampleResponse()
	b, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
	require.NoError(t, out.Validate())
}

func TestExecutionResultJSONShape(t *testing.T) {
	b, err := json.Marshal(Failed("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"output": null, "error": "boom", "plots": []}`, string(b))

	b, err = json.Marshal(ExecutionResult{Output: new(string)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"output": "", "error": null, "plots": []}`, string(b))
}

func TestExplanationAcceptsExplanationKey(t *testing.T) {
	var e Explanation
	require.NoError(t, json.Unmarshal([]byte(`{"explanation": "From the question, we can conclude...", "extra": 1}`), &e))
	assert.Equal(t, "From the question, we can conclude...", e.Text)
	assert.Equal(t, map[string]any{"extra": float64(1)}, e.Details)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text": "From the question, we can conclude...", "extra": 1}`, string(b))
}

func TestErrorResponseIsAtomic(t *testing.T) {
	r := ErrorResponse("q", "model unreachable", Metadata{Model: "m", DatasetKey: "sales", ToolsUsed: []string{"pandas_agent"}})
	require.NoError(t, r.Validate())
	assert.Equal(t, StatusError, r.Metadata.Status)
	assert.Empty(t, r.Metadata.ToolsUsed)
	assert.Empty(t, r.SubResponse)
	require.NotNil(t, r.Error)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sub_response":{}`)
	assert.Contains(t, string(b), `"plot_data":{"plots":[]}`)
}

func TestValidateRejectsBrokenEnvelopes(t *testing.T) {
	r := sampleResponse()
	r.Metadata.Status = StatusError
	assert.ErrorIs(t, r.Validate(), ErrInconsistent)

	r = sampleResponse()
	both := Succeeded("x", nil)
	both.Error = new(string)
	sub := r.SubResponse["pandas_agent"]
	sub.ExecutionResult = &both
	r.SubResponse["pandas_agent"] = sub
	assert.ErrorIs(t, r.Validate(), ErrInconsistent)
}
