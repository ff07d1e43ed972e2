// Package envelope defines the typed response returned for one user turn and
// the records folded into it.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// TypeToolResponse is the only sub-response type produced today.
	TypeToolResponse = "tool_response"

	// TimestampLayout is used for Metadata.Timestamp and PlotInfo.CreatedAt (UTC).
	TimestampLayout = "2006-01-02 15:04:05"
)

// Timestamp formats t the way envelopes carry times.
func Timestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// PlotInfo points at one PNG written by the sandbox.
type PlotInfo struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

// ExecutionResult is the outcome of one sandbox run. Exactly one of Output
// and Error is set; Plots is empty whenever Error is set.
type ExecutionResult struct {
	Output *string    `json:"output"`
	Error  *string    `json:"error"`
	Plots  []PlotInfo `json:"plots"`
}

// Succeeded builds a successful result; plots may be nil.
func Succeeded(output string, plots []PlotInfo) ExecutionResult {
	if plots == nil {
		plots = []PlotInfo{}
	}
	return ExecutionResult{Output: &output, Plots: plots}
}

// Failed builds a failed result with no plots.
func Failed(msg string) ExecutionResult {
	return ExecutionResult{Error: &msg, Plots: []PlotInfo{}}
}

// OK reports whether the run succeeded.
func (r ExecutionResult) OK() bool { return r.Error == nil }

// Text returns the output on success and the error message otherwise.
func (r ExecutionResult) Text() string {
	if r.Error != nil {
		return *r.Error
	}
	if r.Output != nil {
		return *r.Output
	}
	return ""
}

// MarshalJSON always emits plots as an array.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type alias ExecutionResult
	if r.Plots == nil {
		r.Plots = []PlotInfo{}
	}
	return json.Marshal(alias(r))
}

// Explanation is a refined or direct explanation. Text is serialized under
// "text"; a refiner failure sets Error and keeps the unparsed reply in RawOutput.
// Any other keys the model produced are kept in Details.
type Explanation struct {
	Text      string
	Error     string
	RawOutput string
	Details   map[string]any
}

// IsZero reports whether nothing was recorded.
func (e Explanation) IsZero() bool {
	return e.Text == "" && e.Error == "" && e.RawOutput == "" && len(e.Details) == 0
}

// Display returns what a presentation layer should show: the text, or the raw
// reply when refinement failed.
func (e Explanation) Display() string {
	if e.Text != "" {
		return e.Text
	}
	return e.RawOutput
}

func (e Explanation) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Details)+3)
	for k, v := range e.Details {
		m[k] = v
	}
	if e.Text != "" {
		m["text"] = e.Text
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.RawOutput != "" {
		m["raw_output"] = e.RawOutput
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts "text" or "explanation" for the main text.
func (e *Explanation) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*e = Explanation{}
	take := func(key string) string {
		v, ok := m[key]
		if !ok {
			return ""
		}
		s, isStr := v.(string)
		if !isStr {
			return ""
		}
		delete(m, key)
		return s
	}
	e.Text = take("text")
	if e.Text == "" {
		e.Text = take("explanation")
	}
	e.Error = take("error")
	e.RawOutput = take("raw_output")
	if len(m) > 0 {
		e.Details = m
	}
	return nil
}

// SubResponseContent is one tool's contribution to a turn.
type SubResponseContent struct {
	Code            string           `json:"code,omitempty"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`
	Explanation     *Explanation     `json:"explanation,omitempty"`
	Type            string           `json:"type"`
	Response        string           `json:"response,omitempty"`
}

// Metadata describes how a turn was produced.
type Metadata struct {
	Timestamp   string   `json:"timestamp"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	ToolsUsed   []string `json:"tools_used"`
	DatasetKey  string   `json:"dataset_key"`
	Status      string   `json:"status"`
}

// PlotData flattens every plot produced during a turn, in order.
type PlotData struct {
	Plots []PlotInfo `json:"plots"`
}

// TraceStep kinds.
const (
	StepThought     = "thought"
	StepAction      = "action"
	StepObservation = "observation"
	StepParseError  = "parse_error"
	StepFinal       = "final"
	StepForwarded   = "forwarded"
	StepAborted     = "aborted"
)

// TraceStep is one record of the reasoning loop, emitted as it runs.
type TraceStep struct {
	Iteration int    `json:"iteration"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Input     string `json:"input,omitempty"`
	Output    string `json:"output,omitempty"`
}

// SupervisorResponse is the single value produced per user turn.
type SupervisorResponse struct {
	Query       string                        `json:"query"`
	Response    string                        `json:"response"`
	RawResponse *string                       `json:"raw_response,omitempty"`
	Trace       []TraceStep                   `json:"trace,omitempty"`
	SubResponse map[string]SubResponseContent `json:"sub_response"`
	PlotData    PlotData                      `json:"plot_data"`
	Metadata    Metadata                      `json:"metadata"`
	Error       *string                       `json:"error"`
}

// MarshalJSON keeps empty collections as {} and [] rather than null.
func (r SupervisorResponse) MarshalJSON() ([]byte, error) {
	type alias SupervisorResponse
	if r.SubResponse == nil {
		r.SubResponse = map[string]SubResponseContent{}
	}
	if r.PlotData.Plots == nil {
		r.PlotData.Plots = []PlotInfo{}
	}
	if r.Metadata.ToolsUsed == nil {
		r.Metadata.ToolsUsed = []string{}
	}
	return json.Marshal(alias(r))
}

// ErrorResponse builds the atomic failure envelope for a turn.
func ErrorResponse(query, message string, meta Metadata) SupervisorResponse {
	meta.Status = StatusError
	meta.ToolsUsed = []string{}
	return SupervisorResponse{
		Query:       query,
		Response:    "Error occurred during processing",
		SubResponse: map[string]SubResponseContent{},
		PlotData:    PlotData{Plots: []PlotInfo{}},
		Metadata:    meta,
		Error:       &message,
	}
}

var ErrInconsistent = errors.New("inconsistent response envelope")

// Validate checks the structural invariants of a response.
func (r SupervisorResponse) Validate() error {
	switch r.Metadata.Status {
	case StatusError:
		if r.Error == nil {
			return fmt.Errorf("%w: error status without error message", ErrInconsistent)
		}
		if len(r.SubResponse) != 0 || len(r.PlotData.Plots) != 0 {
			return fmt.Errorf("%w: error status with sub-responses or plots", ErrInconsistent)
		}
	case StatusSuccess:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInconsistent, r.Metadata.Status)
	}
	for tool, sub := range r.SubResponse {
		if er := sub.ExecutionResult; er != nil {
			if (er.Output == nil) == (er.Error == nil) {
				return fmt.Errorf("%w: %s execution result must set exactly one of output and error", ErrInconsistent, tool)
			}
			if er.Error != nil && len(er.Plots) > 0 {
				return fmt.Errorf("%w: %s failed execution carries plots", ErrInconsistent, tool)
			}
		}
	}
	return nil
}

// Decode parses a serialized response.
func Decode(b []byte) (*SupervisorResponse, error) {
	var r SupervisorResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &r, nil
}
