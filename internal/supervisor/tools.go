package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/agent"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/observability"
	"github.com/KaramelBytes/datachat/internal/utils"
)

// ToolInvocationResult is what a worker call produced: StructuredSuccess,
// RawText or Failure.
type ToolInvocationResult interface{ isToolResult() }

// StructuredSuccess is a schema-valid worker reply.
type StructuredSuccess struct {
	Query       string
	Explanation string
	Code        string
}

// RawText is a reply that was not JSON; it is treated as the explanation.
type RawText struct{ Text string }

// Failure carries a worker error message.
type Failure struct{ Message string }

func (StructuredSuccess) isToolResult() {}
func (RawText) isToolResult()           {}
func (Failure) isToolResult()           {}

// FromAgentResult converts a worker Result at the tool boundary.
func FromAgentResult(r agent.Result) ToolInvocationResult {
	switch {
	case !r.OK():
		return Failure{Message: r.Message}
	case r.Data == nil:
		return Failure{Message: "worker returned no data"}
	case r.Raw:
		return RawText{Text: r.Data.Explanation}
	}
	return StructuredSuccess{Query: r.Data.Query, Explanation: r.Data.Explanation, Code: r.Data.CodeText()}
}

const (
	msgToolError = "Error occurred while processing the query"
	msgNoCode    = "No code found in tool output"
	// observationTokens bounds what one tool result feeds back into the loop.
	observationTokens = 1500
)

// invocation is the folded outcome of one tool call.
type invocation struct {
	tool        string
	sub         envelope.SubResponseContent
	plots       []envelope.PlotInfo
	observation string
	ok          bool
}

func (s *Supervisor) invoke(ctx context.Context, tool, input, userQuery string) (inv invocation) {
	defer func() {
		outcome := "success"
		if !inv.ok {
			outcome = "error"
		}
		observability.ObserveToolInvocation(tool, outcome)
		s.log.Info("tool invoked", zap.String("tool", tool), zap.String("outcome", outcome))
	}()
	if strings.TrimSpace(input) == "" {
		input = userQuery
	}
	switch tool {
	case ToolPandas:
		return s.invokePandas(ctx, input, userQuery)
	default:
		return s.invokeAnalysis(ctx, input)
	}
}

// invokePandas asks the Code Agent for code, runs it in the sandbox and has the
// refiner explain what it printed, or the error it raised.
func (s *Supervisor) invokePandas(ctx context.Context, input, userQuery string) invocation {
	inv := invocation{tool: ToolPandas}
	inv.sub.Type = envelope.TypeToolResponse

	var code, explanation string
	switch r := FromAgentResult(s.code.Run(ctx, input, s.key)).(type) {
	case Failure:
		res := envelope.Failed(r.Message)
		inv.sub.ExecutionResult = &res
		inv.sub.Explanation = &envelope.Explanation{Text: msgToolError, Error: r.Message}
		inv.observation = observation(map[string]any{"error": r.Message})
		return inv
	case RawText:
		explanation = r.Text
	case StructuredSuccess:
		code, explanation = r.Code, r.Explanation
	}
	if strings.TrimSpace(code) == "" {
		res := envelope.Failed(msgNoCode)
		inv.sub.ExecutionResult = &res
		if explanation != "" {
			inv.sub.Explanation = &envelope.Explanation{Text: explanation}
		}
		inv.observation = observation(map[string]any{"error": msgNoCode, "explanation": explanation})
		return inv
	}

	res := s.sandbox.Execute(ctx, code, s.table)
	refined := s.refiner.Explain(ctx, res.Text(), userQuery)
	inv.sub.Code = code
	inv.sub.ExecutionResult = &res
	inv.sub.Explanation = &refined
	inv.plots = res.Plots
	inv.ok = res.OK()

	obs := map[string]any{"explanation": refined.Display(), "plots": len(res.Plots)}
	if res.OK() {
		obs["output"] = utils.TruncateToTokenLimit(*res.Output, observationTokens)
	} else {
		obs["error"] = *res.Error
	}
	inv.observation = observation(obs)
	return inv
}

// invokeAnalysis uses the Explanation Agent's reply directly.
func (s *Supervisor) invokeAnalysis(ctx context.Context, input string) invocation {
	inv := invocation{tool: ToolAnalysis}
	inv.sub.Type = envelope.TypeToolResponse
	switch r := FromAgentResult(s.explain.Run(ctx, input, s.key)).(type) {
	case Failure:
		inv.sub.Explanation = &envelope.Explanation{Text: msgToolError, Error: r.Message}
		inv.observation = "Error: " + r.Message
	case RawText:
		inv.sub.Explanation = &envelope.Explanation{Text: r.Text}
		inv.observation = r.Text
		inv.ok = true
	case StructuredSuccess:
		inv.sub.Code = r.Code
		if r.Explanation != "" {
			inv.sub.Explanation = &envelope.Explanation{Text: r.Explanation}
		}
		inv.observation = r.Explanation
		inv.ok = true
	}
	inv.observation = utils.TruncateToTokenLimit(inv.observation, observationTokens)
	return inv
}

func observation(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
