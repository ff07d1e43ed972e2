// Package refiner turns raw sandbox output into an explanation of how it
// answers the user's question.
package refiner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/ai"
	"github.com/KaramelBytes/datachat/internal/config"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/lenient"
	"github.com/KaramelBytes/datachat/internal/observability"
)

const (
	// ErrInvalidJSON is the Explanation.Error text for a reply that held no JSON object.
	ErrInvalidJSON = "Invalid JSON output"
	// ErrMissingExplanation is the Explanation.Error text for a JSON reply
	// without a string explanation.
	ErrMissingExplanation = "Missing explanation in JSON output"
)

type Refiner struct {
	settings config.ModelSettings
	rt       ai.Runtime
	log      *zap.Logger
}

// New returns a Refiner calling rt with settings. A nil logger is replaced by a no-op one.
func New(settings config.ModelSettings, rt ai.Runtime, logger *zap.Logger) (*Refiner, error) {
	if rt == nil {
		return nil, fmt.Errorf("refiner: model runtime is required")
	}
	return &Refiner{settings: settings, rt: rt, log: observability.OrNop(logger).With(zap.String("component", "refiner"))}, nil
}

// Explain asks the model to explain output in light of query. It never fails:
// a model error or a reply without a JSON object is reported in Error, with
// the text that could not be refined kept in RawOutput.
func (r *Refiner) Explain(ctx context.Context, output, query string) envelope.Explanation {
	req := ai.GenerateRequest{
		Model: r.settings.Model,
		Messages: []ai.Message{
			{Role: "user", Content: prompt(output, query)},
		},
		Temperature: r.settings.Temperature,
		MaxTokens:   r.settings.MaxTokens,
	}
	start := time.Now()
	resp, err := r.rt.Generate(ctx, req)
	observability.ObserveModelCall("refiner", ai.Kind(err), time.Since(start))
	if err != nil {
		r.log.Warn("explanation request failed", zap.Error(err))
		return envelope.Explanation{
			Error:     fmt.Sprintf("Error getting explanation: %v", err),
			RawOutput: output,
		}
	}
	text := resp.Text()
	v := lenient.Decode(text)
	if !v.IsObject() {
		r.log.Info("explanation reply was not JSON")
		return envelope.Explanation{Error: ErrInvalidJSON, RawOutput: text}
	}
	var e envelope.Explanation
	if !v.Into(&e) {
		return envelope.Explanation{Error: ErrInvalidJSON, RawOutput: text}
	}
	if e.Text == "" {
		e.Text = nestedText(e.Details)
	}
	switch {
	case e.Error != "":
		if e.RawOutput == "" {
			e.RawOutput = text
		}
		return e
	case e.Text == "":
		r.log.Info("explanation reply had no explanation string", zap.Int("keys", len(v.Object)))
		return envelope.Explanation{Error: ErrMissingExplanation, RawOutput: text, Details: e.Details}
	}
	r.log.Debug("explanation refined", zap.Duration("elapsed", time.Since(start)))
	return e
}

// nestedText unwraps {"explanation": {"text": "..."}} and removes the key it used.
func nestedText(details map[string]any) string {
	for _, key := range []string{"explanation", "text"} {
		obj, ok := details[key].(map[string]any)
		if !ok {
			continue
		}
		for _, inner := range []string{"text", "explanation"} {
			if s, ok := obj[inner].(string); ok && s != "" {
				delete(details, key)
				return s
			}
		}
	}
	return ""
}

func prompt(output, query string) string {
	if strings.TrimSpace(output) == "" {
		output = "(the code ran successfully and printed nothing)"
	}
	return heredoc.Docf(`
		Your task is to carefully analyze the provided output (generated by the worker agent) and
		produce a comprehensive, detailed explanation that directly answers the user's original
		question. Your explanation must:
		- Be clear, concise, and accurate.
		- Provide context and cover all relevant aspects of the analysis.
		- Highlight key insights or takeaways effectively.
		- Include examples or implications where applicable to improve understanding.
		- Be tailored to the user's needs, so that it is actionable and easy to follow.
		- Address the user's original question directly.

		User's original question: %s

		Worker agent's output:
		%s

		Begin with a summary (for example "From the question, we can conclude that...") and then
		detail how the output addresses the question.

		Return a single JSON object with exactly one key, "explanation", whose value is a string.
		Do not wrap the object in prose.
	`, query, output)
}
