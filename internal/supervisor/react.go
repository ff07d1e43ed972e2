package supervisor

import (
	"errors"
	"regexp"
	"strings"
)

// decision is one parsed reply of the reasoning model.
type decision struct {
	thought string
	tool    string
	input   string
	final   string
	isFinal bool
	// log is the reply as it goes back into the scratchpad.
	log string
}

var (
	errMissingAction      = errors.New("Invalid Format: Missing 'Action:' after 'Thought:'")
	errMissingActionInput = errors.New("Invalid Format: Missing 'Action Input:' after 'Action:'")
	errBothFinalAndAction = errors.New("Parsing LLM output produced both a final answer and a parse-able action")
)

var (
	actionRe      = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
	actionStartRe = regexp.MustCompile(`Action\s*\d*\s*:`)
)

const finalMarker = "Final Answer:"

// parseReply reads the Thought / Action / Action Input / Final Answer protocol.
// A hallucinated Observation and everything after it is ignored.
func parseReply(text string) (decision, error) {
	if i := strings.Index(text, "\nObservation:"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	d := decision{log: text, thought: thoughtOf(text)}

	hasFinal := strings.Contains(text, finalMarker)
	if m := actionRe.FindStringSubmatch(text); m != nil {
		if hasFinal {
			return d, errBothFinalAndAction
		}
		d.tool = strings.Trim(strings.TrimSpace(m[1]), "`*\"' ")
		input := strings.TrimSpace(m[2])
		input = strings.Trim(input, "\"")
		d.input = strings.TrimSpace(input)
		return d, nil
	}
	if hasFinal {
		d.isFinal = true
		d.final = strings.TrimSpace(text[strings.LastIndex(text, finalMarker)+len(finalMarker):])
		return d, nil
	}
	if actionStartRe.MatchString(text) {
		return d, errMissingActionInput
	}
	return d, errMissingAction
}

// thoughtOf returns the free text before the first Action or Final Answer.
func thoughtOf(text string) string {
	end := len(text)
	if loc := actionStartRe.FindStringIndex(text); loc != nil {
		end = loc[0]
	}
	if i := strings.Index(text, finalMarker); i >= 0 && i < end {
		end = i
	}
	t := strings.TrimSpace(text[:end])
	t = strings.TrimPrefix(t, "Thought:")
	return strings.TrimSpace(t)
}
