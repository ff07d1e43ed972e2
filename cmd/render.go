package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/utils"
)

// printResponse writes a response for a terminal, or as indented JSON.
func printResponse(w io.Writer, resp envelope.SupervisorResponse, asJSON bool) error {
	if asJSON {
		b, err := utils.PrettyJSON(resp)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	_, err := io.WriteString(w, renderResponse(resp))
	return err
}

// renderResponse lays out the final answer followed by each tool's code,
// output and explanation, then the saved plots.
func renderResponse(resp envelope.SupervisorResponse) string {
	var b strings.Builder
	if resp.Metadata.Status == envelope.StatusError {
		fmt.Fprintf(&b, "✗ %s", resp.Response)
		if resp.Error != nil {
			fmt.Fprintf(&b, ": %s", *resp.Error)
		}
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(strings.TrimSpace(resp.Response))
	b.WriteString("\n")

	tools := make([]string, 0, len(resp.SubResponse))
	for name := range resp.SubResponse {
		tools = append(tools, name)
	}
	// tools_used carries invocation order; fall back to name order
	if len(resp.Metadata.ToolsUsed) == len(tools) {
		tools = resp.Metadata.ToolsUsed
	} else {
		sort.Strings(tools)
	}
	for _, name := range tools {
		sub, ok := resp.SubResponse[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n", name)
		if sub.Code != "" {
			b.WriteString("Code:\n")
			b.WriteString(indent(sub.Code))
		}
		if er := sub.ExecutionResult; er != nil {
			if er.OK() {
				if out := strings.TrimRight(*er.Output, "\n"); out != "" {
					b.WriteString("Output:\n")
					b.WriteString(indent(out))
				}
			} else {
				fmt.Fprintf(&b, "⚠ Execution error: %s\n", *er.Error)
			}
		}
		if sub.Explanation != nil {
			if text := sub.Explanation.Display(); text != "" {
				b.WriteString("Explanation:\n")
				b.WriteString(indent(text))
			}
			if sub.Explanation.Error != "" && sub.Explanation.Text != "" {
				fmt.Fprintf(&b, "⚠ %s\n", sub.Explanation.Error)
			}
		}
	}
	if len(resp.PlotData.Plots) > 0 {
		b.WriteString("\nPlots:\n")
		for _, p := range resp.PlotData.Plots {
			fmt.Fprintf(&b, "  ✓ %s (%s)\n", p.Filename, p.Path)
		}
	}
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}
