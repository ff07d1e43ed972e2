package supervisor

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
)

var toolDescriptions = map[string]string{
	ToolAnalysis: heredoc.Doc(`
		Best suited for in-depth statistical analysis, hypothesis testing, correlation studies and
		general insights from the dataset. Use it when the query involves relationships, statistical
		metrics, trends, predictions or any task requiring a deeper interpretation of the data.
		Do not use it if the query requires a direct table operation, a visualization or a structured
		table output. If the question does not explicitly ask for charts or tables, prefer this tool.`),
	ToolPandas: heredoc.Doc(`
		Use only if the user explicitly requests a chart, graph or plot (line, bar, histogram, ...),
		a structured table or formatted output, or direct table operations such as filtering,
		grouping, sorting or aggregation. Do not use it for high-level statistical insight or
		explanatory analysis; send those to analysis_agent instead.`),
}

var toolOrder = []string{ToolAnalysis, ToolPandas}

func systemPrompt(datasetKey string, columns []string) string {
	var tools strings.Builder
	for _, name := range toolOrder {
		fmt.Fprintf(&tools, "%s: %s\n", name, strings.ReplaceAll(strings.TrimSpace(toolDescriptions[name]), "\n", " "))
	}
	cols := strings.Join(columns, ", ")
	return heredoc.Docf(`
		You are a Data Analysis Supervisor with expertise in table operations.
		CURRENT DATASET: %s
		AVAILABLE COLUMNS: %s

		Analyze the user's query and delegate it to the appropriate agent.
		Available agents: pandas_agent (table and visualization tasks) and analysis_agent
		(statistical and interpretive tasks).

		Decision criteria:
		1. pandas_agent: the query explicitly asks for a visualization (plot, graph, chart,
		   heatmap, scatter, bar), a structured output (table, list, tabular summary) or a table
		   operation (filter, group by, sort, aggregate).
		2. analysis_agent: the query asks for numbers, explanations or insight (average,
		   correlation, trend, percentage change, why, interpret, predict) without asking for
		   a visualization or a table.
		3. Ambiguous queries: visualization keywords go to pandas_agent, everything else to
		   analysis_agent.
		4. Combined queries (for example "Plot sales and explain the trend"): call pandas_agent
		   for the visualization first, then pass its output to analysis_agent for the explanation.

		TOOLS:
		------
		%s
		To use a tool, use this format:

		Thought: Do I need to use a tool? Yes
		Action: the action to take, one of [%s]
		Action Input: the input for the action
		Observation: the result of the action

		When you have a response for the user, or need no tool, use this format:

		Thought: Do I need to use a tool? No
		Final Answer: your response here

		RULES:
		1. Use CURRENT DATASET (%s) for every analysis task.
		2. Only work with AVAILABLE COLUMNS: %s.
		3. Never write code in a response; delegate to the tools.
		4. Keep responses concise and rely on tool outputs.
		5. Maintain accuracy and a professional tone.
		6. If unsure, decide from the explicit keywords in the query.
	`, datasetKey, cols, tools.String(), strings.Join(toolOrder, ", "), datasetKey, cols)
}

func userPrompt(history, input string, route Route, scratchpad string) string {
	if strings.TrimSpace(history) == "" {
		history = "(none)"
	}
	return heredoc.Docf(`
		Begin!

		Previous conversation history:
		%s

		New input: %s
		Routing policy for this input: %s.
		%s`, history, input, routeHint(route), scratchpad)
}

func routeHint(r Route) string {
	if r == RouteCombined {
		return "call pandas_agent first, then pass its output to analysis_agent for further explanation"
	}
	return "call " + r.FirstTool()
}
