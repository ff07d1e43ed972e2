package supervisor

import "regexp"

// Tool names offered to the reasoning model.
const (
	ToolAnalysis = "analysis_agent"
	ToolPandas   = "pandas_agent"
)

// Route is the decision policy's verdict for a query.
type Route int

const (
	// RouteAnalysis covers interpretive and statistical questions, and anything ambiguous.
	RouteAnalysis Route = iota
	// RoutePandas covers explicit chart, table and dataframe requests.
	RoutePandas
	// RouteCombined asks for a visual or table and an explanation of it.
	RouteCombined
)

func (r Route) String() string {
	switch r {
	case RoutePandas:
		return "pandas"
	case RouteCombined:
		return "combined"
	default:
		return "analysis"
	}
}

// FirstTool is the tool the policy sends the query to first.
func (r Route) FirstTool() string {
	if r == RouteAnalysis {
		return ToolAnalysis
	}
	return ToolPandas
}

var (
	visualRe  = regexp.MustCompile(`(?i)\b(show|plot|plots|plotting|plotted|graph|graphs|chart|charts|heatmap|scatter|bar|bars|histogram|hist|pie|line\s+chart|visuali[sz]e|visuali[sz]ation|draw|table|tables|tabular|tabulate|list|filter|group\s+by|groupby|sort|sorted|top\s+\d+)\b`)
	explainRe = regexp.MustCompile(`(?i)\b(explain|explains|explanation|why|interpret|interpretation|insight|insights|what\s+does\s+.+\s+mean|meaning|reason|reasons|describe\s+the\s+trend|implication|implications)\b`)
)

// Classify applies the keyword policy: visualization or table keywords route to
// pandas_agent, everything else to analysis_agent, and a query asking for both
// a visual and an explanation is combined.
func Classify(query string) Route {
	visual := visualRe.MatchString(query)
	explain := explainRe.MatchString(query)
	switch {
	case visual && explain:
		return RouteCombined
	case visual:
		return RoutePandas
	default:
		return RouteAnalysis
	}
}
