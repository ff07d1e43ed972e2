package agent

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"

	"github.com/KaramelBytes/datachat/internal/dataset"
)

const jsonRules = `Your response MUST be a single valid JSON object with exactly the following keys:
{
    "query": "a short description of what was asked",
    "explanation": "a detailed explanation of the analysis",
    "code": %s
}

Do not include any additional keys or fields.

Ensure that:
1. All strings are properly escaped
2. No trailing commas in JSON
3. All keys and values are enclosed in double quotes
4. The response is a single, valid JSON object`

// sandboxDialect documents the execution environment the generated code runs in.
var sandboxDialect = heredoc.Doc(`
	Code runs as Starlark, a deterministic Python dialect. There is no import statement,
	no file or network access, no classes and no try/except. Everything you need is predeclared:

	- df: the dataset. df.columns, df.dtypes, df.shape, len(df), df["col"] (list of values,
	  None for missing, datetimes are time values), for row in df (row is a dict),
	  df.head(n), df.tail(n), df.select("a", "b"), df.filter(lambda row: ...),
	  df.sort_values(by, ascending=True), df.unique(col), df.value_counts(col),
	  df.groupby(by, col=None, agg="sum", freq=None) with agg in sum|mean|median|min|max|count|std
	  and freq in D|W|M|Q|Y for datetime keys, df.sum/mean/median/min/max/std/count(col),
	  df.describe(), df.to_string(), df.rows(), df.sql("SELECT ... FROM df").
	  Methods returning tables return the same kind of object as df.
	- plt: plt.figure(figsize=(w, h)), plt.plot(x, y, label=None), plt.bar(x, y), plt.barh(x, y),
	  plt.scatter(x, y), plt.hist(values, bins=10), plt.title, plt.xlabel, plt.ylabel,
	  plt.legend(), plt.grid(), plt.xticks(rotation=45), plt.tight_layout(). Do not save figures;
	  every figure you create is saved automatically.
	- np: mean, median, std, sum, min, max, percentile(values, q), round(x, digits), cumsum, diff,
	  arange(start, stop, step), corrcoef(x, y).
	- tabulate(data, headers="keys", tablefmt="psql") returns a string; data may be a table,
	  a list of rows, or a dict of columns.
	- math, json and time modules.

	Use print() for every result you want the user to see.
`)

const codeExample = `grouped = df.groupby("segment", "sale_price", agg="mean")

plt.figure(figsize=(10, 6))
plt.bar(grouped["segment"], grouped["sale_price"])
plt.xlabel("Segment")
plt.ylabel("Average Sale Price")
plt.title("Average Sale Price by Segment")

print(tabulate(grouped, headers="keys", tablefmt="psql"))`

func columnList(t *dataset.Table) string { return strings.Join(t.Names(), ", ") }

func codeSystemPrompt(t *dataset.Table) string {
	return heredoc.Docf(`
		You are a data processing expert who writes analysis code.
		You are working with a table of %d rows that has the following columns: %s,
		and the corresponding data types: %s.

		%s

		%s

		Code requirements:
		- The table is already loaded as df; never load or redefine it.
		- Use tabulate for table outputs in a structured format.
		- If generating plots, always print a tabulate table alongside the visualization.
		- Use only the columns listed above, with operations appropriate for their data types.

		Example (correct code):
		%s
	`, t.Len(), columnList(t), t.SchemaString(),
		fmt.Sprintf(jsonRules, `"the code"`), sandboxDialect, codeExample)
}

func codeUserPrompt(t *dataset.Table, query string) string {
	return heredoc.Docf(`
		Now, answer the following question: %s
		IMPORTANT: operate on the entire dataset (all %d rows), never a sample.
		If the question references a column or concept that is not present in the table,
		substitute the available column(s) that best match the intended analysis.
		Available columns: %s
	`, query, t.Len(), columnList(t))
}

func explainSystemPrompt(t *dataset.Table, profile string) string {
	return heredoc.Docf(`
		You are a data analysis expert specializing in quantitative analysis.
		You have direct access to a table with %d rows.

		Dataset information:
		- Total records: %d
		- Columns: %s
		- Data types: %s

		%s

		Your role:
		1. Analyze the data and provide direct numerical answers
		2. Focus on quantities, statistics and trends
		3. Give precise numbers and percentages when relevant
		4. Explain significant patterns in the data
		5. No code generation is required; set "code" to null

		%s
	`, t.Len(), t.Len(), columnList(t), t.SchemaString(), profile, fmt.Sprintf(jsonRules, "null"))
}

func explainUserPrompt(t *dataset.Table, query string) string {
	return heredoc.Docf(`
		%s
		IMPORTANT: base the analysis on the entire dataset (all %d rows), not just a sample.
	`, query, t.Len())
}
