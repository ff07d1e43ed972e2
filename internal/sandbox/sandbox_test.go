package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/query/duckdb"
)

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func salesTable(t *testing.T) *dataset.Table {
	t.Helper()
	day := func(m time.Month, d int) time.Time { return time.Date(2023, m, d, 0, 0, 0, 0, time.UTC) }
	tbl, err := dataset.FromColumns("sales",
		dataset.NewColumn("segment", []any{"A", "B", "A", "B"}),
		dataset.NewColumn("sale_price", []any{10.0, 20.0, 30.0, 5.5}),
		dataset.NewColumn("sale_date", []any{day(1, 5), day(1, 20), day(2, 3), nil}),
	)
	require.NoError(t, err)
	return tbl
}

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "plots")
	return New(Options{PlotsDir: dir, Now: func() time.Time { return fixedNow }}), dir
}

func run(t *testing.T, sb *Sandbox, code string) envelope.ExecutionResult {
	t.Helper()
	return sb.Execute(context.Background(), code, salesTable(t))
}

func TestExecuteCapturesPrint(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, `print(len(df))
print(df.columns)`)
	require.True(t, res.OK(), res.Text())
	assert.Equal(t, "4\n[\"segment\", \"sale_price\", \"sale_date\"]\n", *res.Output)
	assert.Empty(t, res.Plots)
}

func TestExecuteSilentSuccess(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, "x = 1")
	require.NotNil(t, res.Output)
	assert.Equal(t, "", *res.Output)
	assert.Nil(t, res.Error)
	assert.NotNil(t, res.Plots)
}

func TestExecuteRuntimeErrorDiscardsOutput(t *testing.T) {
	sb, dir := newTestSandbox(t)
	res := run(t, sb, `print("before")
plt.plot([1, 2], [3, 4])
x = 1 / 0`)
	require.False(t, res.OK())
	assert.Nil(t, res.Output)
	assert.Contains(t, *res.Error, "division by zero")
	assert.Empty(t, res.Plots)
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "no plot may be written for a failed run")
}

func TestExecuteSyntaxError(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, "def broken(:\n  pass")
	require.False(t, res.OK())
	assert.NotEmpty(t, *res.Error)
}

func TestExecuteMissingColumn(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, `print(df["revenue"])`)
	require.False(t, res.OK())
	assert.Contains(t, *res.Error, `no column "revenue"`)
}

func TestExecuteStripsImports(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, "import pandas as pd\nfrom tabulate import tabulate\nprint('ok')\nplt.show()")
	require.True(t, res.OK(), res.Text())
	assert.Equal(t, "ok\n", *res.Output)
}

func TestExecuteRejectsLoad(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, `load("os.star", "system")`)
	assert.False(t, res.OK())
}

func TestExecuteNilTable(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := sb.Execute(context.Background(), "print(1)", nil)
	require.False(t, res.OK())
	assert.Empty(t, res.Plots)
}

func TestExecuteSavesPlotsInCreationOrder(t *testing.T) {
	sb, dir := newTestSandbox(t)
	res := run(t, sb, `g = df.groupby("segment", "sale_price", agg="mean")
plt.figure(figsize=(8, 4))
plt.bar(g["segment"], g["sale_price"], color="teal")
plt.title("Average price")
plt.xticks(rotation=45)

plt.figure()
plt.plot(df["sale_date"][:3], df["sale_price"][:3], label="price")
plt.legend()
plt.grid(True)

plt.figure()
plt.hist(df["sale_price"], bins=3)
plt.close()

plt.figure()
plt.scatter(df["sale_price"], df["sale_price"])
print("done")`)
	require.True(t, res.OK(), res.Text())
	assert.Equal(t, "done\n", *res.Output)
	require.Len(t, res.Plots, 3)
	for i, p := range res.Plots {
		name := []string{"plot_20240115_103000_1.png", "plot_20240115_103000_2.png", "plot_20240115_103000_3.png"}[i]
		assert.Equal(t, name, p.Filename)
		assert.Equal(t, "/static/plots/"+name, p.Path)
		assert.Equal(t, "2024-01-15 10:30:00", p.CreatedAt)
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestExecuteSkipsTakenPlotNames(t *testing.T) {
	sb, dir := newTestSandbox(t)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plot_20240115_103000_1.png"), []byte("old"), 0o644))

	res := run(t, sb, `plt.plot([1, 2, 3])`)
	require.True(t, res.OK(), res.Text())
	require.Len(t, res.Plots, 1)
	assert.Equal(t, "plot_20240115_103000_2.png", res.Plots[0].Filename)

	old, err := os.ReadFile(filepath.Join(dir, "plot_20240115_103000_1.png"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestExecuteFiguresDoNotLeakAcrossRuns(t *testing.T) {
	sb, _ := newTestSandbox(t)
	first := run(t, sb, `plt.plot([1, 2, 3])`)
	require.Len(t, first.Plots, 1)
	second := run(t, sb, `print("no plot")`)
	require.True(t, second.OK())
	assert.Empty(t, second.Plots)
}

func TestExecuteSavesFigureWithoutSeries(t *testing.T) {
	sb, dir := newTestSandbox(t)
	res := run(t, sb, `plt.figure()
plt.title("empty")`)
	require.True(t, res.OK(), res.Text())
	require.Len(t, res.Plots, 1)
	_, err := os.Stat(filepath.Join(dir, res.Plots[0].Filename))
	assert.NoError(t, err)
}

func TestExecuteReportsUnusablePlotsDir(t *testing.T) {
	// every plot path under this dir exceeds PATH_MAX, so stat fails with
	// ENAMETOOLONG rather than not-exist
	dir := t.TempDir()
	for len(dir) < 4070-201 {
		dir = filepath.Join(dir, strings.Repeat("d", 200))
	}
	dir = filepath.Join(dir, strings.Repeat("p", 4070-len(dir)-1))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	sb := New(Options{PlotsDir: dir, Now: func() time.Time { return fixedNow }})

	tbl := salesTable(t)
	done := make(chan envelope.ExecutionResult, 1)
	go func() { done <- sb.Execute(context.Background(), "plt.figure()\nplt.plot([1, 2], [3, 4])", tbl) }()
	select {
	case res := <-done:
		require.False(t, res.OK())
		assert.Contains(t, *res.Error, "check plot file")
		assert.Empty(t, res.Plots)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return")
	}
}

func TestFreeNameReturnsStatError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	sb := New(Options{PlotsDir: file})
	index := 1
	_, _, err := sb.freeName("20240115_103000", &index)
	require.Error(t, err)
	assert.Equal(t, 2, index)
}

func TestExecuteStepLimit(t *testing.T) {
	dir := t.TempDir()
	sb := New(Options{PlotsDir: dir, MaxSteps: 10000})
	res := sb.Execute(context.Background(), "while True:\n    pass", salesTable(t))
	require.False(t, res.OK())
	assert.Contains(t, *res.Error, "too many steps")
}

func TestExecuteHonoursCancellation(t *testing.T) {
	sb, _ := newTestSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := sb.Execute(ctx, "while True:\n    pass", salesTable(t))
	require.False(t, res.OK())
	assert.Contains(t, *res.Error, "cancel")
}

func TestExecuteTimeout(t *testing.T) {
	sb := New(Options{PlotsDir: t.TempDir(), Timeout: 50 * time.Millisecond})
	res := sb.Execute(context.Background(), "while True:\n    pass", salesTable(t))
	require.False(t, res.OK())
	assert.Contains(t, *res.Error, "deadline")
}

func TestFrameOperations(t *testing.T) {
	sb, _ := newTestSandbox(t)
	cases := []struct {
		name string
		code string
		want string
	}{
		{"shape", `print(df.shape)`, "(4, 3)\n"},
		{"dtypes", `print(df.dtypes["sale_price"], df.dtypes["sale_date"])`, "numeric datetime\n"},
		{"groupby sum", `print(df.groupby("segment", "sale_price")["sale_price"])`, "[40, 25.5]\n"},
		{"groupby count", `print(df.groupby("segment", agg="count")["count"])`, "[2, 2]\n"},
		{"groupby month", `g = df.groupby("sale_date", "sale_price", freq="M")
print(len(g), g["sale_price"])`, "2 [30, 30]\n"},
		{"filter", `print(len(df.filter(lambda r: r["sale_price"] > 15)))`, "2\n"},
		{"sort", `print(df.sort_values("sale_price", ascending=False)["sale_price"])`, "[30, 20, 10, 5.5]\n"},
		{"stats", `print(df.sum("sale_price"), df.max("sale_price"), df.count("sale_date"))`, "65.5 30.0 3\n"},
		{"unique", `print(df.unique("segment"))`, "[\"A\", \"B\"]\n"},
		{"iterate", `print([r["segment"] for r in df.head(2)])`, "[\"A\", \"B\"]\n"},
		{"select", `print(df[["segment"]].columns)`, "[\"segment\"]\n"},
		{"np", `print(np.mean([1, 2, 3]), np.cumsum([1, 2, 3]), np.percentile([1, 2, 3, 4], 50))`, "2.0 [1.0, 3.0, 6.0] 2.5\n"},
		{"math", `print(math.sqrt(16))`, "4.0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := run(t, sb, tc.code)
			require.True(t, res.OK(), res.Text())
			assert.Equal(t, tc.want, *res.Output)
		})
	}
}

func TestFrameSQLUsesDuckDB(t *testing.T) {
	eng, err := duckdb.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	sb := New(Options{PlotsDir: t.TempDir(), SQL: eng})
	res := sb.Execute(context.Background(),
		`r = df.sql("SELECT segment, SUM(sale_price) AS total FROM df GROUP BY segment ORDER BY segment")
print(r["total"])`, salesTable(t))
	require.True(t, res.OK(), res.Text())
	assert.Equal(t, "[40, 25.5]\n", *res.Output)
}

func TestFrameSQLWithoutEngine(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, `df.sql("SELECT 1")`)
	require.False(t, res.OK())
	assert.Contains(t, *res.Error, "SQL engine is not available")
}

func TestTabulateFormats(t *testing.T) {
	sb, _ := newTestSandbox(t)
	res := run(t, sb, `g = df.groupby("segment", "sale_price")
print(tabulate(g, headers="keys", tablefmt="psql"))`)
	require.True(t, res.OK(), res.Text())
	want := "+---------+------------+\n" +
		"| segment | sale_price |\n" +
		"|---------+------------|\n" +
		"| A       |         40 |\n" +
		"| B       |       25.5 |\n" +
		"+---------+------------+\n"
	assert.Equal(t, want, *res.Output)
}

func TestRenderTableSimpleAndGithub(t *testing.T) {
	headers := []string{"name", "n"}
	rows := [][]string{{"a", "1"}, {"bb", "10"}}
	numeric := []bool{false, true}

	assert.Equal(t, "name   n\n----  --\na      1\nbb    10", renderTable(headers, rows, numeric, "simple"))
	assert.Equal(t, "| name |  n |\n|:-----|---:|\n| a    |  1 |\n| bb   | 10 |", renderTable(headers, rows, numeric, "github"))
}
