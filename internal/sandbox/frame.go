package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"

	"github.com/KaramelBytes/datachat/internal/dataset"
)

// SQLRunner executes SQL against a table exposed as "df".
type SQLRunner interface {
	Query(ctx context.Context, t *dataset.Table, sql string) (*dataset.Table, error)
}

// runEnv is per-execution state shared by the bindings.
type runEnv struct {
	ctx context.Context
	sql SQLRunner
}

// Frame exposes a table to scripts as df.
type Frame struct {
	t   *dataset.Table
	env *runEnv
}

var (
	_ starlark.HasAttrs = (*Frame)(nil)
	_ starlark.Mapping  = (*Frame)(nil)
	_ starlark.Sequence = (*Frame)(nil)
)

func newFrame(t *dataset.Table, env *runEnv) *Frame { return &Frame{t: t, env: env} }

func (f *Frame) derive(t *dataset.Table) *Frame { return &Frame{t: t, env: f.env} }

func (f *Frame) String() string        { return f.render("plain") }
func (f *Frame) Type() string          { return "DataFrame" }
func (f *Frame) Freeze()               {}
func (f *Frame) Truth() starlark.Bool  { return f.t.Len() > 0 }
func (f *Frame) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: DataFrame") }
func (f *Frame) Len() int              { return f.t.Len() }

func (f *Frame) Iterate() starlark.Iterator { return &rowIterator{f: f} }

type rowIterator struct {
	f *Frame
	i int
}

func (it *rowIterator) Next(p *starlark.Value) bool {
	if it.i >= it.f.t.Len() {
		return false
	}
	*p = it.f.rowDict(it.i)
	it.i++
	return true
}

func (it *rowIterator) Done() {}

func (f *Frame) rowDict(i int) *starlark.Dict {
	d := starlark.NewDict(len(f.t.Columns))
	for _, c := range f.t.Columns {
		_ = d.SetKey(starlark.String(c.Name), cell(c, i))
	}
	return d
}

// Get implements df["col"] and df[["a", "b"]].
func (f *Frame) Get(k starlark.Value) (starlark.Value, bool, error) {
	if s, ok := starlark.AsString(k); ok {
		c, err := f.column(s)
		if err != nil {
			return nil, false, err
		}
		return columnList(c), true, nil
	}
	if _, ok := k.(starlark.Iterable); ok {
		cols, err := names("df[]", k)
		if err != nil {
			return nil, false, err
		}
		sub, err := f.selectCols(cols)
		if err != nil {
			return nil, false, err
		}
		return sub, true, nil
	}
	return nil, false, fmt.Errorf("df[]: want a column name, got %s", k.Type())
}

func (f *Frame) column(name string) (*dataset.Column, error) {
	if c, ok := f.t.Column(name); ok {
		return c, nil
	}
	if c, ok := f.t.Column(dataset.CanonicalName(name)); ok {
		return c, nil
	}
	return nil, fmt.Errorf("KeyError: no column %q (columns: %s)", name, strings.Join(f.t.Names(), ", "))
}

func (f *Frame) numeric(fn, name string) ([]float64, error) {
	c, err := f.column(name)
	if err != nil {
		return nil, err
	}
	if c.Kind != dataset.KindNumeric {
		return nil, fmt.Errorf("%s: column %q is %s, not numeric", fn, c.Name, c.Kind)
	}
	out := make([]float64, 0, c.Len())
	for i, v := range c.Num {
		if !c.Null[i] {
			out = append(out, v)
		}
	}
	return out, nil
}

type frameMethod func(f *Frame, thread *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var frameMethods = map[string]frameMethod{
	"col":          frameCol,
	"count":        frameCount,
	"describe":     frameDescribe,
	"filter":       frameFilter,
	"groupby":      frameGroupBy,
	"head":         frameHead,
	"iterrows":     frameIterRows,
	"max":          frameStat("max"),
	"mean":         frameStat("mean"),
	"median":       frameStat("median"),
	"min":          frameStat("min"),
	"rows":         frameRows,
	"select":       frameSelect,
	"sort_values":  frameSort,
	"sql":          frameSQL,
	"std":          frameStat("std"),
	"sum":          frameStat("sum"),
	"tail":         frameTail,
	"to_string":    frameToString,
	"unique":       frameUnique,
	"value_counts": frameValueCounts,
}

func (f *Frame) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		return stringList(f.t.Names()), nil
	case "dtypes":
		d := starlark.NewDict(len(f.t.Columns))
		for _, c := range f.t.Columns {
			_ = d.SetKey(starlark.String(c.Name), starlark.String(c.Kind.String()))
		}
		return d, nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(f.t.Len()), starlark.MakeInt(len(f.t.Columns))}, nil
	}
	m, ok := frameMethods[name]
	if !ok {
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return m(f, thread, "df."+name, args, kwargs)
	}), nil
}

func (f *Frame) AttrNames() []string {
	out := []string{"columns", "dtypes", "shape"}
	for name := range frameMethods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func frameCol(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	c, err := f.column(name)
	if err != nil {
		return nil, err
	}
	return columnList(c), nil
}

func frameHead(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(fn, args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	return f.derive(f.t.Take(span(0, clamp(n, f.t.Len())))), nil
}

func frameTail(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(fn, args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	total := f.t.Len()
	return f.derive(f.t.Take(span(total-clamp(n, total), total))), nil
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

func span(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func frameRows(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 0); err != nil {
		return nil, err
	}
	rows := make([]starlark.Value, f.t.Len())
	for i := range rows {
		row := make([]starlark.Value, len(f.t.Columns))
		for j, c := range f.t.Columns {
			row[j] = cell(c, i)
		}
		rows[i] = starlark.NewList(row)
	}
	return starlark.NewList(rows), nil
}

func frameIterRows(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 0); err != nil {
		return nil, err
	}
	rows := make([]starlark.Value, f.t.Len())
	for i := range rows {
		rows[i] = starlark.Tuple{starlark.MakeInt(i), f.rowDict(i)}
	}
	return starlark.NewList(rows), nil
}

func frameSelect(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn)
	}
	var cols []string
	for _, a := range args {
		ns, err := names(fn, a)
		if err != nil {
			return nil, err
		}
		cols = append(cols, ns...)
	}
	return f.selectCols(cols)
}

func (f *Frame) selectCols(cols []string) (*Frame, error) {
	out := &dataset.Table{Key: f.t.Key, Source: f.t.Source}
	for _, name := range cols {
		c, err := f.column(name)
		if err != nil {
			return nil, err
		}
		out.Columns = append(out.Columns, c)
	}
	return f.derive(out), nil
}

func frameFilter(f *Frame, thread *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pred starlark.Callable
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 1, &pred); err != nil {
		return nil, err
	}
	var keep []int
	for i := 0; i < f.t.Len(); i++ {
		v, err := starlark.Call(thread, pred, starlark.Tuple{f.rowDict(i)}, nil)
		if err != nil {
			return nil, err
		}
		if v.Truth() {
			keep = append(keep, i)
		}
	}
	return f.derive(f.t.Take(keep)), nil
}

func frameSort(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by starlark.Value
	ascending := true
	if err := starlark.UnpackArgs(fn, args, kwargs, "by", &by, "ascending?", &ascending); err != nil {
		return nil, err
	}
	keys, err := names(fn, by)
	if err != nil {
		return nil, err
	}
	cols := make([]*dataset.Column, len(keys))
	for i, k := range keys {
		if cols[i], err = f.column(k); err != nil {
			return nil, err
		}
	}
	idx := span(0, f.t.Len())
	sort.SliceStable(idx, func(a, b int) bool {
		for _, c := range cols {
			cmp := compareCells(c, idx[a], idx[b])
			if cmp == 0 {
				continue
			}
			// missing values sort last in both directions
			if c.Null[idx[a]] || c.Null[idx[b]] {
				return !c.Null[idx[a]]
			}
			if ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
	return f.derive(f.t.Take(idx)), nil
}

// compareCells orders two cells of one column; nulls compare greater.
func compareCells(c *dataset.Column, a, b int) int {
	na, nb := c.Null[a], c.Null[b]
	switch {
	case na && nb:
		return 0
	case na:
		return 1
	case nb:
		return -1
	}
	switch c.Kind {
	case dataset.KindNumeric:
		return compareFloat(c.Num[a], c.Num[b])
	case dataset.KindDateTime:
		return c.Time[a].Compare(c.Time[b])
	default:
		return strings.Compare(c.Text[a], c.Text[b])
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func frameUnique(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	c, err := f.column(name)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []starlark.Value
	for i := 0; i < c.Len(); i++ {
		if c.Null[i] {
			continue
		}
		k := c.Format(i)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, cell(c, i))
	}
	return starlark.NewList(out), nil
}

func frameValueCounts(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	c, err := f.column(name)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	first := map[string]int{}
	for i := 0; i < c.Len(); i++ {
		if c.Null[i] {
			continue
		}
		k := c.Format(i)
		if _, ok := counts[k]; !ok {
			first[k] = i
		}
		counts[k]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if counts[keys[a]] != counts[keys[b]] {
			return counts[keys[a]] > counts[keys[b]]
		}
		return compareCells(c, first[keys[a]], first[keys[b]]) < 0
	})
	vals := make([]any, len(keys))
	ns := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = c.Value(first[k])
		ns[i] = float64(counts[k])
	}
	return f.derive(&dataset.Table{Key: f.t.Key, Columns: []*dataset.Column{
		dataset.NewColumn(c.Name, vals),
		dataset.NewColumn("count", ns),
	}}), nil
}

func frameStat(agg string) frameMethod {
	return func(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		c, err := f.column(name)
		if err != nil {
			return nil, err
		}
		// min and max also order dates and text
		if (agg == "min" || agg == "max") && c.Kind != dataset.KindNumeric {
			best := -1
			for i := 0; i < c.Len(); i++ {
				if c.Null[i] {
					continue
				}
				if best < 0 {
					best = i
					continue
				}
				cmp := compareCells(c, i, best)
				if (agg == "min" && cmp < 0) || (agg == "max" && cmp > 0) {
					best = i
				}
			}
			if best < 0 {
				return starlark.None, nil
			}
			return cell(c, best), nil
		}
		vals, err := f.numeric(fn, name)
		if err != nil {
			return nil, err
		}
		v, err := aggregate(agg, vals)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		return starlark.Float(v), nil
	}
}

func frameCount(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name := ""
	if err := starlark.UnpackArgs(fn, args, kwargs, "col?", &name); err != nil {
		return nil, err
	}
	if name == "" {
		return starlark.MakeInt(f.t.Len()), nil
	}
	c, err := f.column(name)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(c.NonNull()), nil
}

func frameDescribe(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 0); err != nil {
		return nil, err
	}
	stats := []string{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}
	labels := make([]any, len(stats))
	for i, s := range stats {
		labels[i] = s
	}
	cols := []*dataset.Column{dataset.NewColumn("stat", labels)}
	for _, c := range f.t.Columns {
		if c.Kind != dataset.KindNumeric {
			continue
		}
		vals, _ := f.numeric(fn, c.Name)
		mean, _ := aggregate("mean", vals)
		mn, _ := aggregate("min", vals)
		mx, _ := aggregate("max", vals)
		row := []float64{float64(len(vals)), mean, stddev(vals), mn, percentile(vals, 25), percentile(vals, 50), percentile(vals, 75), mx}
		out := make([]any, len(row))
		for i, v := range row {
			if math.IsNaN(v) {
				continue
			}
			out[i] = v
		}
		cols = append(cols, dataset.NewColumn(c.Name, out))
	}
	if len(cols) == 1 {
		return nil, fmt.Errorf("%s: no numeric columns", fn)
	}
	return f.derive(&dataset.Table{Key: f.t.Key, Columns: cols}), nil
}

func frameToString(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(f.render("plain")), nil
}

func (f *Frame) render(format string) string {
	rows := make([][]string, f.t.Len())
	for i := range rows {
		rows[i] = make([]string, len(f.t.Columns))
		for j, c := range f.t.Columns {
			rows[i][j] = display(cell(c, i))
		}
	}
	numeric := make([]bool, len(f.t.Columns))
	for j, c := range f.t.Columns {
		numeric[j] = c.Kind == dataset.KindNumeric
	}
	return renderTable(f.t.Names(), rows, numeric, format)
}

func frameSQL(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	if err := starlark.UnpackPositionalArgs(fn, args, kwargs, 1, &query); err != nil {
		return nil, err
	}
	if f.env.sql == nil {
		return nil, fmt.Errorf("%s: SQL engine is not available", fn)
	}
	out, err := f.env.sql.Query(f.env.ctx, f.t, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return f.derive(out), nil
}

func frameGroupBy(f *Frame, _ *starlark.Thread, fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by starlark.Value
	var colName, agg, freq string
	agg = "sum"
	if err := starlark.UnpackArgs(fn, args, kwargs, "by", &by, "col?", &colName, "agg?", &agg, "freq?", &freq); err != nil {
		return nil, err
	}
	keys, err := names(fn, by)
	if err != nil {
		return nil, err
	}
	keyCols := make([]*dataset.Column, len(keys))
	for i, k := range keys {
		if keyCols[i], err = f.column(k); err != nil {
			return nil, err
		}
	}
	var valCol *dataset.Column
	if colName != "" {
		if valCol, err = f.column(colName); err != nil {
			return nil, err
		}
		if valCol.Kind != dataset.KindNumeric && agg != "count" && agg != "size" {
			return nil, fmt.Errorf("%s: column %q is %s, cannot %s", fn, valCol.Name, valCol.Kind, agg)
		}
	} else if agg != "count" && agg != "size" {
		return nil, fmt.Errorf("%s: col is required for agg=%q", fn, agg)
	}

	type group struct {
		key  []any
		vals []float64
		n    int
	}
	groups := map[string]*group{}
	var order []*group
	for i := 0; i < f.t.Len(); i++ {
		key := make([]any, len(keyCols))
		parts := make([]string, len(keyCols))
		skip := false
		for j, c := range keyCols {
			v := c.Value(i)
			if v == nil {
				// pandas drops missing keys by default
				skip = true
				break
			}
			if tv, ok := v.(time.Time); ok && freq != "" {
				if tv, err = truncateTime(tv, freq); err != nil {
					return nil, fmt.Errorf("%s: %w", fn, err)
				}
				v = tv
			}
			key[j] = v
			parts[j] = fmt.Sprint(v)
		}
		if skip {
			continue
		}
		gk := strings.Join(parts, "\x00")
		g := groups[gk]
		if g == nil {
			g = &group{key: key}
			groups[gk] = g
			order = append(order, g)
		}
		g.n++
		if valCol == nil || valCol.Null[i] {
			continue
		}
		if valCol.Kind == dataset.KindNumeric {
			g.vals = append(g.vals, valCol.Num[i])
		} else {
			// text values only ever feed a count
			g.vals = append(g.vals, 0)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		for j := range keyCols {
			if c := compareAny(order[a].key[j], order[b].key[j]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	outKeys := make([][]any, len(keyCols))
	outVals := make([]any, len(order))
	for gi, g := range order {
		for j := range keyCols {
			outKeys[j] = append(outKeys[j], g.key[j])
		}
		var v float64
		switch {
		case valCol == nil:
			v = float64(g.n)
		default:
			if v, err = aggregate(agg, g.vals); err != nil {
				return nil, fmt.Errorf("%s: %w", fn, err)
			}
		}
		if !math.IsNaN(v) {
			outVals[gi] = v
		}
	}
	out := &dataset.Table{Key: f.t.Key}
	for j, c := range keyCols {
		out.Columns = append(out.Columns, dataset.NewColumn(c.Name, outKeys[j]))
	}
	valName := "count"
	if valCol != nil {
		valName = valCol.Name
	}
	out.Columns = append(out.Columns, dataset.NewColumn(valName, outVals))
	return f.derive(out), nil
}

func compareAny(a, b any) int {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return compareFloat(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// truncateTime maps t to the start of its period: D, W (Monday), M, Q or Y.
func truncateTime(t time.Time, freq string) (time.Time, error) {
	y, m, d := t.Date()
	loc := t.Location()
	switch strings.ToUpper(freq) {
	case "D":
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	case "W":
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	case "M", "MS", "ME":
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), nil
	case "Q", "QS", "QE":
		q := (int(m)-1)/3*3 + 1
		return time.Date(y, time.Month(q), 1, 0, 0, 0, 0, loc), nil
	case "Y", "YS", "YE", "A":
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc), nil
	}
	return t, fmt.Errorf("unknown freq %q (want D, W, M, Q or Y)", freq)
}

// timeValue is used by plt to place datetimes on a numeric axis.
func timeValue(v starlark.Value) (time.Time, bool) {
	tv, ok := v.(startime.Time)
	return time.Time(tv), ok
}
