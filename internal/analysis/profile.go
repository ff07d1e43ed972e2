// Package analysis computes a compact statistical profile of a table.
package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/KaramelBytes/datachat/internal/dataset"
)

// Options controls profiling behavior.
type Options struct {
	// SampleRows determines how many example rows to include in the report.
	SampleRows int
	// GroupBy computes per-group summaries for the given column names.
	GroupBy []string
	// Correlations computes Pearson correlations among numeric columns.
	Correlations bool
	// Outlier detection via robust Z-score (MAD). If Outliers is true, counts |z|>threshold.
	Outliers         bool
	OutlierThreshold float64
	// TopValues caps the categorical top-value list.
	TopValues int
}

// DefaultOptions returns reasonable defaults for dataset profiling.
func DefaultOptions() Options {
	return Options{
		SampleRows:       5,
		Correlations:     true,
		Outliers:         true,
		OutlierThreshold: 3.5,
		TopValues:        8,
	}
}

// Report is a markdown-friendly profile of a tabular dataset.
type Report struct {
	Name     string
	Rows     int
	Cols     []ColumnSummary
	Samples  [][]string
	Warnings []string
	Groups   []GroupResult
	Corr     *CorrMatrix
}

// ColumnSummary captures type and statistics per column.
type ColumnSummary struct {
	Name    string
	Kind    string // numeric|datetime|categorical|text
	NonNull int
	Missing int
	Unique  int
	// Numeric stats
	Min    float64
	Max    float64
	Mean   float64
	Median float64
	Std    float64
	Sum    float64
	// Outliers (robust Z via MAD)
	OutliersCount    int
	OutliersMaxAbsZ  float64
	OutlierThreshold float64
	// Date range
	First time.Time
	Last  time.Time
	// Categorical top values
	TopValues    []CategoryCount
	ExampleTexts []string
}

type CategoryCount struct {
	Value string
	Count int
}

// GroupResult captures aggregated metrics per group key.
type GroupResult struct {
	Key     string
	Size    int
	Metrics map[string]NumSummary // by column name
}

type NumSummary struct {
	Count               int
	Min, Max, Mean, Sum float64
}

// CorrMatrix holds a symmetric Pearson correlation matrix across numeric columns.
type CorrMatrix struct {
	Columns []string
	Values  [][]float64 // row-major, Values[i][j]
}

// Profile summarizes every column of t.
func Profile(t *dataset.Table, opt Options) *Report {
	rep := &Report{Name: t.Key, Rows: t.Len()}
	if opt.SampleRows <= 0 {
		opt.SampleRows = 5
	}
	if opt.TopValues <= 0 {
		opt.TopValues = 8
	}
	for i := 0; i < t.Len() && i < opt.SampleRows; i++ {
		rep.Samples = append(rep.Samples, t.Row(i))
	}

	var numCols []*dataset.Column
	for _, c := range t.Columns {
		s := ColumnSummary{Name: c.Name, NonNull: c.NonNull()}
		s.Missing = c.Len() - s.NonNull
		switch c.Kind {
		case dataset.KindNumeric:
			summarizeNumeric(c, &s, opt)
			numCols = append(numCols, c)
		case dataset.KindDateTime:
			summarizeTimes(c, &s)
		default:
			summarizeText(c, &s, opt)
		}
		rep.Cols = append(rep.Cols, s)
	}

	if len(opt.GroupBy) > 0 {
		groups, warn := groupBy(t, opt.GroupBy, numCols)
		rep.Groups = groups
		rep.Warnings = append(rep.Warnings, warn...)
	}
	if opt.Correlations && len(numCols) >= 2 {
		rep.Corr = correlations(numCols)
	}
	return rep
}

func presentNums(c *dataset.Column) []float64 {
	out := make([]float64, 0, c.Len())
	for i, v := range c.Num {
		if !c.Null[i] {
			out = append(out, v)
		}
	}
	return out
}

func summarizeNumeric(c *dataset.Column, s *ColumnSummary, opt Options) {
	s.Kind = "numeric"
	vals := presentNums(c)
	if len(vals) == 0 {
		return
	}
	// Welford update
	var n int
	var mean, m2 float64
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	uniq := map[float64]struct{}{}
	for _, x := range vals {
		n++
		delta := x - mean
		mean += delta / float64(n)
		m2 += delta * (x - mean)
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
		s.Sum += x
		uniq[x] = struct{}{}
	}
	s.Mean = mean
	s.Unique = len(uniq)
	if n > 1 {
		s.Std = math.Sqrt(m2 / float64(n-1))
	}
	median, mad := medianMAD(vals)
	s.Median = median
	if opt.Outliers && len(vals) >= 8 {
		thr := opt.OutlierThreshold
		if thr <= 0 {
			thr = 3.5
		}
		s.OutlierThreshold = thr
		if mad > 0 {
			for _, v := range vals {
				az := math.Abs(0.6745 * (v - median) / mad)
				if az > thr {
					s.OutliersCount++
				}
				s.OutliersMaxAbsZ = math.Max(s.OutliersMaxAbsZ, az)
			}
		}
	}
}

func summarizeTimes(c *dataset.Column, s *ColumnSummary) {
	s.Kind = "datetime"
	uniq := map[int64]struct{}{}
	for i, v := range c.Time {
		if c.Null[i] {
			continue
		}
		if s.First.IsZero() || v.Before(s.First) {
			s.First = v
		}
		if s.Last.IsZero() || v.After(s.Last) {
			s.Last = v
		}
		uniq[v.UnixNano()] = struct{}{}
	}
	s.Unique = len(uniq)
}

func summarizeText(c *dataset.Column, s *ColumnSummary, opt Options) {
	cats := map[string]int{}
	long := 0
	for i, v := range c.Text {
		if c.Null[i] {
			continue
		}
		if len(v) > 64 {
			long++
			if len(s.ExampleTexts) < 3 {
				s.ExampleTexts = append(s.ExampleTexts, v)
			}
			continue
		}
		cats[v]++
	}
	s.Unique = len(cats)
	// Mostly long free text, or every value distinct: report as text.
	if long > len(cats) || (len(cats) > 20 && len(cats) == s.NonNull) {
		s.Kind = "text"
		if len(s.ExampleTexts) == 0 {
			for i, v := range c.Text {
				if !c.Null[i] && len(s.ExampleTexts) < 3 {
					s.ExampleTexts = append(s.ExampleTexts, v)
				}
			}
		}
		return
	}
	s.Kind = "categorical"
	tops := make([]CategoryCount, 0, len(cats))
	for k, v := range cats {
		tops = append(tops, CategoryCount{Value: k, Count: v})
	}
	sort.Slice(tops, func(i, j int) bool {
		if tops[i].Count == tops[j].Count {
			return tops[i].Value < tops[j].Value
		}
		return tops[i].Count > tops[j].Count
	})
	if len(tops) > opt.TopValues {
		tops = tops[:opt.TopValues]
	}
	s.TopValues = tops
}

func groupBy(t *dataset.Table, names []string, numCols []*dataset.Column) ([]GroupResult, []string) {
	var keys []*dataset.Column
	var warnings []string
	for _, n := range names {
		c, ok := t.Column(dataset.CanonicalName(n))
		if !ok {
			warnings = append(warnings, fmt.Sprintf("group-by column %q not found", n))
			continue
		}
		keys = append(keys, c)
	}
	if len(keys) == 0 {
		return nil, warnings
	}
	type acc struct {
		size int
		m    map[string]*NumSummary
	}
	groups := map[string]*acc{}
	for i := 0; i < t.Len(); i++ {
		parts := make([]string, len(keys))
		for j, k := range keys {
			parts[j] = fmt.Sprintf("%s=%s", k.Name, safeVal(k.Format(i)))
		}
		gk := strings.Join(parts, " | ")
		g := groups[gk]
		if g == nil {
			g = &acc{m: map[string]*NumSummary{}}
			groups[gk] = g
		}
		g.size++
		for _, c := range numCols {
			if c.Null[i] {
				continue
			}
			x := c.Num[i]
			ns := g.m[c.Name]
			if ns == nil {
				ns = &NumSummary{Min: x, Max: x}
				g.m[c.Name] = ns
			}
			ns.Count++
			ns.Sum += x
			ns.Min = math.Min(ns.Min, x)
			ns.Max = math.Max(ns.Max, x)
		}
	}
	out := make([]GroupResult, 0, len(groups))
	for k, g := range groups {
		gr := GroupResult{Key: k, Size: g.size, Metrics: map[string]NumSummary{}}
		for name, ns := range g.m {
			ns.Mean = ns.Sum / float64(ns.Count)
			gr.Metrics[name] = *ns
		}
		out = append(out, gr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size == out[j].Size {
			return out[i].Key < out[j].Key
		}
		return out[i].Size > out[j].Size
	})
	if len(out) > 20 {
		out = out[:20]
	}
	return out, warnings
}

// correlations computes pairwise Pearson r over rows where both values are present.
func correlations(cols []*dataset.Column) *CorrMatrix {
	n := len(cols)
	m := &CorrMatrix{Columns: make([]string, n), Values: make([][]float64, n)}
	for i, c := range cols {
		m.Columns[i] = c.Name
		m.Values[i] = make([]float64, n)
		m.Values[i][i] = 1
	}
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			r := pearson(cols[a], cols[b])
			m.Values[a][b] = r
			m.Values[b][a] = r
		}
	}
	return m
}

func pearson(x, y *dataset.Column) float64 {
	var n, sx, sy, sxx, syy, sxy float64
	for i := 0; i < x.Len(); i++ {
		if x.Null[i] || y.Null[i] {
			continue
		}
		a, b := x.Num[i], y.Num[i]
		n++
		sx += a
		sy += b
		sxx += a * a
		syy += b * b
		sxy += a * b
	}
	if n < 2 {
		return 0
	}
	denom := math.Sqrt((n*sxx - sx*sx) * (n*syy - sy*sy))
	if denom == 0 {
		return 0
	}
	r := (n*sxy - sx*sy) / denom
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}

// Markdown renders a compact report suitable for prompts or standalone docs.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("[DATASET SUMMARY]\n")
	if r.Name != "" {
		b.WriteString(fmt.Sprintf("Dataset: %s\n", r.Name))
	}
	b.WriteString(fmt.Sprintf("Rows: %d\n", r.Rows))
	b.WriteString(fmt.Sprintf("Columns: %d\n\n", len(r.Cols)))

	b.WriteString("[SCHEMA]\n")
	for _, c := range r.Cols {
		total := c.NonNull + c.Missing
		missPct := 0.0
		if total > 0 {
			missPct = float64(c.Missing) * 100.0 / float64(total)
		}
		b.WriteString(fmt.Sprintf("- %s: %s (non-null %d, missing %.1f%%)", safeName(c.Name), c.Kind, c.NonNull, missPct))
		switch c.Kind {
		case "numeric":
			if c.NonNull > 0 {
				b.WriteString(fmt.Sprintf(" — min %.4g, max %.4g, mean %.4g, median %.4g, std %.4g, sum %.6g", c.Min, c.Max, c.Mean, c.Median, c.Std, c.Sum))
			}
			if c.OutlierThreshold > 0 {
				b.WriteString(fmt.Sprintf("; outliers: %d above |z|>%.1f", c.OutliersCount, c.OutlierThreshold))
				if c.OutliersMaxAbsZ > 0 {
					b.WriteString(fmt.Sprintf(" (max |z|≈%.2f)", c.OutliersMaxAbsZ))
				}
			}
		case "datetime":
			if !c.First.IsZero() {
				b.WriteString(fmt.Sprintf(" — from %s to %s", dataset.FormatTime(c.First), dataset.FormatTime(c.Last)))
			}
		case "categorical":
			if len(c.TopValues) > 0 {
				b.WriteString(" — top: ")
				for i, kv := range c.TopValues {
					if i > 0 {
						b.WriteString(", ")
					}
					b.WriteString(fmt.Sprintf("%s(%d)", safeVal(kv.Value), kv.Count))
				}
				if c.Unique > len(c.TopValues) {
					b.WriteString(fmt.Sprintf("; unique=%d", c.Unique))
				}
			}
		case "text":
			if len(c.ExampleTexts) > 0 {
				b.WriteString(" — e.g., ")
				for i, ex := range c.ExampleTexts {
					if i > 0 {
						b.WriteString(" | ")
					}
					b.WriteString(safeVal(truncate(ex, 80)))
				}
			}
		}
		b.WriteString("\n")
	}
	if len(r.Groups) > 0 {
		b.WriteString("\n[GROUP-BY SUMMARY]\n")
		for _, g := range r.Groups {
			b.WriteString(fmt.Sprintf("- %s (n=%d)\n", g.Key, g.Size))
			keys := make([]string, 0, len(g.Metrics))
			for k := range g.Metrics {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 6 {
				keys = keys[:6]
			}
			for _, k := range keys {
				m := g.Metrics[k]
				b.WriteString(fmt.Sprintf("  • %s: mean %.4g, sum %.6g (min %.4g, max %.4g)\n", k, m.Mean, m.Sum, m.Min, m.Max))
			}
		}
	}
	if r.Corr != nil && len(r.Corr.Columns) >= 2 {
		b.WriteString("\n[CORRELATIONS]\n")
		type pr struct {
			A, B string
			R    float64
		}
		var pairs []pr
		n := len(r.Corr.Columns)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				pairs = append(pairs, pr{A: r.Corr.Columns[i], B: r.Corr.Columns[j], R: r.Corr.Values[i][j]})
			}
		}
		sort.Slice(pairs, func(i, j int) bool {
			ai := math.Abs(pairs[i].R)
			aj := math.Abs(pairs[j].R)
			if ai == aj {
				return pairs[i].A+pairs[i].B < pairs[j].A+pairs[j].B
			}
			return ai > aj
		})
		if len(pairs) > 10 {
			pairs = pairs[:10]
		}
		for _, p := range pairs {
			b.WriteString(fmt.Sprintf("- %s ~ %s: r=%.3f\n", p.A, p.B, p.R))
		}
	}
	if len(r.Samples) > 0 {
		b.WriteString("\n[HEAD AND SAMPLE ROWS]\n")
		b.WriteString("| ")
		for i, c := range r.Cols {
			if i > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(safeName(c.Name))
		}
		b.WriteString(" |\n| ")
		for i := range r.Cols {
			if i > 0 {
				b.WriteString(" | ")
			}
			b.WriteString("---")
		}
		b.WriteString(" |\n")
		for _, row := range r.Samples {
			b.WriteString("| ")
			for i := range r.Cols {
				if i > 0 {
					b.WriteString(" | ")
				}
				val := ""
				if i < len(row) {
					val = row[i]
				}
				b.WriteString(safeVal(truncate(val, 80)))
			}
			b.WriteString(" |\n")
		}
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\n[NOTES]\n")
		for _, w := range r.Warnings {
			b.WriteString("- ")
			b.WriteString(w)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unnamed)"
	}
	return s
}

func safeVal(s string) string { return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "|", "/") }

// medianMAD computes median and MAD (median absolute deviation) of values.
func medianMAD(vals []float64) (median, mad float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	cp := make([]float64, len(vals))
	copy(cp, vals)
	sort.Float64s(cp)
	median = quantile(cp, 0.5)
	dev := make([]float64, len(cp))
	for i, v := range cp {
		dev[i] = math.Abs(v - median)
	}
	sort.Float64s(dev)
	mad = quantile(dev, 0.5)
	return
}

// Quantile returns the linearly interpolated q-quantile of sorted values.
func Quantile(sorted []float64, q float64) float64 { return quantile(sorted, q) }

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	w := pos - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}
