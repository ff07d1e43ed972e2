package dataset

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Conversion stages recorded in a ColumnDecision.
const (
	StageSkippedID      = "skipped_id"
	StageStrictDate     = "strict_date"
	StageLenientDate    = "lenient_date"
	StageNumeric        = "numeric"
	StageBelowThreshold = "below_threshold"
)

// ColumnDecision records what preprocessing did with one candidate column.
type ColumnDecision struct {
	Dataset string
	Column  string
	Stage   string
	// Ratio is the parse ratio of the deciding attempt.
	Ratio float64
}

var (
	idPattern    = regexp.MustCompile(`(?i)id`)
	digitPattern = regexp.MustCompile(`\d`)
	nonNumeric   = regexp.MustCompile(`[^\d.\-]`)
)

// PreprocessTable converts text columns to date-time or numeric in place when
// at least threshold of their present values parse. layout is a Go time
// layout used for the strict attempt; a lenient free-form parser is tried
// next, then numeric parsing after stripping everything but digits, '.' and '-'.
// Columns whose name contains "id" in any case are never touched.
func PreprocessTable(t *Table, threshold float64, layout string) []ColumnDecision {
	var out []ColumnDecision
	for _, c := range t.Columns {
		if idPattern.MatchString(c.Name) {
			out = append(out, ColumnDecision{Dataset: t.Key, Column: c.Name, Stage: StageSkippedID})
			continue
		}
		if c.Kind != KindText || !hasDigit(c) {
			continue
		}
		present := c.NonNull()
		if present == 0 {
			continue
		}

		times, ok := parseTimes(c, func(s string) (time.Time, error) { return time.Parse(layout, s) })
		ratio := float64(ok) / float64(present)
		stage := StageStrictDate
		if ratio < threshold {
			times, ok = parseTimes(c, func(s string) (time.Time, error) { return dateparse.ParseAny(s) })
			ratio = float64(ok) / float64(present)
			stage = StageLenientDate
		}
		if ratio >= threshold {
			setTimes(c, times)
			out = append(out, ColumnDecision{Dataset: t.Key, Column: c.Name, Stage: stage, Ratio: ratio})
			continue
		}

		nums, ok := parseCleanNumbers(c)
		ratio = float64(ok) / float64(present)
		if ratio >= threshold {
			setNumbers(c, nums)
			out = append(out, ColumnDecision{Dataset: t.Key, Column: c.Name, Stage: StageNumeric, Ratio: ratio})
			continue
		}
		out = append(out, ColumnDecision{Dataset: t.Key, Column: c.Name, Stage: StageBelowThreshold, Ratio: ratio})
	}
	return out
}

func hasDigit(c *Column) bool {
	for i, s := range c.Text {
		if !c.Null[i] && digitPattern.MatchString(s) {
			return true
		}
	}
	return false
}

// parseTimes returns parsed values (zero where parsing failed) and the success count.
func parseTimes(c *Column, parse func(string) (time.Time, error)) ([]*time.Time, int) {
	out := make([]*time.Time, len(c.Text))
	ok := 0
	for i, s := range c.Text {
		if c.Null[i] {
			continue
		}
		t, err := parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		out[i] = &t
		ok++
	}
	return out, ok
}

func parseCleanNumbers(c *Column) ([]*float64, int) {
	out := make([]*float64, len(c.Text))
	ok := 0
	for i, s := range c.Text {
		if c.Null[i] {
			continue
		}
		cleaned := nonNumeric.ReplaceAllString(s, "")
		if cleaned == "" {
			continue
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			continue
		}
		out[i] = &f
		ok++
	}
	return out, ok
}

// Values that failed to parse become missing, as a coercing conversion would.
func setTimes(c *Column, vals []*time.Time) {
	c.Kind = KindDateTime
	c.Time = make([]time.Time, len(vals))
	for i, v := range vals {
		if v == nil {
			c.Null[i] = true
			continue
		}
		c.Time[i] = *v
	}
	c.Text = nil
}

func setNumbers(c *Column, vals []*float64) {
	c.Kind = KindNumeric
	c.Num = make([]float64, len(vals))
	for i, v := range vals {
		if v == nil {
			c.Null[i] = true
			continue
		}
		c.Num[i] = *v
	}
	c.Text = nil
}
