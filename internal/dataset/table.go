// Package dataset loads tabular files into typed in-memory tables.
package dataset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the inferred scalar type of a column.
type Kind int

const (
	KindText Kind = iota
	KindNumeric
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindDateTime:
		return "datetime"
	default:
		return "text"
	}
}

// Column is a named, typed vector. Exactly one of Text, Num or Time is
// populated, according to Kind. Null marks missing cells.
type Column struct {
	Name string
	Kind Kind
	Text []string
	Num  []float64
	Time []time.Time
	Null []bool
}

// Len returns the number of cells.
func (c *Column) Len() int { return len(c.Null) }

// IsNull reports whether cell i is missing.
func (c *Column) IsNull(i int) bool { return c.Null[i] }

// NonNull counts present cells.
func (c *Column) NonNull() int {
	n := 0
	for _, null := range c.Null {
		if !null {
			n++
		}
	}
	return n
}

// Value returns cell i as float64, string, time.Time, or nil when missing.
func (c *Column) Value(i int) any {
	if c.Null[i] {
		return nil
	}
	switch c.Kind {
	case KindNumeric:
		return c.Num[i]
	case KindDateTime:
		return c.Time[i]
	default:
		return c.Text[i]
	}
}

// Format renders cell i the way it is shown to users and models.
func (c *Column) Format(i int) string {
	if c.Null[i] {
		return ""
	}
	switch c.Kind {
	case KindNumeric:
		return FormatFloat(c.Num[i])
	case KindDateTime:
		return FormatTime(c.Time[i])
	default:
		return c.Text[i]
	}
}

// FormatFloat prints integral values without a fractional part.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatTime omits the clock when it is midnight.
func FormatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:04:05")
}

// Field is one entry of a table schema.
type Field struct {
	Name string
	Kind Kind
}

// Table is an ordered set of equally long columns identified by a dataset key.
type Table struct {
	Key     string
	Source  string
	Columns []*Column
}

// Len returns the row count.
func (t *Table) Len() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Len()
}

// Column looks a column up by canonical name.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Names lists column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Schema lists name and kind per column, in order.
func (t *Table) Schema() []Field {
	out := make([]Field, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = Field{Name: c.Name, Kind: c.Kind}
	}
	return out
}

// SchemaString renders "name: kind" pairs joined by ", ".
func (t *Table) SchemaString() string {
	parts := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		parts[i] = fmt.Sprintf("%s: %s", c.Name, c.Kind)
	}
	return strings.Join(parts, ", ")
}

// Row returns row i as formatted strings.
func (t *Table) Row(i int) []string {
	out := make([]string, len(t.Columns))
	for j, c := range t.Columns {
		out[j] = c.Format(i)
	}
	return out
}

// naTokens are the cell spellings treated as missing.
var naTokens = map[string]bool{
	"": true, "NA": true, "N/A": true, "n/a": true, "NaN": true, "nan": true, "-NaN": true, "-nan": true,
	"null": true, "NULL": true, "None": true, "#N/A": true, "<NA>": true,
}

// IsMissing reports whether a raw cell counts as a missing value.
func IsMissing(raw string) bool {
	return naTokens[strings.TrimSpace(raw)]
}

// CanonicalName lowercases, trims, and replaces spaces with underscores.
func CanonicalName(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(s)), " ", "_")
}

// FromRecords builds a table from a header and string rows. Names are
// canonicalized and columns whose present values all parse as plain numbers
// are stored as numeric; everything else stays text.
func FromRecords(key string, header []string, rows [][]string) *Table {
	t := &Table{Key: key}
	seen := map[string]int{}
	for j, h := range header {
		name := CanonicalName(h)
		if name == "" {
			name = fmt.Sprintf("unnamed:_%d", j)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n)
		} else {
			seen[name] = 1
		}
		col := &Column{Name: name, Kind: KindText, Text: make([]string, len(rows)), Null: make([]bool, len(rows))}
		for i, row := range rows {
			v := ""
			if j < len(row) {
				v = row[j]
			}
			if IsMissing(v) {
				col.Null[i] = true
				continue
			}
			col.Text[i] = v
		}
		inferNumeric(col)
		t.Columns = append(t.Columns, col)
	}
	return t
}

// decimalNumber excludes the inf, nan and hex spellings ParseFloat accepts.
var decimalNumber = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

func inferNumeric(c *Column) {
	nums := make([]float64, len(c.Text))
	present := 0
	for i, s := range c.Text {
		if c.Null[i] {
			continue
		}
		s = strings.TrimSpace(s)
		if !decimalNumber.MatchString(s) {
			return
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return
		}
		nums[i] = f
		present++
	}
	if present == 0 {
		return
	}
	c.Kind = KindNumeric
	c.Num = nums
	c.Text = nil
}

// NewColumn builds a column from Go values. Values must be float64, int,
// int64, string, time.Time or nil; the kind is numeric or datetime when every
// present value agrees, text otherwise.
func NewColumn(name string, values []any) *Column {
	c := &Column{Name: name, Null: make([]bool, len(values))}
	kind := -1
	for i, v := range values {
		if v == nil {
			c.Null[i] = true
			continue
		}
		var k int
		switch v.(type) {
		case float64, int, int64:
			k = int(KindNumeric)
		case time.Time:
			k = int(KindDateTime)
		default:
			k = int(KindText)
		}
		if kind == -1 {
			kind = k
		} else if kind != k {
			kind = int(KindText)
		}
	}
	if kind == -1 {
		kind = int(KindText)
	}
	c.Kind = Kind(kind)
	switch c.Kind {
	case KindNumeric:
		c.Num = make([]float64, len(values))
		for i, v := range values {
			switch x := v.(type) {
			case float64:
				c.Num[i] = x
			case int:
				c.Num[i] = float64(x)
			case int64:
				c.Num[i] = float64(x)
			}
		}
	case KindDateTime:
		c.Time = make([]time.Time, len(values))
		for i, v := range values {
			if tv, ok := v.(time.Time); ok {
				c.Time[i] = tv
			}
		}
	default:
		c.Text = make([]string, len(values))
		for i, v := range values {
			switch x := v.(type) {
			case nil:
			case string:
				c.Text[i] = x
			case float64:
				c.Text[i] = FormatFloat(x)
			case time.Time:
				c.Text[i] = FormatTime(x)
			default:
				c.Text[i] = fmt.Sprint(x)
			}
		}
	}
	return c
}

// FromColumns assembles a table. Columns must have equal length.
func FromColumns(key string, cols ...*Column) (*Table, error) {
	for _, c := range cols {
		if c.Len() != cols[0].Len() {
			return nil, fmt.Errorf("column %q has %d rows, want %d", c.Name, c.Len(), cols[0].Len())
		}
	}
	return &Table{Key: key, Columns: cols}, nil
}

// Take returns a new table holding the given rows, in order.
func (t *Table) Take(rows []int) *Table {
	out := &Table{Key: t.Key, Source: t.Source, Columns: make([]*Column, len(t.Columns))}
	for j, c := range t.Columns {
		nc := &Column{Name: c.Name, Kind: c.Kind, Null: make([]bool, len(rows))}
		switch c.Kind {
		case KindNumeric:
			nc.Num = make([]float64, len(rows))
		case KindDateTime:
			nc.Time = make([]time.Time, len(rows))
		default:
			nc.Text = make([]string, len(rows))
		}
		for i, r := range rows {
			nc.Null[i] = c.Null[r]
			switch c.Kind {
			case KindNumeric:
				nc.Num[i] = c.Num[r]
			case KindDateTime:
				nc.Time[i] = c.Time[r]
			default:
				nc.Text[i] = c.Text[r]
			}
		}
		out.Columns[j] = nc
	}
	return out
}
