package sandbox

import (
	"fmt"
	"math"
	"time"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"

	"github.com/KaramelBytes/datachat/internal/dataset"
)

// cell converts one table cell to a Starlark value. Integral numbers become ints.
func cell(c *dataset.Column, i int) starlark.Value {
	if c.Null[i] {
		return starlark.None
	}
	switch c.Kind {
	case dataset.KindNumeric:
		return number(c.Num[i])
	case dataset.KindDateTime:
		return startime.Time(c.Time[i])
	default:
		return starlark.String(c.Text[i])
	}
}

func number(f float64) starlark.Value {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return starlark.MakeInt64(int64(f))
	}
	return starlark.Float(f)
}

func columnList(c *dataset.Column) *starlark.List {
	vals := make([]starlark.Value, c.Len())
	for i := range vals {
		vals[i] = cell(c, i)
	}
	return starlark.NewList(vals)
}

// goValue converts a Starlark scalar back to the Go values dataset.NewColumn accepts.
func goValue(v starlark.Value) any {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Int:
		f, _ := starlark.AsFloat(x)
		return f
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) {
			return nil
		}
		return f
	case starlark.String:
		return string(x)
	case startime.Time:
		return time.Time(x)
	case starlark.Bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return v.String()
	}
}

// toFloat accepts ints and floats.
func toFloat(v starlark.Value) (float64, bool) {
	switch v.(type) {
	case starlark.Int, starlark.Float:
		return starlark.AsFloat(v)
	}
	return 0, false
}

// iterValues flattens a list, tuple, or any other iterable into a slice.
func iterValues(fn string, v starlark.Value) ([]starlark.Value, error) {
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: want a sequence, got %s", fn, v.Type())
	}
	iter := it.Iterate()
	defer iter.Done()
	var out []starlark.Value
	var x starlark.Value
	for iter.Next(&x) {
		out = append(out, x)
	}
	return out, nil
}

// floats extracts the numeric values of a sequence, skipping None.
func floats(fn string, v starlark.Value) ([]float64, error) {
	vals, err := iterValues(fn, v)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(vals))
	for _, x := range vals {
		if x == starlark.None {
			continue
		}
		f, ok := toFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: want numbers, got %s", fn, x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

// display renders a value the way tables and frames print it.
func display(v starlark.Value) string {
	switch x := v.(type) {
	case starlark.NoneType:
		return ""
	case starlark.String:
		return string(x)
	case starlark.Float:
		f := float64(x)
		if math.Abs(f) < 1e12 {
			f = math.Round(f*1e6) / 1e6
		}
		return dataset.FormatFloat(f)
	case startime.Time:
		return dataset.FormatTime(time.Time(x))
	default:
		return v.String()
	}
}

func stringList(ss []string) *starlark.List {
	vals := make([]starlark.Value, len(ss))
	for i, s := range ss {
		vals[i] = starlark.String(s)
	}
	return starlark.NewList(vals)
}

// names accepts a string or a sequence of strings.
func names(fn string, v starlark.Value) ([]string, error) {
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	vals, err := iterValues(fn, v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, x := range vals {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s: want column names, got %s", fn, x.Type())
		}
		out[i] = s
	}
	return out, nil
}
