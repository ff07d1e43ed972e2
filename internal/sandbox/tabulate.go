package sandbox

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"
)

// tabulateBuiltin renders rows the way python-tabulate's common formats do.
func tabulateBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	var headers starlark.Value = starlark.None
	format := "simple"
	var showIndex bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "tabular_data", &data, "headers?", &headers, "tablefmt?", &format, "floatfmt?", new(starlark.Value), "showindex?", &showIndex); err != nil {
		return nil, err
	}
	hdrs, cells, err := tabularData(b.Name(), data, headers)
	if err != nil {
		return nil, err
	}
	if showIndex {
		if len(hdrs) > 0 {
			hdrs = append([]string{""}, hdrs...)
		}
		for i := range cells {
			cells[i] = append([]starlark.Value{starlark.MakeInt(i)}, cells[i]...)
		}
	}
	width := len(hdrs)
	for _, row := range cells {
		width = max(width, len(row))
	}
	numeric := make([]bool, width)
	for j := range numeric {
		numeric[j] = true
		seen := false
		for _, row := range cells {
			if j >= len(row) || row[j] == starlark.None {
				continue
			}
			seen = true
			if _, ok := toFloat(row[j]); !ok {
				numeric[j] = false
				break
			}
		}
		numeric[j] = numeric[j] && seen
	}
	rows := make([][]string, len(cells))
	for i, row := range cells {
		rows[i] = make([]string, width)
		for j, v := range row {
			rows[i][j] = display(v)
		}
	}
	return starlark.String(renderTable(hdrs, rows, numeric, format)), nil
}

// tabularData accepts a DataFrame, a dict of columns, a list of dicts, or a list of rows.
func tabularData(fn string, data, headers starlark.Value) ([]string, [][]starlark.Value, error) {
	keys := false
	firstRow := false
	var explicit []string
	switch h := headers.(type) {
	case starlark.NoneType:
	case starlark.String:
		switch string(h) {
		case "keys":
			keys = true
		case "firstrow":
			firstRow = true
		default:
			return nil, nil, fmt.Errorf("%s: headers must be \"keys\", \"firstrow\" or a list", fn)
		}
	default:
		ns, err := names(fn, h)
		if err != nil {
			return nil, nil, err
		}
		explicit = ns
	}

	switch d := data.(type) {
	case *Frame:
		rows := make([][]starlark.Value, d.t.Len())
		for i := range rows {
			rows[i] = make([]starlark.Value, len(d.t.Columns))
			for j, c := range d.t.Columns {
				rows[i][j] = cell(c, i)
			}
		}
		hdrs := d.t.Names()
		if explicit != nil {
			hdrs = explicit
		}
		return hdrs, rows, nil
	case *starlark.Dict:
		var hdrs []string
		var cols [][]starlark.Value
		for _, item := range d.Items() {
			vals, err := iterValues(fn, item[1])
			if err != nil {
				return nil, nil, err
			}
			hdrs = append(hdrs, display(item[0]))
			cols = append(cols, vals)
		}
		n := 0
		for _, c := range cols {
			n = max(n, len(c))
		}
		rows := make([][]starlark.Value, n)
		for i := range rows {
			rows[i] = make([]starlark.Value, len(cols))
			for j, c := range cols {
				if i < len(c) {
					rows[i][j] = c[i]
				} else {
					rows[i][j] = starlark.None
				}
			}
		}
		if explicit != nil {
			hdrs = explicit
		} else if !keys {
			hdrs = nil
		}
		return hdrs, rows, nil
	}

	items, err := iterValues(fn, data)
	if err != nil {
		return nil, nil, err
	}
	if len(items) > 0 {
		if _, ok := items[0].(*starlark.Dict); ok {
			return dictRows(fn, items, explicit, keys)
		}
	}
	var rows [][]starlark.Value
	for _, it := range items {
		row, err := iterValues(fn, it)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	hdrs := explicit
	if firstRow && len(rows) > 0 {
		hdrs = make([]string, len(rows[0]))
		for j, v := range rows[0] {
			hdrs[j] = display(v)
		}
		rows = rows[1:]
	}
	return hdrs, rows, nil
}

func dictRows(fn string, items []starlark.Value, explicit []string, keys bool) ([]string, [][]starlark.Value, error) {
	var order []string
	seen := map[string]bool{}
	for _, it := range items {
		d, ok := it.(*starlark.Dict)
		if !ok {
			return nil, nil, fmt.Errorf("%s: mixed rows, want every row to be a dict", fn)
		}
		for _, k := range d.Keys() {
			name := display(k)
			if !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
		}
	}
	rows := make([][]starlark.Value, len(items))
	for i, it := range items {
		d := it.(*starlark.Dict)
		rows[i] = make([]starlark.Value, len(order))
		for j, k := range order {
			v, found, _ := d.Get(starlark.String(k))
			if !found {
				v = starlark.None
			}
			rows[i][j] = v
		}
	}
	hdrs := order
	if explicit != nil {
		hdrs = explicit
	} else if !keys {
		hdrs = nil
	}
	return hdrs, rows, nil
}

// renderTable lays out a text table. Numeric columns are right aligned.
func renderTable(headers []string, rows [][]string, numeric []bool, format string) string {
	ncol := len(headers)
	for _, r := range rows {
		ncol = max(ncol, len(r))
	}
	if ncol == 0 {
		return ""
	}
	cellAt := func(r []string, j int) string {
		if j < len(r) {
			return r[j]
		}
		return ""
	}
	widths := make([]int, ncol)
	for j := range widths {
		widths[j] = utf8.RuneCountInString(cellAt(headers, j))
		for _, r := range rows {
			widths[j] = max(widths[j], utf8.RuneCountInString(cellAt(r, j)))
		}
	}
	pad := func(s string, j int) string {
		gap := widths[j] - utf8.RuneCountInString(s)
		if j < len(numeric) && numeric[j] {
			return strings.Repeat(" ", gap) + s
		}
		return s + strings.Repeat(" ", gap)
	}
	line := func(r []string, left, sep, right string, padding int) string {
		parts := make([]string, ncol)
		for j := range parts {
			sp := strings.Repeat(" ", padding)
			parts[j] = sp + pad(cellAt(r, j), j) + sp
		}
		return left + strings.Join(parts, sep) + right
	}
	rule := func(left, sep, right, fill string, padding int) string {
		parts := make([]string, ncol)
		for j := range parts {
			parts[j] = strings.Repeat(fill, widths[j]+2*padding)
		}
		return left + strings.Join(parts, sep) + right
	}

	var out []string
	hasHeader := len(headers) > 0
	switch format {
	case "psql", "grid":
		out = append(out, rule("+", "+", "+", "-", 1))
		if hasHeader {
			out = append(out, line(headers, "|", "|", "|", 1))
			if format == "grid" {
				out = append(out, rule("+", "+", "+", "=", 1))
			} else {
				out = append(out, rule("|", "+", "|", "-", 1))
			}
		}
		for i, r := range rows {
			out = append(out, line(r, "|", "|", "|", 1))
			if format == "grid" && i < len(rows)-1 {
				out = append(out, rule("+", "+", "+", "-", 1))
			}
		}
		out = append(out, rule("+", "+", "+", "-", 1))
	case "github", "pipe":
		if !hasHeader {
			headers = make([]string, ncol)
		}
		out = append(out, line(headers, "|", "|", "|", 1))
		parts := make([]string, ncol)
		for j := range parts {
			dash := strings.Repeat("-", widths[j]+1)
			if j < len(numeric) && numeric[j] {
				parts[j] = dash + ":"
			} else {
				parts[j] = ":" + dash
			}
		}
		out = append(out, "|"+strings.Join(parts, "|")+"|")
		for _, r := range rows {
			out = append(out, line(r, "|", "|", "|", 1))
		}
	case "plain":
		if hasHeader {
			out = append(out, line(headers, "", "  ", "", 0))
		}
		for _, r := range rows {
			out = append(out, line(r, "", "  ", "", 0))
		}
	default: // simple
		if hasHeader {
			out = append(out, line(headers, "", "  ", "", 0))
			out = append(out, rule("", "  ", "", "-", 0))
		}
		for _, r := range rows {
			out = append(out, line(r, "", "  ", "", 0))
		}
	}
	for i := range out {
		out[i] = strings.TrimRight(out[i], " ")
	}
	return strings.Join(out, "\n")
}
