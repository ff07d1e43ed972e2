package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type seriesKind int

const (
	seriesLine seriesKind = iota
	seriesBar
	seriesBarH
	seriesScatter
	seriesHist
)

type series struct {
	kind  seriesKind
	x     []starlark.Value
	y     []float64
	bins  int
	label string
}

// figure is one plotting canvas created during an execution.
type figure struct {
	title         string
	xlabel        string
	ylabel        string
	width, height float64 // inches
	grid          bool
	legend        bool
	xrotation     float64
	series        []*series
}

// figures is the plotting registry of a single execution, in creation order.
type figures struct {
	all     []*figure
	current *figure
}

func (r *figures) gcf() *figure {
	if r.current == nil {
		r.newFigure(10, 6)
	}
	return r.current
}

func (r *figures) newFigure(w, h float64) *figure {
	f := &figure{width: w, height: h}
	r.all = append(r.all, f)
	r.current = f
	return f
}

// close removes the current figure, or every figure when all is true.
func (r *figures) close(all bool) {
	if all || r.current == nil {
		r.all = nil
		r.current = nil
		return
	}
	for i, f := range r.all {
		if f == r.current {
			r.all = append(r.all[:i], r.all[i+1:]...)
			break
		}
	}
	r.current = nil
	if n := len(r.all); n > 0 {
		r.current = r.all[n-1]
	}
}

func (f *figure) String() string        { return fmt.Sprintf("<Figure %gx%g with %d series>", f.width, f.height, len(f.series)) }
func (f *figure) Type() string          { return "Figure" }
func (f *figure) Freeze()               {}
func (f *figure) Truth() starlark.Bool  { return true }
func (f *figure) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: Figure") }

// pltModule builds the plt binding over a registry.
func pltModule(r *figures) *starlarkstruct.Module {
	b := func(name string, fn func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return fn("plt."+bi.Name(), args, kwargs)
		})
	}
	text := func(set func(f *figure, s string)) func(string, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			// styling keywords such as fontsize are accepted and ignored
			if len(args) != 1 {
				return nil, fmt.Errorf("%s: want 1 positional argument, got %d", fn, len(args))
			}
			s, ok := starlark.AsString(args[0])
			if !ok {
				s = args[0].String()
			}
			set(r.gcf(), s)
			return starlark.None, nil
		}
	}
	noop := func(string, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) { return starlark.None, nil }
	xy := func(kind seriesKind) func(string, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			s, err := xySeries(fn, kind, args, kwargs)
			if err != nil {
				return nil, err
			}
			f := r.gcf()
			f.series = append(f.series, s)
			return starlark.None, nil
		}
	}

	return &starlarkstruct.Module{
		Name: "plt",
		Members: starlark.StringDict{
			"figure": b("figure", func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var size, title starlark.Value = starlark.None, starlark.None
				if err := starlark.UnpackArgs(fn, args, lenientKwargs(kwargs, "figsize", "title"), "figsize?", &size, "title?", &title); err != nil {
					return nil, err
				}
				w, h := 10.0, 6.0
				if size != starlark.None {
					dims, err := floats(fn, size)
					if err != nil || len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
						return nil, fmt.Errorf("%s: figsize must be a (width, height) pair of positive numbers", fn)
					}
					w, h = dims[0], dims[1]
				}
				f := r.newFigure(w, h)
				if s, ok := starlark.AsString(title); ok {
					f.title = s
				}
				return f, nil
			}),
			"plot":    b("plot", xy(seriesLine)),
			"bar":     b("bar", xy(seriesBar)),
			"barh":    b("barh", xy(seriesBarH)),
			"scatter": b("scatter", xy(seriesScatter)),
			"hist": b("hist", func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var data starlark.Value
				bins := 10
				label := ""
				if err := starlark.UnpackArgs(fn, args, lenientKwargs(kwargs, "bins", "label"), "x", &data, "bins?", &bins, "label?", &label); err != nil {
					return nil, err
				}
				vals, err := floats(fn, data)
				if err != nil {
					return nil, err
				}
				if len(vals) == 0 {
					return nil, fmt.Errorf("%s: no numeric values to plot", fn)
				}
				if bins <= 0 {
					bins = 10
				}
				f := r.gcf()
				f.series = append(f.series, &series{kind: seriesHist, y: vals, bins: bins, label: label})
				return starlark.None, nil
			}),
			"title":  b("title", text(func(f *figure, s string) { f.title = s })),
			"xlabel": b("xlabel", text(func(f *figure, s string) { f.xlabel = s })),
			"ylabel": b("ylabel", text(func(f *figure, s string) { f.ylabel = s })),
			"legend": b("legend", func(string, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				r.gcf().legend = true
				return starlark.None, nil
			}),
			"grid": b("grid", func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				on := true
				if len(args) > 0 {
					on = bool(args[0].Truth())
				}
				r.gcf().grid = on
				return starlark.None, nil
			}),
			"xticks": b("xticks", func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				for _, kv := range kwargs {
					if string(kv[0].(starlark.String)) == "rotation" {
						if deg, ok := toFloat(kv[1]); ok {
							r.gcf().xrotation = deg
						}
					}
				}
				return starlark.None, nil
			}),
			"tight_layout": b("tight_layout", noop),
			// figures are saved after the script finishes
			"show":    b("show", noop),
			"savefig": b("savefig", noop),
			"close": b("close", func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				all := false
				if len(args) > 0 {
					if s, ok := starlark.AsString(args[0]); ok && s == "all" {
						all = true
					}
				}
				r.close(all)
				return starlark.None, nil
			}),
			"gcf": b("gcf", func(string, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				return r.gcf(), nil
			}),
		},
	}
}

// xySeries unpacks plot(x, y), plot(y), bar(x, height) and friends.
func xySeries(fn string, kind seriesKind, args starlark.Tuple, kwargs []starlark.Tuple) (*series, error) {
	var a, c starlark.Value = starlark.None, starlark.None
	label := ""
	kwargs = lenientKwargs(kwargs, "x", "y", "height", "label")
	for i, kv := range kwargs {
		// bar(x, height=...) names the values the matplotlib way
		if kv[0] == starlark.String("height") {
			kwargs[i] = starlark.Tuple{starlark.String("y"), kv[1]}
		}
	}
	if err := starlark.UnpackArgs(fn, args, kwargs, "x", &a, "y?", &c, "label?", &label); err != nil {
		return nil, err
	}
	var xs []starlark.Value
	var ysrc starlark.Value
	if c == starlark.None {
		ysrc = a
	} else {
		var err error
		if xs, err = iterValues(fn, a); err != nil {
			return nil, err
		}
		ysrc = c
	}
	yv, err := iterValues(fn, ysrc)
	if err != nil {
		return nil, err
	}
	ys := make([]float64, len(yv))
	for i, v := range yv {
		f, ok := toFloat(v)
		if !ok {
			if v != starlark.None {
				return nil, fmt.Errorf("%s: y values must be numbers, got %s", fn, v.Type())
			}
			f = 0
		}
		ys[i] = f
	}
	if xs == nil {
		xs = make([]starlark.Value, len(ys))
		for i := range xs {
			xs[i] = starlark.MakeInt(i)
		}
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%s: x and y must have the same length, got %d and %d", fn, len(xs), len(ys))
	}
	if len(ys) == 0 {
		return nil, fmt.Errorf("%s: nothing to plot", fn)
	}
	return &series{kind: kind, x: xs, y: ys, label: label}, nil
}

// lenientKwargs drops styling keywords (color, marker, alpha, ...) that do
// not affect what is plotted, keeping only the ones named in keep.
func lenientKwargs(kwargs []starlark.Tuple, keep ...string) []starlark.Tuple {
	out := kwargs[:0:0]
	for _, kv := range kwargs {
		name := string(kv[0].(starlark.String))
		for _, k := range keep {
			if k == name {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}
