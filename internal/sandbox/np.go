package sandbox

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// npModule is a small numeric toolbox over lists of numbers.
var npModule = &starlarkstruct.Module{
	Name: "np",
	Members: starlark.StringDict{
		"array":      starlark.NewBuiltin("np.array", npArray),
		"arange":     starlark.NewBuiltin("np.arange", npArange),
		"corrcoef":   starlark.NewBuiltin("np.corrcoef", npCorrcoef),
		"cumsum":     starlark.NewBuiltin("np.cumsum", npCumsum),
		"diff":       starlark.NewBuiltin("np.diff", npDiff),
		"max":        npReduce("max"),
		"mean":       npReduce("mean"),
		"median":     npReduce("median"),
		"min":        npReduce("min"),
		"percentile": starlark.NewBuiltin("np.percentile", npPercentile),
		"round":      starlark.NewBuiltin("np.round", npRound),
		"std":        npReduce("std"),
		"sum":        npReduce("sum"),
		"var":        npReduce("var"),
		"nan":        starlark.Float(math.NaN()),
		"pi":         starlark.Float(math.Pi),
	},
}

func floatList(vals []float64) *starlark.List {
	out := make([]starlark.Value, len(vals))
	for i, v := range vals {
		out[i] = starlark.Float(v)
	}
	return starlark.NewList(out)
}

func oneSequence(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) ([]float64, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	return floats(b.Name(), v)
}

func npArray(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	vals, err := iterValues(b.Name(), v)
	if err != nil {
		return nil, err
	}
	return starlark.NewList(vals), nil
}

// npReduce uses population std and var like numpy (ddof=0).
func npReduce(agg string) *starlark.Builtin {
	return starlark.NewBuiltin("np."+agg, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		vals, err := oneSequence(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		switch agg {
		case "std", "var":
			if len(vals) == 0 {
				return starlark.Float(math.NaN()), nil
			}
			mean, _ := aggregate("mean", vals)
			ss := 0.0
			for _, v := range vals {
				ss += (v - mean) * (v - mean)
			}
			variance := ss / float64(len(vals))
			if agg == "var" {
				return starlark.Float(variance), nil
			}
			return starlark.Float(math.Sqrt(variance)), nil
		case "min", "max":
			if len(vals) == 0 {
				return nil, fmt.Errorf("%s: zero-size sequence", b.Name())
			}
		}
		r, err := aggregate(agg, vals)
		if err != nil {
			return nil, err
		}
		return starlark.Float(r), nil
	})
}

func npPercentile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v, q starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &v, "q", &q); err != nil {
		return nil, err
	}
	vals, err := floats(b.Name(), v)
	if err != nil {
		return nil, err
	}
	if f, ok := toFloat(q); ok {
		if f < 0 || f > 100 {
			return nil, fmt.Errorf("%s: percentile must be in [0, 100]", b.Name())
		}
		return starlark.Float(percentile(vals, f)), nil
	}
	qs, err := floats(b.Name(), q)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(qs))
	for i, f := range qs {
		if f < 0 || f > 100 {
			return nil, fmt.Errorf("%s: percentile must be in [0, 100]", b.Name())
		}
		out[i] = percentile(vals, f)
	}
	return floatList(out), nil
}

func npRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	decimals := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &v, "decimals?", &decimals); err != nil {
		return nil, err
	}
	scale := math.Pow(10, float64(decimals))
	round := func(f float64) float64 { return math.Round(f*scale) / scale }
	if f, ok := toFloat(v); ok {
		return starlark.Float(round(f)), nil
	}
	vals, err := floats(b.Name(), v)
	if err != nil {
		return nil, err
	}
	for i := range vals {
		vals[i] = round(vals[i])
	}
	return floatList(vals), nil
}

func npCumsum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	vals, err := oneSequence(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	s := 0.0
	for i, v := range vals {
		s += v
		vals[i] = s
	}
	return floatList(vals), nil
}

func npDiff(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	vals, err := oneSequence(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return starlark.NewList(nil), nil
	}
	out := make([]float64, len(vals)-1)
	for i := 1; i < len(vals); i++ {
		out[i-1] = vals[i] - vals[i-1]
	}
	return floatList(out), nil
}

func npArange(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, c, s starlark.Value = starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &a, &c, &s); err != nil {
		return nil, err
	}
	start, stop, step := 0.0, 0.0, 1.0
	var ok bool
	if c == starlark.None {
		if stop, ok = toFloat(a); !ok {
			return nil, fmt.Errorf("%s: want numbers", b.Name())
		}
	} else {
		var okStop bool
		start, ok = toFloat(a)
		stop, okStop = toFloat(c)
		if !ok || !okStop {
			return nil, fmt.Errorf("%s: want numbers", b.Name())
		}
		if s != starlark.None {
			if step, ok = toFloat(s); !ok || step == 0 {
				return nil, fmt.Errorf("%s: step must be a non-zero number", b.Name())
			}
		}
	}
	const limit = 1_000_000
	var out []starlark.Value
	for x := start; (step > 0 && x < stop) || (step < 0 && x > stop); x += step {
		if len(out) >= limit {
			return nil, fmt.Errorf("%s: more than %d values", b.Name(), limit)
		}
		out = append(out, number(x))
	}
	return starlark.NewList(out), nil
}

// npCorrcoef returns the 2x2 correlation matrix of two sequences.
func npCorrcoef(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv, yv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &xv, &yv); err != nil {
		return nil, err
	}
	x, err := floats(b.Name(), xv)
	if err != nil {
		return nil, err
	}
	y, err := floats(b.Name(), yv)
	if err != nil {
		return nil, err
	}
	r, err := pearson(x, y)
	if err != nil {
		return nil, err
	}
	return starlark.NewList([]starlark.Value{
		floatList([]float64{1, r}),
		floatList([]float64{r, 1}),
	}), nil
}
