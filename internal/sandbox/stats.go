package sandbox

import (
	"fmt"
	"math"
	"sort"

	"github.com/KaramelBytes/datachat/internal/analysis"
)

// aggregate reduces values with a named aggregation. Empty input yields NaN
// for everything but sum and count.
func aggregate(agg string, vals []float64) (float64, error) {
	switch agg {
	case "sum":
		s := 0.0
		for _, v := range vals {
			s += v
		}
		return s, nil
	case "count", "size":
		return float64(len(vals)), nil
	}
	if len(vals) == 0 {
		return math.NaN(), nil
	}
	switch agg {
	case "mean", "avg", "average":
		s := 0.0
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals)), nil
	case "median":
		return percentile(vals, 50), nil
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	case "std":
		return stddev(vals), nil
	case "var":
		s := stddev(vals)
		return s * s, nil
	case "first":
		return vals[0], nil
	case "last":
		return vals[len(vals)-1], nil
	}
	return 0, fmt.Errorf("unknown aggregation %q", agg)
}

// stddev is the sample standard deviation (n-1), NaN below two values.
func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return math.NaN()
	}
	var n int
	var mean, m2 float64
	for _, x := range vals {
		n++
		d := x - mean
		mean += d / float64(n)
		m2 += d * (x - mean)
	}
	return math.Sqrt(m2 / float64(n-1))
}

// percentile uses linear interpolation, q in [0, 100].
func percentile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	cp := append([]float64(nil), vals...)
	sort.Float64s(cp)
	return analysis.Quantile(cp, q/100)
}

func pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("corrcoef: length mismatch %d != %d", len(x), len(y))
	}
	n := float64(len(x))
	if n < 2 {
		return math.NaN(), nil
	}
	var sx, sy, sxx, syy, sxy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		syy += y[i] * y[i]
		sxy += x[i] * y[i]
	}
	den := math.Sqrt((n*sxx - sx*sx) * (n*syy - sy*sy))
	if den == 0 {
		return math.NaN(), nil
	}
	return (n*sxy - sx*sy) / den, nil
}
