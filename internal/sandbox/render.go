package sandbox

import (
	"fmt"
	"math"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

type axisKind int

const (
	axisNumeric axisKind = iota
	axisTime
	axisCategory
)

// classify decides how the x values of a series are laid out.
func classify(xs []starlark.Value) axisKind {
	kind := axisNumeric
	for i, v := range xs {
		var k axisKind
		switch v.(type) {
		case starlark.Int, starlark.Float:
			k = axisNumeric
		case startime.Time:
			k = axisTime
		default:
			return axisCategory
		}
		if i == 0 {
			kind = k
		} else if k != kind {
			return axisCategory
		}
	}
	return kind
}

// save renders f to a PNG file at path.
func (f *figure) save(path string) error {
	p := plot.New()
	p.Title.Text = f.title
	p.X.Label.Text = f.xlabel
	p.Y.Label.Text = f.ylabel
	if f.xrotation != 0 {
		p.X.Tick.Label.Rotation = f.xrotation * math.Pi / 180
	}
	if f.grid {
		p.Add(plotter.NewGrid())
	}

	var categories []string
	bars := 0
	for _, s := range f.series {
		if s.kind == seriesBar || s.kind == seriesBarH {
			bars++
		}
	}
	barIndex := 0
	for i, s := range f.series {
		c := plotutil.Color(i)
		switch s.kind {
		case seriesHist:
			h, err := plotter.NewHist(plotter.Values(s.y), s.bins)
			if err != nil {
				return fmt.Errorf("histogram: %w", err)
			}
			h.FillColor = c
			p.Add(h)
			f.addLegend(p, s, h)
			continue
		case seriesBar, seriesBarH:
			labels := labelsOf(s.x)
			if categories == nil {
				categories = labels
			}
			width := vg.Points(40 / float64(bars))
			b, err := plotter.NewBarChart(plotter.Values(s.y), width)
			if err != nil {
				return fmt.Errorf("bar chart: %w", err)
			}
			b.Color = c
			b.Horizontal = s.kind == seriesBarH
			b.Offset = width * vg.Length(barIndex-bars/2)
			barIndex++
			p.Add(b)
			f.addLegend(p, s, b)
			continue
		}

		xys := make(plotter.XYs, len(s.y))
		switch classify(s.x) {
		case axisTime:
			for j, v := range s.x {
				tv, _ := timeValue(v)
				xys[j].X = float64(tv.Unix())
			}
			p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
		case axisCategory:
			if categories == nil {
				categories = labelsOf(s.x)
			}
			for j := range s.x {
				xys[j].X = float64(j)
			}
		default:
			for j, v := range s.x {
				xys[j].X, _ = toFloat(v)
			}
		}
		for j, y := range s.y {
			xys[j].Y = y
		}
		if s.kind == seriesScatter {
			sc, err := plotter.NewScatter(xys)
			if err != nil {
				return fmt.Errorf("scatter: %w", err)
			}
			sc.GlyphStyle.Color = c
			p.Add(sc)
			f.addLegend(p, s, sc)
			continue
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("line: %w", err)
		}
		l.LineStyle.Color = c
		p.Add(l)
		f.addLegend(p, s, l)
	}

	if categories != nil {
		if hasHorizontal(f.series) {
			p.NominalY(categories...)
		} else {
			p.NominalX(categories...)
		}
	}
	if err := p.Save(vg.Length(f.width)*vg.Inch, vg.Length(f.height)*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

func (f *figure) addLegend(p *plot.Plot, s *series, t plot.Thumbnailer) {
	if f.legend && s.label != "" {
		p.Legend.Add(s.label, t)
	}
}

func hasHorizontal(ss []*series) bool {
	for _, s := range ss {
		if s.kind == seriesBarH {
			return true
		}
	}
	return false
}

func labelsOf(xs []starlark.Value) []string {
	out := make([]string, len(xs))
	for i, v := range xs {
		out[i] = display(v)
	}
	return out
}
