/*
Copyright 2024 The Scitix Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	DefaultWidth  = 6 * vg.Inch
	DefaultHeight = 8 * vg.Inch
	barWidth      = 40
)

// RenderPNG draws one vertically stacked panel per metric with one bar per
// label and writes the image to path atomically.
func RenderPNG(r *ComparisonReport, path string, width, height vg.Length) error {
	if r == nil || len(r.Panels) == 0 {
		return fmt.Errorf("empty comparison report")
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	plots := make([][]*plot.Plot, len(r.Panels))
	for i, panel := range r.Panels {
		p, err := panelPlot(r.Labels, panel)
		if err != nil {
			return fmt.Errorf("panel %q: %w", panel.Metric, err)
		}
		plots[i] = []*plot.Plot{p}
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      4 * vg.Millimeter,
		PadTop:    2 * vg.Millimeter,
		PadBottom: 2 * vg.Millimeter,
		PadLeft:   2 * vg.Millimeter,
		PadRight:  2 * vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	return writeAtomic(path, func(f *os.File) error {
		_, err := vgimg.PngCanvas{Canvas: img}.WriteTo(f)
		return err
	})
}

func panelPlot(labels []string, panel Panel) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = panel.Metric
	p.Y.Label.Text = yLabel(panel.Unit)
	p.Y.Min = 0

	var top float64
	for i, v := range panel.Values {
		bars, err := plotter.NewBarChart(plotter.Values{v.Value}, vg.Points(barWidth))
		if err != nil {
			return nil, err
		}
		bars.XMin = float64(i)
		bars.LineStyle.Width = 0
		bars.Color = plotutil.Color(i)
		p.Add(bars)
		if v.Value > top {
			top = v.Value
		}

		lbl, err := plotter.NewLabels(plotter.XYLabels{
			XYs:    []plotter.XY{{X: float64(i), Y: v.Value}},
			Labels: []string{v.Raw},
		})
		if err != nil {
			return nil, err
		}
		lbl.Offset = vg.Point{X: -vg.Points(barWidth) / 4, Y: vg.Points(3)}
		p.Add(lbl)
	}
	// room for the value labels above the tallest bar
	p.Y.Max = top * 1.15
	if p.Y.Max == 0 {
		p.Y.Max = 1
	}
	p.NominalX(labels...)
	p.Add(plotter.NewGrid())
	return p, nil
}

func yLabel(unit string) string {
	switch unit {
	case "s":
		return "seconds"
	default:
		return unit
	}
}

// writeAtomic writes through a temp file in the target directory and renames it
// into place so readers never see a partial file.
func writeAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
