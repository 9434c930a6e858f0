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
	"io"
	"os"

	"github.com/scitix/bertbench/metrics"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

var (
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// RenderTable prints the report as a bordered table, one row per metric and
// one column per label, followed by the speedup of the first label.
func RenderTable(w io.Writer, r *ComparisonReport) error {
	speedups := make(map[string]Speedup)
	for _, s := range r.Speedup() {
		speedups[s.Metric] = s
	}
	headers := append([]string{"Metric"}, r.Labels...)
	speedupHeader := "Speedup"
	if len(r.Labels) == 2 {
		speedupHeader = fmt.Sprintf("%s vs %s", r.Labels[0], r.Labels[1])
	}
	headers = append(headers, speedupHeader)

	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return normalStyle
			default:
				return rightAlignedStyle
			}
		})
	for _, p := range r.Panels {
		row := []string{fmt.Sprintf("%s (%s)", p.Metric, p.Unit)}
		for _, v := range p.Values {
			row = append(row, humanize.CommafWithDigits(v.Value, 3))
		}
		if s, ok := speedups[p.Metric]; ok {
			row = append(row, fmt.Sprintf("%.2fx", s.Ratio))
		} else {
			row = append(row, "-")
		}
		t.Row(row...)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

type yamlReport struct {
	ComparisonReport `yaml:",inline"`
	Speedup          []Speedup `yaml:"speedup,omitempty"`
}

func WriteYAML(path string, r *ComparisonReport) error {
	data, err := yaml.Marshal(yamlReport{ComparisonReport: *r, Speedup: r.Speedup()})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// Export publishes the report values and speedups on reg.
func Export(reg prometheus.Registerer, r *ComparisonReport) {
	m := metrics.NewComparisonMetrics(reg)
	for _, p := range r.Panels {
		for _, v := range p.Values {
			m.SetValue(v.Label, p.Metric, v.Value)
		}
	}
	for _, s := range r.Speedup() {
		m.SetSpeedup(s.Metric, s.Numerator, s.Denominator, s.Ratio)
	}
}

// WriteMetricsFile writes the report in the node-exporter textfile format.
func WriteMetricsFile(path string, r *ComparisonReport) error {
	reg := prometheus.NewRegistry()
	Export(reg, r)
	return metrics.WriteTextfile(path, reg)
}
