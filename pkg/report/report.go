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
	"time"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/logparse"
)

// RequiredMetric is one panel of the comparison.
type RequiredMetric struct {
	Name string
	Unit string
	// HigherIsBetter decides the direction of the speedup ratio.
	HigherIsBetter bool
}

var RequiredMetrics = []RequiredMetric{
	{Name: consts.MetricTrainingTime, Unit: "s"},
	{Name: consts.MetricThroughput, Unit: "samples/s", HigherIsBetter: true},
}

// Series is the parsed metrics of one labelled run.
type Series struct {
	Label   string
	Metrics *logparse.MetricSet
}

type MissingMetricError struct {
	Metric string
	Label  string
}

func (e *MissingMetricError) Error() string {
	return fmt.Sprintf("%s: metric %q missing for %q", consts.ComponentNameReport, e.Metric, e.Label)
}

// InvalidMetricError is returned when a required metric is present but not numeric.
type InvalidMetricError struct {
	Metric string
	Label  string
	Value  string
	Err    error
}

func (e *InvalidMetricError) Error() string {
	return fmt.Sprintf("%s: metric %q for %q has non-numeric value %q", consts.ComponentNameReport, e.Metric, e.Label, e.Value)
}

func (e *InvalidMetricError) Unwrap() error { return e.Err }

type Value struct {
	Label string  `json:"label" yaml:"label"`
	Raw   string  `json:"raw" yaml:"raw"`
	Value float64 `json:"value" yaml:"value"`
}

type Panel struct {
	Metric string  `json:"metric" yaml:"metric"`
	Unit   string  `json:"unit" yaml:"unit"`
	Values []Value `json:"values" yaml:"values"`
}

type ComparisonReport struct {
	Labels    []string  `json:"labels" yaml:"labels"`
	Panels    []Panel   `json:"panels" yaml:"panels"`
	Sources   []string  `json:"sources,omitempty" yaml:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Build extracts the required metrics from both series. It fails on the first
// missing or non-numeric value so that no partial report exists.
func Build(left, right Series) (*ComparisonReport, error) {
	series := []Series{left, right}
	if left.Label == right.Label {
		return nil, fmt.Errorf("%s: both series are labelled %q", consts.ComponentNameReport, left.Label)
	}
	r := &ComparisonReport{CreatedAt: time.Now()}
	for _, s := range series {
		if s.Label == "" {
			return nil, fmt.Errorf("%s: empty series label", consts.ComponentNameReport)
		}
		r.Labels = append(r.Labels, s.Label)
		if s.Metrics != nil && s.Metrics.Source() != "" {
			r.Sources = append(r.Sources, s.Metrics.Source())
		}
	}
	for _, req := range RequiredMetrics {
		p := Panel{Metric: req.Name, Unit: req.Unit}
		for _, s := range series {
			if s.Metrics == nil {
				return nil, &MissingMetricError{Metric: req.Name, Label: s.Label}
			}
			raw, ok := s.Metrics.Get(req.Name)
			if !ok {
				return nil, &MissingMetricError{Metric: req.Name, Label: s.Label}
			}
			v, err := logparse.ParseNumber(raw)
			if err != nil {
				return nil, &InvalidMetricError{Metric: req.Name, Label: s.Label, Value: raw, Err: err}
			}
			p.Values = append(p.Values, Value{Label: s.Label, Raw: raw, Value: v})
		}
		r.Panels = append(r.Panels, p)
	}
	return r, nil
}

// Value returns the parsed value of metric for label.
func (r *ComparisonReport) Value(metric, label string) (float64, bool) {
	for _, p := range r.Panels {
		if p.Metric != metric {
			continue
		}
		for _, v := range p.Values {
			if v.Label == label {
				return v.Value, true
			}
		}
	}
	return 0, false
}

type Speedup struct {
	Metric      string  `json:"metric" yaml:"metric"`
	Numerator   string  `json:"numerator" yaml:"numerator"`
	Denominator string  `json:"denominator" yaml:"denominator"`
	Ratio       float64 `json:"ratio" yaml:"ratio"`
}

// Speedup reports how much better the first label did than the second on each
// panel. Panels with a zero divisor are omitted.
func (r *ComparisonReport) Speedup() []Speedup {
	var out []Speedup
	for _, p := range r.Panels {
		if len(p.Values) != 2 {
			continue
		}
		a, b := p.Values[0], p.Values[1]
		num, den := b.Value, a.Value
		if higherIsBetter(p.Metric) {
			num, den = a.Value, b.Value
		}
		if den == 0 {
			continue
		}
		out = append(out, Speedup{Metric: p.Metric, Numerator: a.Label, Denominator: b.Label, Ratio: num / den})
	}
	return out
}

func higherIsBetter(metric string) bool {
	for _, req := range RequiredMetrics {
		if req.Name == metric {
			return req.HigherIsBetter
		}
	}
	return false
}
