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
package logparse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metric is one Name:Value record.
type Metric struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// MetricSet is an insertion-ordered mapping of metric name to raw value.
// Names are unique; setting an existing name replaces its value in place.
type MetricSet struct {
	source string
	order  []string
	values map[string]string
}

func NewMetricSet(source string) *MetricSet {
	return &MetricSet{source: source, values: make(map[string]string)}
}

// Source is the log path or stream name the set was parsed from.
func (m *MetricSet) Source() string {
	return m.source
}

// Set stores value under name and reports whether an earlier value was replaced.
func (m *MetricSet) Set(name, value string) bool {
	if _, ok := m.values[name]; ok {
		m.values[name] = value
		return true
	}
	m.order = append(m.order, name)
	m.values[name] = value
	return false
}

func (m *MetricSet) Get(name string) (string, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Float returns the numeric value of name. A trailing unit suffix such as
// "123.4s" or "56.7 samples/s" is ignored.
func (m *MetricSet) Float(name string) (float64, error) {
	raw, ok := m.values[name]
	if !ok {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	return ParseNumber(raw)
}

func (m *MetricSet) Has(name string) bool {
	_, ok := m.values[name]
	return ok
}

func (m *MetricSet) Names() []string {
	return append([]string(nil), m.order...)
}

func (m *MetricSet) Len() int {
	return len(m.order)
}

func (m *MetricSet) Metrics() []Metric {
	out := make([]Metric, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, Metric{Name: name, Value: m.values[name]})
	}
	return out
}

// Map returns an unordered copy.
func (m *MetricSet) Map() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// MarshalJSON keeps insertion order.
func (m *MetricSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.values[name])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalYAML emits a mapping node so the document keeps insertion order.
func (m *MetricSet) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, name := range m.order {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: m.values[name]},
		)
	}
	return node, nil
}

// ParseNumber parses the leading float of a metric value.
func ParseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	end := 0
	for end < len(s) && strings.IndexByte("+-0123456789.eE", s[end]) >= 0 {
		end++
	}
	// back off a dangling exponent marker, e.g. "12e" in "12eps"
	for end > 0 && strings.IndexByte("eE+-", s[end-1]) >= 0 {
		end--
	}
	if end == 0 {
		return 0, fmt.Errorf("value %q is not numeric", raw)
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not numeric: %w", raw, err)
	}
	return v, nil
}
