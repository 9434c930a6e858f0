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
package metrics

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGaugeVecMetricExporter(t *testing.T) {
	exporter := NewGaugeVecMetricExporterWithRegisterer(prometheus.NewRegistry(), "test", []string{"label1", "label2"})
	assert.Equal(t, []string{"label1", "label2", "node"}, exporter.labelKeys)
	assert.Empty(t, exporter.MetricsMap)
}

func TestGaugeVecMetricExporter_SetMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewGaugeVecMetricExporterWithRegisterer(reg, "test", []string{"label1"})
	exporter.SetMetric("metric", []string{"value1"}, 42.0)
	exporter.SetMetric("metric", []string{"value1"}, 43.0)

	gauge, exists := exporter.MetricsMap["test_metric"]
	require.True(t, exists)
	assert.Equal(t, 43.0, testutil.ToFloat64(gauge.WithLabelValues("value1", exporter.nodeName)))
}

func TestGaugeVecMetricExporter_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewGaugeVecMetricExporterWithRegisterer(reg, "test", []string{"label1"})
	b := NewGaugeVecMetricExporterWithRegisterer(reg, "test", []string{"label1"})
	a.SetMetric("metric", []string{"x"}, 1)
	b.SetMetric("metric", []string{"y"}, 2)

	assert.Same(t, a.MetricsMap["test_metric"], b.MetricsMap["test_metric"])
	assert.Equal(t, 2, testutil.CollectAndCount(a.MetricsMap["test_metric"]))
}

func TestGaugeVecMetricExporter_ExportStruct(t *testing.T) {
	type TestStruct struct {
		Field1 int     `json:"field1"`
		Field2 float64 `json:"field2"`
		Field3 bool    `json:"field3"`
	}

	exporter := NewGaugeVecMetricExporterWithRegisterer(prometheus.NewRegistry(), "test", []string{"label1"})
	exporter.ExportStruct(TestStruct{Field1: 10, Field2: 20.5, Field3: true}, []string{"value1"}, "json")

	for _, name := range []string{"test_field1", "test_field2", "test_field3"} {
		_, exists := exporter.MetricsMap[name]
		assert.True(t, exists, "expected metric %s to exist", name)
	}
}

func TestSliceStructToMetricsMap(t *testing.T) {
	type NestedStruct struct {
		InnerField1 int `json:"inner_field0"`
		InnerField2 int `json:"inner_field1"`
	}
	type TestStruct struct {
		Field []NestedStruct `json:"field"`
	}

	metrics := make(map[string]*StructMetrics)
	StructToMetricsMap(reflect.ValueOf(TestStruct{
		Field: []NestedStruct{
			{InnerField1: 100, InnerField2: 200},
			{InnerField1: 300, InnerField2: 400},
		},
	}), "", "json", metrics)

	expected := map[string]float64{
		"field_0_inner_field0": 100,
		"field_0_inner_field1": 200,
		"field_1_inner_field0": 300,
		"field_1_inner_field1": 400,
	}
	for name, want := range expected {
		require.Contains(t, metrics, name)
		assert.Equal(t, want, metrics[name].MetricsValue)
	}
}

func TestStructToMetricsMap(t *testing.T) {
	type NestedStruct struct {
		InnerField1 int `json:"inner_field1"`
		InnerField2 int `json:"inner_field2"`
	}
	type TestStruct struct {
		Field1 int          `json:"field1"`
		Field2 NestedStruct `json:"field2"`
		Hidden int          `json:"-"`
	}

	metrics := make(map[string]*StructMetrics)
	StructToMetricsMap(reflect.ValueOf(&TestStruct{
		Field1: 42,
		Field2: NestedStruct{InnerField1: 100, InnerField2: 200},
		Hidden: 7,
	}), "", "json", metrics)

	expected := map[string]float64{
		"field1":              42.0,
		"field2_inner_field1": 100.0,
		"field2_inner_field2": 200.0,
	}
	assert.Len(t, metrics, len(expected))
	for key, want := range expected {
		assert.Equal(t, want, metrics[key].MetricsValue, key)
	}
}

func TestSanitizeMetricName(t *testing.T) {
	tests := map[string]string{
		"metric.name":     "metric_name",
		"metric-name":     "metric_name",
		"metric+name":     "metric_name",
		"metric[name]":    "metric_name",
		"metric name":     "metric_name",
		"MetricName":      "metricname",
		"metric[complex]": "metric_complex",
		"samples/s":       "samples_per_s",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, sanitizeMetricName(input))
	}
}

func TestTrainingMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTrainingMetrics(reg, 1)
	m.ObserveStep(2, 5, 0.25, 1e-4, 150*time.Millisecond)
	m.ObserveEpoch(2, struct {
		Steps   int     `json:"steps"`
		Seconds float64 `json:"seconds"`
	}{Steps: 6, Seconds: 1.5})
	m.ObserveRun(3*time.Second, 42)

	loss := m.steps.MetricsMap["bertbench_train_loss"]
	require.NotNil(t, loss)
	assert.Equal(t, 0.25, testutil.ToFloat64(loss.WithLabelValues("1", m.steps.nodeName)))

	steps := m.epochs.MetricsMap["bertbench_epoch_steps"]
	require.NotNil(t, steps)
	assert.Equal(t, 6.0, testutil.ToFloat64(steps.WithLabelValues("1", "2", m.epochs.nodeName)))

	tp := m.finished.MetricsMap["bertbench_run_throughput_samples_per_second"]
	require.NotNil(t, tp)
	assert.Equal(t, 42.0, testutil.ToFloat64(tp.WithLabelValues("1", m.finished.nodeName)))
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	cm := NewComparisonMetrics(reg)
	cm.SetValue("Chimera", "Throughput", 56.7)
	cm.SetSpeedup("Throughput", "Chimera", "Baseline", 1.5)

	path := filepath.Join(t.TempDir(), "comparison.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, "bertbench_comparison_value"))
	assert.True(t, strings.Contains(text, `label="Chimera"`))
	assert.True(t, strings.Contains(text, "bertbench_comparison_speedup"))
}
