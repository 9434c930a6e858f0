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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics publishes per-rank step and epoch gauges.
type TrainingMetrics struct {
	rank     string
	steps    *GaugeVecMetricExporter
	epochs   *GaugeVecMetricExporter
	finished *GaugeVecMetricExporter
}

func NewTrainingMetrics(reg prometheus.Registerer, rank int) *TrainingMetrics {
	return &TrainingMetrics{
		rank:     strconv.Itoa(rank),
		steps:    NewGaugeVecMetricExporterWithRegisterer(reg, MetricPrefix+"_train", []string{"rank"}),
		epochs:   NewGaugeVecMetricExporterWithRegisterer(reg, MetricPrefix+"_epoch", []string{"rank", "epoch"}),
		finished: NewGaugeVecMetricExporterWithRegisterer(reg, MetricPrefix+"_run", []string{"rank"}),
	}
}

func (m *TrainingMetrics) ObserveStep(epoch, step int, loss, lr float64, elapsed time.Duration) {
	labels := []string{m.rank}
	m.steps.SetMetric("epoch", labels, float64(epoch))
	m.steps.SetMetric("step", labels, float64(step))
	m.steps.SetMetric("loss", labels, loss)
	m.steps.SetMetric("learning_rate", labels, lr)
	m.steps.SetMetric("step_seconds", labels, elapsed.Seconds())
}

// ObserveEpoch flattens an epoch summary struct into gauges labelled by epoch.
func (m *TrainingMetrics) ObserveEpoch(epoch int, summary interface{}) {
	m.epochs.ExportStruct(summary, []string{m.rank, strconv.Itoa(epoch)}, TagPrefix)
}

func (m *TrainingMetrics) ObserveRun(trainingTime time.Duration, throughput float64) {
	labels := []string{m.rank}
	m.finished.SetMetric("training_time_seconds", labels, trainingTime.Seconds())
	m.finished.SetMetric("throughput_samples_per_second", labels, throughput)
}

// ComparisonMetrics publishes one gauge per (label, metric) pair of a comparison.
type ComparisonMetrics struct {
	values  *GaugeVecMetricExporter
	speedup *GaugeVecMetricExporter
}

func NewComparisonMetrics(reg prometheus.Registerer) *ComparisonMetrics {
	return &ComparisonMetrics{
		values:  NewGaugeVecMetricExporterWithRegisterer(reg, MetricPrefix+"_comparison", []string{"label", "metric"}),
		speedup: NewGaugeVecMetricExporterWithRegisterer(reg, MetricPrefix+"_comparison", []string{"metric", "numerator", "denominator"}),
	}
}

func (m *ComparisonMetrics) SetValue(label, metric string, value float64) {
	m.values.SetMetric("value", []string{label, metric}, value)
}

func (m *ComparisonMetrics) SetSpeedup(metric, numerator, denominator string, ratio float64) {
	m.speedup.SetMetric("speedup", []string{metric, numerator, denominator}, ratio)
}
