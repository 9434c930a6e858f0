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
package bench

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scitix/bertbench/config"
	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dispatcher"
	"github.com/scitix/bertbench/pkg/logparse"
	"github.com/scitix/bertbench/pkg/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, chimera, baseline string) *config.BenchConfig {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/bash\n"+body), 0755))
		return p
	}
	cfg := config.Default()
	cfg.Scheduler = consts.SchedulerLocal
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Timeout = config.Duration{Duration: time.Minute}
	cfg.Variants[0].Script = write("chimera.sh", chimera)
	cfg.Variants[1].Script = write("baseline.sh", baseline)
	cfg.Report.Output = filepath.Join(dir, "out", consts.DefaultReportName)
	cfg.Report.YAML = filepath.Join(dir, "out", "report.yaml")
	cfg.Report.MetricsFile = filepath.Join(dir, "out", "report.prom")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := setup(t,
		"echo starting chimera\necho 'Training Time:123.4'\necho 'Throughput:56.7'\n",
		"echo 'epoch=0 step=1/2 loss=0.69'\necho 'Training Time:200.5'\necho 'Throughput:30.25'\n",
	)
	var out bytes.Buffer
	r := &Runner{Config: cfg, Scheduler: dispatcher.NewLocal(), Out: &out}

	o, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, o.Stages, 4)
	for _, s := range o.Stages {
		assert.True(t, s.Passed, s.Stage)
	}
	for _, h := range o.Handles {
		assert.Equal(t, dispatcher.JobSucceeded, o.States[h.ID])
	}

	assert.Equal(t, filepath.Join(cfg.LogDir, consts.DefaultChimeraLog), o.Handles[0].LogPath)
	ms, err := logparse.ParseFile(o.Handles[0].LogPath)
	require.NoError(t, err)
	v, _ := ms.Get(consts.MetricTrainingTime)
	assert.Equal(t, "123.4", v)

	rep := o.Report
	require.NotNil(t, rep)
	assert.Equal(t, []string{consts.LabelChimera, consts.LabelBaseline}, rep.Labels)
	for _, c := range []struct {
		metric, label string
		want          float64
	}{
		{consts.MetricTrainingTime, consts.LabelChimera, 123.4},
		{consts.MetricThroughput, consts.LabelChimera, 56.7},
		{consts.MetricTrainingTime, consts.LabelBaseline, 200.5},
		{consts.MetricThroughput, consts.LabelBaseline, 30.25},
	} {
		got, ok := rep.Value(c.metric, c.label)
		require.True(t, ok)
		assert.Equal(t, c.want, got, "%s/%s", c.metric, c.label)
	}

	assert.FileExists(t, cfg.Report.Output)
	assert.FileExists(t, cfg.Report.YAML)
	assert.FileExists(t, cfg.Report.MetricsFile)
	assert.Contains(t, out.String(), "Throughput (samples/s)")
}

func TestRun_MissingMetricRendersNothing(t *testing.T) {
	cfg := setup(t,
		"echo 'Training Time:10'\necho 'Throughput:5'\n",
		"echo 'Training Time:20'\n",
	)
	r := &Runner{Config: cfg, Scheduler: dispatcher.NewLocal(), Out: &bytes.Buffer{}}

	o, err := r.Run(context.Background())
	var me *report.MissingMetricError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, consts.MetricThroughput, me.Metric)
	assert.Equal(t, consts.LabelBaseline, me.Label)
	assert.Nil(t, o.Report)
	assert.NoFileExists(t, cfg.Report.Output)
}

func TestRun_FailedJobWithoutMetrics(t *testing.T) {
	cfg := setup(t,
		"echo 'Training Time:10'\necho 'Throughput:5'\n",
		"echo 'RuntimeError: CUDA out of memory' >&2\nexit 1\n",
	)
	r := &Runner{Config: cfg, Scheduler: dispatcher.NewLocal(), Out: &bytes.Buffer{}}

	o, err := r.Run(context.Background())
	require.Error(t, err)
	var pe *logparse.LogParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, dispatcher.JobFailed, o.States[o.Handles[1].ID])
	assert.NoFileExists(t, cfg.Report.Output)
}

func TestRun_DispatchFailureIsLocal(t *testing.T) {
	cfg := setup(t, "echo 'Training Time:10'\necho 'Throughput:5'\n", "")
	cfg.Variants[1].Script = filepath.Join(t.TempDir(), "missing.sh")
	r := &Runner{Config: cfg, Scheduler: dispatcher.NewLocal(), Out: &bytes.Buffer{}}

	o, err := r.Run(context.Background())
	var de *dispatcher.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, consts.LabelBaseline, de.Label)

	// the other variant still ran to completion
	require.Len(t, o.Handles, 1)
	assert.Equal(t, dispatcher.JobSucceeded, o.States[o.Handles[0].ID])
	data, err := os.ReadFile(o.Handles[0].LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Throughput:5")
}

func TestRun_Timeout(t *testing.T) {
	cfg := setup(t, "sleep 30\n", "sleep 30\n")
	cfg.Timeout = config.Duration{Duration: 100 * time.Millisecond}
	r := &Runner{Config: cfg, Scheduler: dispatcher.NewLocal(), Out: &bytes.Buffer{}}

	start := time.Now()
	o, err := r.Run(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 20*time.Second)
	last := o.Stages[len(o.Stages)-1]
	assert.Equal(t, StageWait, last.Stage)
	assert.False(t, last.Passed)
}
