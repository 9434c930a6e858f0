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
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scitix/bertbench/consts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Variants, 2)
	assert.Equal(t, consts.DefaultChimeraLog, cfg.Variants[0].LogFile)
	assert.Equal(t, consts.DefaultBaselineScript, cfg.Variants[1].Script)
	assert.Equal(t, consts.SchedulerSlurm, cfg.Scheduler)
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_dir: /tmp/logs
scheduler: local
poll_interval: 250ms
timeout: 3600
variants:
  - label: A
    script: a.sh
    log_file: a.log
    args: ["--x"]
  - label: B
    script: b.sh
    log_file: /abs/b.log
report:
  output: out.png
`), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval.Duration)
	assert.Equal(t, time.Hour, cfg.Timeout.Duration)
	// fields missing from the file keep defaults
	assert.Equal(t, consts.DefaultJobImage, cfg.Kubernetes.Image)

	jobs := cfg.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "/tmp/logs/a.log", jobs[0].LogPath)
	assert.Equal(t, "/abs/b.log", jobs[1].LogPath)
	assert.Equal(t, []string{"--x"}, jobs[0].Args)

	data, err := cfg.Yaml()
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval: 250ms")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Scheduler = "pbs"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Variants[1].Label = cfg.Variants[0].Label
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Variants[1].LogFile = cfg.Variants[0].LogFile
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Variants = cfg.Variants[:1]
	assert.Error(t, cfg.Validate())
}
