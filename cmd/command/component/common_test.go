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
package component

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dispatcher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBenchConfig_FlagsOverrideUserConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("scheduler", consts.SchedulerKubernetes)
	viper.Set("log_dir", "/from/viper")
	viper.Set("k8s_namespace", "ml")

	cmd := &cobra.Command{Use: "x"}
	addBenchFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--scheduler", "local"}))

	cfg, err := loadBenchConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, consts.SchedulerLocal, cfg.Scheduler)
	assert.Equal(t, "/from/viper", cfg.LogDir)
	assert.Equal(t, "ml", cfg.Kubernetes.Namespace)
	assert.Equal(t, filepath.Join("/from/viper", consts.DefaultChimeraLog), cfg.Jobs()[0].LogPath)

	sched, err := newScheduler(cfg)
	require.NoError(t, err)
	_, ok := sched.(*dispatcher.Local)
	assert.True(t, ok)
}

func TestLoadBenchConfig_InvalidScheduler(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	cmd := &cobra.Command{Use: "x"}
	addBenchFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--scheduler", "pbs"}))
	_, err := loadBenchConfig(cmd)
	assert.Error(t, err)
}

func TestLaunchRankEnv(t *testing.T) {
	o := &launchOptions{NProc: 4, NNodes: 2, NodeRank: 1, MasterAddr: "10.0.0.1", MasterPort: 29500}
	env := o.rankEnv(2)
	assert.Contains(t, env, "RANK=6")
	assert.Contains(t, env, "LOCAL_RANK=2")
	assert.Contains(t, env, "WORLD_SIZE=8")
	assert.Contains(t, env, "MASTER_ADDR=10.0.0.1")
	assert.Contains(t, env, "MASTER_PORT=29500")
}

func TestTrainOptionsValidate(t *testing.T) {
	o := &trainOptions{MicroBatchSize: 8, NumEpochs: 1, NumStages: 1, MaxSeqLength: 64}
	assert.NoError(t, o.validate())
	o.StageID = 1
	assert.Error(t, o.validate())
	o.StageID = 0
	o.MicroBatchSize = 0
	assert.Error(t, o.validate())
}

func TestCompare_FromLogs(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	dir := t.TempDir()
	left := filepath.Join(dir, "l.log")
	right := filepath.Join(dir, "r.log")
	require.NoError(t, os.WriteFile(left, []byte("Training Time:10\nThroughput:20\n"), 0644))
	require.NoError(t, os.WriteFile(right, []byte("Training Time:30\nThroughput:5\n"), 0644))
	out := filepath.Join(dir, "cmp.png")

	cmd := NewCompareCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--left-log", left, "--right-log", right, "--right-label", "DDP", "-o", out, "--table=false",
	}))
	require.NoError(t, runCompare(cmd))
	assert.FileExists(t, out)
}

func TestServeMetrics_PortTaken(t *testing.T) {
	lis, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer lis.Close()
	port := lis.Addr().(*net.TCPAddr).Port

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	log := logger.WithField("rank", 3)

	err = serveMetrics(context.Background(), log, port, prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, buf.String(), "level=warning")
	assert.Contains(t, buf.String(), "rank=3")
	assert.Contains(t, buf.String(), "metrics endpoint unavailable")
}
