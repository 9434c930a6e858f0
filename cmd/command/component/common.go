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
	"fmt"
	"sync"

	"github.com/scitix/bertbench/config"
	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dispatcher"
	"github.com/scitix/bertbench/pkg/k8s"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	StageStatuses = make(map[string]bool) // Tracks pass/fail status per stage
	StatusMutex   sync.Mutex              // Ensures thread-safe updates
)

func SetStatus(stage string, passed bool) {
	StatusMutex.Lock()
	StageStatuses[stage] = passed
	StatusMutex.Unlock()
}

// fail logs err under component and marks stage failed.
func fail(stage, component string, err error) {
	logrus.WithField("component", component).Error(err)
	SetStatus(stage, false)
}

func addBenchFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to the benchmark config (YAML); built-in Chimera vs Baseline pair if empty")
	cmd.Flags().String("scheduler", "", "Scheduler: slurm, local or kubernetes")
	cmd.Flags().String("log-dir", "", "Directory the job log files are written to")
}

// loadBenchConfig layers the config file, the user config (~/.bertbench/config.yaml
// and BERTBENCH_* env) and command line flags, later ones winning.
func loadBenchConfig(cmd *cobra.Command) (*config.BenchConfig, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("scheduler"); v != "" {
		cfg.Scheduler = v
	}
	if v := viper.GetString("log_dir"); v != "" {
		cfg.LogDir = v
	}
	if v := viper.GetString("slurm_partition"); v != "" {
		cfg.Slurm.Partition = v
	}
	if v := viper.GetString("k8s_namespace"); v != "" {
		cfg.Kubernetes.Namespace = v
	}
	if v := viper.GetString("job_image"); v != "" {
		cfg.Kubernetes.Image = v
	}
	if v := viper.GetString("kubeconfig"); v != "" {
		cfg.Kubernetes.Kubeconfig = v
	}
	if cmd.Flags().Changed("scheduler") {
		cfg.Scheduler, _ = cmd.Flags().GetString("scheduler")
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.LogDir, _ = cmd.Flags().GetString("log-dir")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newScheduler(cfg *config.BenchConfig) (dispatcher.Scheduler, error) {
	switch cfg.Scheduler {
	case consts.SchedulerSlurm:
		return dispatcher.NewSlurm(cfg.Slurm.Partition, cfg.Slurm.Extra), nil
	case consts.SchedulerLocal:
		return dispatcher.NewLocal(), nil
	case consts.SchedulerKubernetes:
		client, err := k8s.NewClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		return dispatcher.NewKubernetes(client, cfg.Kubernetes.Namespace, cfg.Kubernetes.Image), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
	}
}
