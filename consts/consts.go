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
package consts

import "time"

const (
	/*-----------------component names-------------------*/
	ComponentNameDist       = "dist"
	ComponentNameSampler    = "sampler"
	ComponentNameTrainer    = "trainer"
	ComponentNameDispatcher = "dispatcher"
	ComponentNameLogParse   = "logparse"
	ComponentNameReport     = "report"
	ComponentNameBench      = "bench"
	ComponentNameLauncher   = "launcher"

	/*-----------------metric names printed by rank 0-------------------*/
	MetricTrainingTime = "Training Time"
	MetricThroughput   = "Throughput"
	MetricFinalLoss    = "Final Loss"
	MetricWorldSize    = "World Size"
	MetricEpochs       = "Epochs"
	MetricSamples      = "Samples"
)

const (
	/*-----------------run labels-------------------*/
	LabelChimera  = "Chimera"
	LabelBaseline = "Baseline"

	DefaultChimeraScript  = "../Chimera/scripts/prof_steps.sh"
	DefaultBaselineScript = "./dist_training.sh"
	DefaultChimeraLog     = "chimera_log.txt"
	DefaultBaselineLog    = "pytorch_dist_log.txt"
	DefaultReportName     = "comparison.png"
)

const (
	/*-----------------rendezvous environment-------------------*/
	EnvMasterAddr     = "MASTER_ADDR"
	EnvMasterPort     = "MASTER_PORT"
	EnvRank           = "RANK"
	EnvWorldSize      = "WORLD_SIZE"
	EnvLocalRank      = "LOCAL_RANK"
	EnvSlurmProcID    = "SLURM_PROCID"
	EnvSlurmNTasks    = "SLURM_NTASKS"
	EnvGlooSocketIfce = "GLOO_SOCKET_IFNAME"

	BackendNCCL  = "nccl"
	BackendGloo  = "gloo"
	BackendLocal = "local"
)

const (
	/*-----------------schedulers-------------------*/
	SchedulerSlurm      = "slurm"
	SchedulerLocal      = "local"
	SchedulerKubernetes = "kubernetes"
)

const (
	KubeConfigPath   = "/etc/kubernetes/kubelet.conf"
	DefaultNamespace = "default"
	DefaultJobImage  = "nvcr.io/nvidia/pytorch:24.06-py3"
	JobLabelKey      = "scitix.ai/bertbench"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
	White  = "\033[37m"
)
const PadLen = len(Green) + len(Reset)
const CmdTimeout = 30 * time.Second
const DefaultCollectiveTimeout = 300 * time.Second
const DefaultPollInterval = 10 * time.Second
const DefaultBenchTimeout = 24 * time.Hour
const DefaultMetricsPort = 19091
