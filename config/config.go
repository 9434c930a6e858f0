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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dispatcher"

	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration that reads and writes as "10s", "1h30m", ...
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = dur
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

type Variant struct {
	Label   string            `json:"label"`
	Script  string            `json:"script"`
	LogFile string            `json:"log_file"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type ReportConfig struct {
	// Output is the PNG chart path.
	Output string `json:"output"`
	// Table prints the comparison table to stdout.
	Table bool `json:"table"`
	// YAML and MetricsFile are optional extra outputs.
	YAML        string `json:"yaml,omitempty"`
	MetricsFile string `json:"metrics_file,omitempty"`
	// Width and Height of the chart in inches.
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

type SlurmConfig struct {
	Partition string   `json:"partition,omitempty"`
	Extra     []string `json:"extra_args,omitempty"`
}

type KubernetesConfig struct {
	Namespace  string `json:"namespace,omitempty"`
	Image      string `json:"image,omitempty"`
	Kubeconfig string `json:"kubeconfig,omitempty"`
}

type BenchConfig struct {
	LogDir       string           `json:"log_dir,omitempty"`
	Scheduler    string           `json:"scheduler"`
	PollInterval Duration         `json:"poll_interval"`
	Timeout      Duration         `json:"timeout"`
	Variants     []Variant        `json:"variants"`
	Report       ReportConfig     `json:"report"`
	Slurm        SlurmConfig      `json:"slurm,omitempty"`
	Kubernetes   KubernetesConfig `json:"kubernetes,omitempty"`
}

// Default returns the Chimera vs PyTorch DDP comparison submitted through Slurm.
func Default() *BenchConfig {
	return &BenchConfig{
		Scheduler:    consts.SchedulerSlurm,
		PollInterval: Duration{consts.DefaultPollInterval},
		Timeout:      Duration{consts.DefaultBenchTimeout},
		Variants: []Variant{
			{Label: consts.LabelChimera, Script: consts.DefaultChimeraScript, LogFile: consts.DefaultChimeraLog},
			{Label: consts.LabelBaseline, Script: consts.DefaultBaselineScript, LogFile: consts.DefaultBaselineLog},
		},
		Report: ReportConfig{
			Output: consts.DefaultReportName,
			Table:  true,
			Width:  6,
			Height: 8,
		},
		Kubernetes: KubernetesConfig{
			Namespace: consts.DefaultNamespace,
			Image:     consts.DefaultJobImage,
		},
	}
}

// Load reads file over Default so that omitted fields keep their defaults.
func Load(file string) (*BenchConfig, error) {
	cfg := Default()
	if file == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	defaults := cfg.Variants
	cfg.Variants = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = defaults
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}

func (c *BenchConfig) Validate() error {
	switch c.Scheduler {
	case consts.SchedulerSlurm, consts.SchedulerLocal, consts.SchedulerKubernetes:
	default:
		return fmt.Errorf("unknown scheduler %q", c.Scheduler)
	}
	if len(c.Variants) != 2 {
		return fmt.Errorf("expected exactly 2 variants, got %d", len(c.Variants))
	}
	seen := make(map[string]bool)
	logs := make(map[string]bool)
	for i, v := range c.Variants {
		if v.Label == "" || v.Script == "" || v.LogFile == "" {
			return fmt.Errorf("variant %d: label, script and log_file are required", i)
		}
		if seen[v.Label] {
			return fmt.Errorf("duplicate variant label %q", v.Label)
		}
		seen[v.Label] = true
		lp := c.LogPath(v)
		if logs[lp] {
			return fmt.Errorf("variants share log file %s", lp)
		}
		logs[lp] = true
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Report.Output == "" {
		return fmt.Errorf("report.output is required")
	}
	return nil
}

// LogPath resolves a variant's log file against LogDir.
func (c *BenchConfig) LogPath(v Variant) string {
	if c.LogDir == "" || filepath.IsAbs(v.LogFile) {
		return v.LogFile
	}
	return filepath.Join(c.LogDir, v.LogFile)
}

func (c *BenchConfig) Jobs() []dispatcher.TrainingJob {
	jobs := make([]dispatcher.TrainingJob, 0, len(c.Variants))
	for _, v := range c.Variants {
		jobs = append(jobs, dispatcher.TrainingJob{
			Label:      v.Label,
			ScriptPath: v.Script,
			LogPath:    c.LogPath(v),
			Args:       v.Args,
			Env:        v.Env,
		})
	}
	return jobs
}

func (c *BenchConfig) Yaml() ([]byte, error) {
	return yaml.Marshal(c)
}
