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
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/utils"
)

// Slurm submits jobs with sbatch and tracks them with squeue, falling back to
// sacct once the job has left the queue.
type Slurm struct {
	// Partition and Extra are passed through to sbatch when set.
	Partition string
	Extra     []string

	run utils.CommandRunner
}

func NewSlurm(partition string, extra []string) *Slurm {
	return &Slurm{Partition: partition, Extra: extra, run: utils.ExecCommand}
}

// NewSlurmWithRunner is used by tests to replace the command runner.
func NewSlurmWithRunner(run utils.CommandRunner) *Slurm {
	return &Slurm{run: run}
}

func (s *Slurm) Name() string { return consts.SchedulerSlurm }

func (s *Slurm) Submit(ctx context.Context, job TrainingJob) (JobHandle, error) {
	args := []string{
		"--parsable",
		"--job-name=" + job.Label,
		"--output=" + job.LogPath,
		"--open-mode=append",
	}
	if s.Partition != "" {
		args = append(args, "--partition="+s.Partition)
	}
	if len(job.Env) > 0 {
		args = append(args, "--export="+exportList(job.Env))
	}
	args = append(args, s.Extra...)
	args = append(args, job.ScriptPath)
	args = append(args, job.Args...)

	cctx, cancel := context.WithTimeout(ctx, consts.CmdTimeout)
	defer cancel()
	out, err := s.run(cctx, "sbatch", args...)
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	id := parseSbatchID(string(out))
	if id == "" {
		return JobHandle{}, fmt.Errorf("sbatch returned no job id: %q", strings.TrimSpace(string(out)))
	}
	return JobHandle{
		ID:          id,
		Label:       job.Label,
		Scheduler:   s.Name(),
		LogPath:     job.LogPath,
		SubmittedAt: time.Now(),
	}, nil
}

func (s *Slurm) Poll(ctx context.Context, h JobHandle) (JobState, error) {
	cctx, cancel := context.WithTimeout(ctx, consts.CmdTimeout)
	defer cancel()
	out, err := s.run(cctx, "squeue", "-h", "-j", h.ID, "-o", "%T")
	if err == nil {
		if st := firstLine(string(out)); st != "" {
			return slurmState(st), nil
		}
	}
	// squeue forgets finished jobs; ask the accounting database.
	out, aerr := s.run(cctx, "sacct", "-n", "-X", "-P", "-j", h.ID, "-o", "State")
	if aerr != nil {
		return JobUnknown, errors.Join(err, aerr)
	}
	st := firstLine(string(out))
	if st == "" {
		return JobUnknown, fmt.Errorf("job %s not found in squeue or sacct", h.ID)
	}
	return slurmState(st), nil
}

func (s *Slurm) Cancel(ctx context.Context, h JobHandle) error {
	cctx, cancel := context.WithTimeout(ctx, consts.CmdTimeout)
	defer cancel()
	out, err := s.run(cctx, "scancel", h.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parseSbatchID handles the "<id>" and "<id>;<cluster>" forms of --parsable output.
func parseSbatchID(out string) string {
	line := firstLine(out)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

func slurmState(raw string) JobState {
	// sacct reports e.g. "CANCELLED by 1000"
	st := strings.ToUpper(strings.Fields(raw)[0])
	st = strings.TrimSuffix(st, "+")
	switch st {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "RESV_DEL_HOLD", "SUSPENDED":
		return JobPending
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING":
		return JobRunning
	case "COMPLETED":
		return JobSucceeded
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED",
		"BOOT_FAIL", "DEADLINE", "REVOKED", "SPECIAL_EXIT":
		return JobFailed
	default:
		return JobUnknown
	}
}

func exportList(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{"ALL"}
	for _, k := range keys {
		parts = append(parts, k+"="+env[k])
	}
	return strings.Join(parts, ",")
}
