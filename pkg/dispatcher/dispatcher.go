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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/sirupsen/logrus"
)

// TrainingJob describes one benchmark variant to submit.
type TrainingJob struct {
	Label      string            `json:"label" yaml:"label"`
	ScriptPath string            `json:"script" yaml:"script"`
	LogPath    string            `json:"log_file" yaml:"log_file"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobUnknown   JobState = "unknown"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobHandle identifies a submitted job within the scheduler that accepted it.
type JobHandle struct {
	ID          string    `json:"id" yaml:"id"`
	Label       string    `json:"label" yaml:"label"`
	Scheduler   string    `json:"scheduler" yaml:"scheduler"`
	LogPath     string    `json:"log_file" yaml:"log_file"`
	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`
}

// Scheduler is an external batch system. Submit must not block on job completion.
type Scheduler interface {
	Name() string
	Submit(ctx context.Context, job TrainingJob) (JobHandle, error)
	Poll(ctx context.Context, h JobHandle) (JobState, error)
}

// Canceler is implemented by schedulers that can stop a submitted job.
type Canceler interface {
	Cancel(ctx context.Context, h JobHandle) error
}

type DispatchError struct {
	Label  string
	Script string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: job %q (script %s): %v", consts.ComponentNameDispatcher, e.Label, e.Script, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Result is the outcome of one submission in DispatchAll.
type Result struct {
	Job    TrainingJob
	Handle JobHandle
	Err    error
}

type Dispatcher struct {
	scheduler    Scheduler
	pollInterval time.Duration
}

func New(s Scheduler, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = consts.DefaultPollInterval
	}
	return &Dispatcher{scheduler: s, pollInterval: pollInterval}
}

func (d *Dispatcher) Scheduler() Scheduler {
	return d.scheduler
}

// Dispatch validates the job, truncates its log file and hands it to the scheduler.
func (d *Dispatcher) Dispatch(ctx context.Context, job TrainingJob) (JobHandle, error) {
	log := logrus.WithField("component", consts.ComponentNameDispatcher).WithField("job", job.Label)
	if err := validate(job); err != nil {
		return JobHandle{}, &DispatchError{Label: job.Label, Script: job.ScriptPath, Err: err}
	}
	if err := truncateLog(job.LogPath); err != nil {
		return JobHandle{}, &DispatchError{Label: job.Label, Script: job.ScriptPath, Err: err}
	}
	h, err := d.scheduler.Submit(ctx, job)
	if err != nil {
		return JobHandle{}, &DispatchError{Label: job.Label, Script: job.ScriptPath, Err: fmt.Errorf("%s submit: %w", d.scheduler.Name(), err)}
	}
	if h.SubmittedAt.IsZero() {
		h.SubmittedAt = time.Now()
	}
	log.Infof("submitted to %s as %s, log %s", d.scheduler.Name(), h.ID, h.LogPath)
	return h, nil
}

// DispatchAll submits every job concurrently. A failed submission does not affect the others.
func (d *Dispatcher) DispatchAll(ctx context.Context, jobs []TrainingJob) []Result {
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := d.Dispatch(ctx, job)
			results[i] = Result{Job: job, Handle: h, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// Wait polls until every handle reaches a terminal state and returns the final states by ID.
// Transient poll errors are logged and retried on the next tick.
func (d *Dispatcher) Wait(ctx context.Context, handles []JobHandle) (map[string]JobState, error) {
	states := make(map[string]JobState, len(handles))
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		pending := 0
		for _, h := range handles {
			if states[h.ID].Terminal() {
				continue
			}
			st, err := d.scheduler.Poll(ctx, h)
			if err != nil {
				if ctx.Err() != nil {
					return states, ctx.Err()
				}
				logrus.WithField("component", consts.ComponentNameDispatcher).WithField("job", h.Label).
					Warnf("poll %s: %v", h.ID, err)
				st = JobUnknown
			}
			if st != states[h.ID] {
				logrus.WithField("component", consts.ComponentNameDispatcher).WithField("job", h.Label).
					Infof("job %s is %s", h.ID, st)
			}
			states[h.ID] = st
			if !st.Terminal() {
				pending++
			}
		}
		if pending == 0 {
			return states, nil
		}
		select {
		case <-ctx.Done():
			return states, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel stops the jobs if the scheduler supports it.
func (d *Dispatcher) Cancel(ctx context.Context, handles []JobHandle) error {
	c, ok := d.scheduler.(Canceler)
	if !ok {
		return fmt.Errorf("scheduler %s does not support cancel", d.scheduler.Name())
	}
	var errs []error
	for _, h := range handles {
		if err := c.Cancel(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", h.ID, err))
		}
	}
	return errors.Join(errs...)
}

func validate(job TrainingJob) error {
	if job.Label == "" {
		return errors.New("empty label")
	}
	if job.ScriptPath == "" {
		return errors.New("empty script path")
	}
	if job.LogPath == "" {
		return errors.New("empty log path")
	}
	if !utils.FileExists(job.ScriptPath) {
		return fmt.Errorf("script %s is missing or not a regular file", job.ScriptPath)
	}
	return nil
}

func truncateLog(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("truncate log: %w", err)
	}
	return f.Close()
}
