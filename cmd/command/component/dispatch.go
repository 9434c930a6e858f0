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
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/scitix/bertbench/config"
	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dispatcher"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultStateFile = "bertbench-jobs.yaml"

// jobState is what dispatch leaves behind for wait.
type jobState struct {
	Scheduler string                 `json:"scheduler"`
	Handles   []dispatcher.JobHandle `json:"handles"`
}

func NewDispatchCmd() *cobra.Command {
	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Submit both benchmark variants to the scheduler without waiting",
		Long: "Submits every variant of the benchmark config and records the job handles in the state file\n" +
			"for a later `bertbench wait`. Local jobs cannot outlive this process, so with the local\n" +
			"scheduler dispatch waits for them before returning.",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := utils.HandleSignals(context.Background())
			defer cancel()
			if err := runDispatch(ctx, cmd); err != nil {
				fail(consts.ComponentNameDispatcher, consts.ComponentNameDispatcher, err)
				return
			}
			SetStatus(consts.ComponentNameDispatcher, true)
		},
	}
	addBenchFlags(dispatchCmd)
	dispatchCmd.Flags().String("state", defaultStateFile, "File the submitted job handles are written to")
	return dispatchCmd
}

func runDispatch(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadBenchConfig(cmd)
	if err != nil {
		return err
	}
	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}
	d := dispatcher.New(sched, cfg.PollInterval.Duration)
	state := jobState{Scheduler: sched.Name()}
	var errs []error
	for _, res := range d.DispatchAll(ctx, cfg.Jobs()) {
		if res.Err != nil {
			logrus.WithField("component", consts.ComponentNameDispatcher).Error(res.Err)
			errs = append(errs, res.Err)
			continue
		}
		fmt.Printf("%s: %s job %s, log %s\n", res.Handle.Label, res.Handle.Scheduler, res.Handle.ID, res.Handle.LogPath)
		state.Handles = append(state.Handles, res.Handle)
	}

	if sched.Name() == consts.SchedulerLocal {
		if _, err := waitAndReport(ctx, d, state.Handles, cfg.Timeout.Duration); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	statePath, _ := cmd.Flags().GetString("state")
	out, err := utils.Yaml(state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(statePath, []byte(out), 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	logrus.WithField("component", consts.ComponentNameDispatcher).Infof("job handles written to %s", statePath)
	return errors.Join(errs...)
}

func NewWaitCmd() *cobra.Command {
	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for dispatched jobs to finish",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := utils.HandleSignals(context.Background())
			defer cancel()
			if err := runWait(ctx, cmd); err != nil {
				fail("wait", consts.ComponentNameDispatcher, err)
				return
			}
			SetStatus("wait", true)
		},
	}
	addBenchFlags(waitCmd)
	waitCmd.Flags().String("state", defaultStateFile, "State file written by dispatch")
	waitCmd.Flags().Duration("poll-interval", 0, "Override the poll interval of the config")
	waitCmd.Flags().Duration("timeout", 0, "Override the wait timeout of the config")
	return waitCmd
}

func runWait(ctx context.Context, cmd *cobra.Command) error {
	statePath, _ := cmd.Flags().GetString("state")
	var state jobState
	if err := utils.LoadFromYaml(statePath, &state); err != nil {
		return fmt.Errorf("read state file %s: %w", statePath, err)
	}
	if state.Scheduler == consts.SchedulerLocal {
		return fmt.Errorf("local jobs are awaited by dispatch itself")
	}
	cfg, err := loadBenchConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Scheduler = state.Scheduler
	if v, _ := cmd.Flags().GetDuration("poll-interval"); v > 0 {
		cfg.PollInterval = config.Duration{Duration: v}
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		cfg.Timeout = config.Duration{Duration: v}
	}
	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}
	_, err = waitAndReport(ctx, dispatcher.New(sched, cfg.PollInterval.Duration), state.Handles, cfg.Timeout.Duration)
	return err
}

// waitAndReport waits for handles and prints their final states. It fails when
// any job did not succeed.
func waitAndReport(ctx context.Context, d *dispatcher.Dispatcher, handles []dispatcher.JobHandle, timeout time.Duration) (map[string]dispatcher.JobState, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	states, err := d.Wait(ctx, handles)
	if err != nil {
		return states, fmt.Errorf("wait for jobs: %w", err)
	}
	var errs []error
	for _, h := range handles {
		st := states[h.ID]
		color := consts.Green
		if st != dispatcher.JobSucceeded {
			color = consts.Red
			errs = append(errs, fmt.Errorf("job %q (%s) %s", h.Label, h.ID, st))
		}
		fmt.Printf(" - %s (%s): %s%s%s\n", h.Label, h.ID, color, st, consts.Reset)
	}
	return states, errors.Join(errs...)
}
