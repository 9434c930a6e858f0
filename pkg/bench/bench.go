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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/scitix/bertbench/config"
	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dispatcher"
	"github.com/scitix/bertbench/pkg/logparse"
	"github.com/scitix/bertbench/pkg/report"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot/vg"
)

const (
	StageDispatch = "dispatch"
	StageWait     = "wait"
	StageParse    = "parse"
	StageReport   = "report"
)

// StageResult records the outcome of one pipeline stage.
type StageResult struct {
	Stage    string
	Passed   bool
	Err      error
	Duration time.Duration
}

type Outcome struct {
	Handles []dispatcher.JobHandle
	States  map[string]dispatcher.JobState
	Series  []report.Series
	Report  *report.ComparisonReport
	Stages  []StageResult
}

// Err joins the errors of all failed stages.
func (o *Outcome) Err() error {
	var errs []error
	for _, s := range o.Stages {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

func (o *Outcome) record(stage string, start time.Time, err error) {
	o.Stages = append(o.Stages, StageResult{Stage: stage, Passed: err == nil, Err: err, Duration: time.Since(start)})
}

// Runner drives both variants from submission to the rendered comparison.
type Runner struct {
	Config    *config.BenchConfig
	Scheduler dispatcher.Scheduler
	// Out receives the comparison table; defaults to stdout.
	Out io.Writer
}

func (r *Runner) out() io.Writer {
	if r.Out == nil {
		return os.Stdout
	}
	return r.Out
}

// Run dispatches every variant, waits for all of them, parses their logs and
// renders the report. Dispatch failures are local to their job: the other
// variant still runs to completion before Run reports the failure.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	log := logrus.WithField("component", consts.ComponentNameBench)
	cfg := r.Config
	o := &Outcome{States: map[string]dispatcher.JobState{}}
	d := dispatcher.New(r.Scheduler, cfg.PollInterval.Duration)

	start := time.Now()
	var dispatchErrs []error
	for _, res := range d.DispatchAll(ctx, cfg.Jobs()) {
		if res.Err != nil {
			log.Errorf("dispatch %s: %v", res.Job.Label, res.Err)
			dispatchErrs = append(dispatchErrs, res.Err)
			continue
		}
		o.Handles = append(o.Handles, res.Handle)
	}
	o.record(StageDispatch, start, errors.Join(dispatchErrs...))

	start = time.Now()
	wctx := ctx
	if cfg.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Duration)
		defer cancel()
	}
	states, err := d.Wait(wctx, o.Handles)
	o.States = states
	if err != nil {
		log.Errorf("wait: %v, cancelling %d jobs", err, len(o.Handles))
		cctx, cancel := context.WithTimeout(context.Background(), consts.CmdTimeout)
		if cerr := d.Cancel(cctx, o.Handles); cerr != nil {
			log.Warnf("cancel: %v", cerr)
		}
		cancel()
		o.record(StageWait, start, fmt.Errorf("%s: wait: %w", consts.ComponentNameBench, err))
		return o, o.Err()
	}
	var failed []error
	for _, h := range o.Handles {
		if states[h.ID] != dispatcher.JobSucceeded {
			failed = append(failed, fmt.Errorf("job %q (%s) finished %s", h.Label, h.ID, states[h.ID]))
		}
	}
	o.record(StageWait, start, errors.Join(failed...))
	if len(dispatchErrs) > 0 {
		return o, o.Err()
	}

	// Logs are read only after their jobs are terminal. Failed jobs are still
	// parsed; a job that printed nothing fails here with LogParseError.
	start = time.Now()
	var parseErrs []error
	for _, h := range o.Handles {
		ms, err := logparse.ParseFile(h.LogPath)
		if err != nil {
			parseErrs = append(parseErrs, err)
			continue
		}
		log.WithField("job", h.Label).Infof("parsed %d metrics from %s", ms.Len(), h.LogPath)
		o.Series = append(o.Series, report.Series{Label: h.Label, Metrics: ms})
	}
	o.record(StageParse, start, errors.Join(parseErrs...))
	if len(parseErrs) > 0 {
		return o, o.Err()
	}

	start = time.Now()
	err = r.render(o)
	o.record(StageReport, start, err)
	return o, o.Err()
}

func (r *Runner) render(o *Outcome) error {
	if len(o.Series) != 2 {
		return fmt.Errorf("%s: need 2 parsed runs, got %d", consts.ComponentNameReport, len(o.Series))
	}
	rep, err := report.Build(o.Series[0], o.Series[1])
	if err != nil {
		return err
	}
	o.Report = rep
	return WriteOutputs(r.Config.Report, rep, r.out())
}

// WriteOutputs renders every output enabled in rc.
func WriteOutputs(rc config.ReportConfig, rep *report.ComparisonReport, out io.Writer) error {
	if err := report.RenderPNG(rep, rc.Output, vg.Length(rc.Width)*vg.Inch, vg.Length(rc.Height)*vg.Inch); err != nil {
		return fmt.Errorf("%s: render %s: %w", consts.ComponentNameReport, rc.Output, err)
	}
	logrus.WithField("component", consts.ComponentNameReport).Infof("chart written to %s", rc.Output)
	if rc.Table {
		if err := report.RenderTable(out, rep); err != nil {
			return err
		}
	}
	if rc.YAML != "" {
		if err := report.WriteYAML(rc.YAML, rep); err != nil {
			return fmt.Errorf("%s: write %s: %w", consts.ComponentNameReport, rc.YAML, err)
		}
	}
	if rc.MetricsFile != "" {
		if err := report.WriteMetricsFile(rc.MetricsFile, rep); err != nil {
			return fmt.Errorf("%s: write %s: %w", consts.ComponentNameReport, rc.MetricsFile, err)
		}
	}
	return nil
}
