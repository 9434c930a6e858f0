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
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/scitix/bertbench/consts"
	"github.com/sirupsen/logrus"
)

// Batch is anything with a sample count.
type Batch interface {
	Size() int
}

// BatchSource yields one epoch of batches and io.EOF at the end.
type BatchSource[B Batch] interface {
	Reset(epoch int) error
	Yield() (B, error)
	Len() int
}

// Model computes the loss and the flat gradient of its parameters for a batch.
type Model[B Batch] interface {
	ForwardBackward(ctx context.Context, batch B) (loss float64, grads []float64, err error)
}

// Optimizer owns the parameters it was built over and applies one update per Step.
type Optimizer interface {
	Step(grads []float64) error
	LearningRate() float64
}

var ErrNonFiniteLoss = errors.New("non-finite loss")

// TrainingStepError aborts the current epoch; no automatic recovery is attempted.
type TrainingStepError struct {
	Rank  int
	Epoch int
	Step  int
	Err   error
}

func (e *TrainingStepError) Error() string {
	return fmt.Sprintf("%s: rank %d epoch %d step %d: %v", consts.ComponentNameTrainer, e.Rank, e.Epoch, e.Step, e.Err)
}

func (e *TrainingStepError) Unwrap() error {
	return e.Err
}

// StepInfo is passed to step hooks after the optimizer step.
type StepInfo struct {
	Rank         int
	Epoch        int
	Step         int
	GlobalStep   int
	Steps        int
	Loss         float64
	LearningRate float64
	BatchSize    int
	StepDuration time.Duration
	Elapsed      time.Duration
}

type StepHook func(info StepInfo) error

type hookWithName struct {
	name string
	fn   StepHook
}

// EpochStats summarizes one pass over the batch source.
type EpochStats struct {
	Epoch           int     `json:"epoch"`
	Steps           int     `json:"steps"`
	Samples         int     `json:"samples"`
	Seconds         float64 `json:"seconds"`
	MeanLoss        float64 `json:"mean_loss"`
	LastLoss        float64 `json:"last_loss"`
	StepMeanSeconds float64 `json:"step_mean_seconds"`
	StepP50Seconds  float64 `json:"step_p50_seconds"`
	StepP95Seconds  float64 `json:"step_p95_seconds"`
}

// Loop drives forward/backward, gradient synchronization (inside the model
// wrapper) and optimizer steps over a batch source.
type Loop[B Batch] struct {
	Rank      int
	Model     Model[B]
	Optimizer Optimizer
	Source    BatchSource[B]

	// OnFailure runs once when a step fails, before the error is returned.
	OnFailure func(err *TrainingStepError)

	globalStep int
	onStep     []hookWithName
}

func (l *Loop[B]) GlobalStep() int {
	return l.globalStep
}

// OnStep adds a named hook called after every successful step.
func (l *Loop[B]) OnStep(name string, fn StepHook) {
	l.onStep = append(l.onStep, hookWithName{name: name, fn: fn})
}

// TrainOneEpoch performs exactly one optimizer step per batch. The first
// failing step ends the epoch with a TrainingStepError.
func (l *Loop[B]) TrainOneEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	st := EpochStats{Epoch: epoch}
	if err := l.Source.Reset(epoch); err != nil {
		return st, err
	}
	total := l.Source.Len()
	start := time.Now()
	var durations []float64
	var lossSum float64

	fail := func(step int, err error) (EpochStats, error) {
		serr := &TrainingStepError{Rank: l.Rank, Epoch: epoch, Step: step, Err: err}
		if l.OnFailure != nil {
			l.OnFailure(serr)
		}
		st.Seconds = time.Since(start).Seconds()
		return st, serr
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return fail(step, err)
		}
		batch, err := l.Source.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(step, err)
		}

		stepStart := time.Now()
		loss, grads, err := l.Model.ForwardBackward(ctx, batch)
		if err != nil {
			return fail(step, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return fail(step, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss))
		}
		if err := l.Optimizer.Step(grads); err != nil {
			return fail(step, fmt.Errorf("optimizer step: %w", err))
		}
		stepDuration := time.Since(stepStart)
		l.globalStep++

		st.Steps++
		st.Samples += batch.Size()
		st.LastLoss = loss
		lossSum += loss
		durations = append(durations, stepDuration.Seconds())

		info := StepInfo{
			Rank:         l.Rank,
			Epoch:        epoch,
			Step:         step,
			GlobalStep:   l.globalStep,
			Steps:        total,
			Loss:         loss,
			LearningRate: l.Optimizer.LearningRate(),
			BatchSize:    batch.Size(),
			StepDuration: stepDuration,
			Elapsed:      time.Since(start),
		}
		for _, hook := range l.onStep {
			if err := hook.fn(info); err != nil {
				return fail(step, fmt.Errorf("step hook %q: %w", hook.name, err))
			}
		}
	}

	st.Seconds = time.Since(start).Seconds()
	if st.Steps > 0 {
		st.MeanLoss = lossSum / float64(st.Steps)
		st.StepMeanSeconds, _ = stats.Mean(durations)
		st.StepP50Seconds, _ = stats.Median(durations)
		st.StepP95Seconds, _ = stats.Percentile(durations, 95)
	}
	return st, nil
}

// LogHook emits "epoch=E step=S loss=L elapsed=T" every interval steps and on the last step.
func LogHook(log *logrus.Entry, interval int, level logrus.Level) StepHook {
	if interval <= 0 {
		interval = 1
	}
	return func(info StepInfo) error {
		if info.Step%interval != 0 && info.Step != info.Steps-1 {
			return nil
		}
		log.WithFields(logrus.Fields{
			"epoch": info.Epoch,
			"step":  info.Step,
		}).Logf(level, "epoch=%d step=%d/%d loss=%.6f lr=%.3e elapsed=%s",
			info.Epoch, info.Step, info.Steps, info.Loss, info.LearningRate, info.Elapsed.Round(time.Millisecond))
		return nil
	}
}
