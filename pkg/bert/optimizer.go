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
package bert

import (
	"fmt"
	"math"
)

// AdamOptions are the BertAdam hyperparameters.
type AdamOptions struct {
	LR float64
	// Warmup is the fraction of TTotal spent warming up; -1 disables warmup.
	Warmup float64
	// TTotal is the total number of optimizer steps; -1 keeps the rate constant.
	TTotal      int
	MaxGradNorm float64
	WeightDecay float64
	B1          float64
	B2          float64
	Eps         float64
}

func DefaultAdamOptions() AdamOptions {
	return AdamOptions{
		LR:          1e-4,
		Warmup:      0.1,
		TTotal:      -1,
		MaxGradNorm: 1.0,
		WeightDecay: 0.01,
		B1:          0.9,
		B2:          0.999,
		Eps:         1e-6,
	}
}

// BertAdam is Adam without bias correction, with decoupled weight decay and a
// warmup_linear learning-rate schedule.
type BertAdam struct {
	opts    AdamOptions
	params  []float64
	noDecay []bool
	m       []float64
	v       []float64
	step    int
}

// NewBertAdam builds an optimizer over params, which it updates in place.
func NewBertAdam(params []float64, noDecay []bool, opts AdamOptions) (*BertAdam, error) {
	switch {
	case opts.LR < 0:
		return nil, fmt.Errorf("invalid learning rate %v", opts.LR)
	case opts.Warmup != -1 && (opts.Warmup < 0 || opts.Warmup >= 1):
		return nil, fmt.Errorf("invalid warmup %v, should be in [0.0, 1.0) or -1", opts.Warmup)
	case opts.B1 < 0 || opts.B1 >= 1:
		return nil, fmt.Errorf("invalid b1 %v", opts.B1)
	case opts.B2 < 0 || opts.B2 >= 1:
		return nil, fmt.Errorf("invalid b2 %v", opts.B2)
	case opts.Eps < 0:
		return nil, fmt.Errorf("invalid epsilon %v", opts.Eps)
	}
	if noDecay != nil && len(noDecay) != len(params) {
		return nil, fmt.Errorf("decay mask has %d entries for %d parameters", len(noDecay), len(params))
	}
	return &BertAdam{
		opts:    opts,
		params:  params,
		noDecay: noDecay,
		m:       make([]float64, len(params)),
		v:       make([]float64, len(params)),
	}, nil
}

func warmupLinear(progress, warmup float64) float64 {
	if progress < warmup {
		return progress / warmup
	}
	return math.Max((progress-1)/(warmup-1), 0)
}

// LearningRate is the scheduled rate for the next step.
func (a *BertAdam) LearningRate() float64 {
	if a.opts.TTotal <= 0 || a.opts.Warmup == -1 {
		return a.opts.LR
	}
	return a.opts.LR * warmupLinear(float64(a.step)/float64(a.opts.TTotal), a.opts.Warmup)
}

func (a *BertAdam) Steps() int {
	return a.step
}

func (a *BertAdam) Step(grads []float64) error {
	if len(grads) != len(a.params) {
		return fmt.Errorf("got %d gradients for %d parameters", len(grads), len(a.params))
	}
	scale := 1.0
	if a.opts.MaxGradNorm > 0 {
		var sq float64
		for _, g := range grads {
			sq += g * g
		}
		if norm := math.Sqrt(sq); norm > a.opts.MaxGradNorm {
			scale = a.opts.MaxGradNorm / norm
		}
	}
	lr := a.LearningRate()
	for i, g := range grads {
		g *= scale
		a.m[i] = a.opts.B1*a.m[i] + (1-a.opts.B1)*g
		a.v[i] = a.opts.B2*a.v[i] + (1-a.opts.B2)*g*g
		update := a.m[i] / (math.Sqrt(a.v[i]) + a.opts.Eps)
		if a.opts.WeightDecay > 0 && (a.noDecay == nil || !a.noDecay[i]) {
			update += a.opts.WeightDecay * a.params[i]
		}
		a.params[i] -= lr * update
	}
	a.step++
	return nil
}
