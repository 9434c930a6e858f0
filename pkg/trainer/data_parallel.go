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
	"fmt"
)

// Synchronizer sums values across the cohort and can release peers on failure.
// *dist.Group satisfies it.
type Synchronizer interface {
	AllReduceSum(ctx context.Context, vals []float64) ([]float64, error)
	Abort(reason string)
}

// DataParallel wraps a model so that each ForwardBackward returns the loss and
// gradient averaged over every example the cohort processed in this step. Each
// rank contributes in proportion to its batch size, so an empty batch from a
// rank whose shard ran out adds nothing. The all-reduce is a full barrier: no
// rank leaves step N before every rank contributed to it.
type DataParallel[B Batch] struct {
	Module Model[B]
	Sync   Synchronizer
}

func (d *DataParallel[B]) ForwardBackward(ctx context.Context, batch B) (float64, []float64, error) {
	loss, grads, err := d.Module.ForwardBackward(ctx, batch)
	if err != nil {
		// peers are blocked in this step's all-reduce; let them go
		d.Sync.Abort(fmt.Sprintf("forward/backward failed: %v", err))
		return 0, nil, err
	}
	n := float64(batch.Size())
	buf := make([]float64, 0, len(grads)+2)
	buf = append(buf, n, loss*n)
	for _, g := range grads {
		buf = append(buf, g*n)
	}
	reduced, err := d.Sync.AllReduceSum(ctx, buf)
	if err != nil {
		return 0, nil, fmt.Errorf("gradient all-reduce: %w", err)
	}
	total := reduced[0]
	out := reduced[2:]
	if total == 0 {
		return 0, out, nil
	}
	for i := range out {
		out[i] /= total
	}
	return reduced[1] / total, out, nil
}
