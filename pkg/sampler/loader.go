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
package sampler

import (
	"fmt"
	"io"
)

// Dataset is random-access storage of training examples.
type Dataset[T any] interface {
	Len() int
	Get(i int) (T, error)
}

// Batch is one micro-batch of examples.
type Batch[T any] struct {
	Epoch    int
	Index    int
	Indices  []int
	Examples []T
}

func (b Batch[T]) Size() int {
	return len(b.Examples)
}

// Loader yields the micro-batches of one rank's shard. Every rank yields
// StepsPerEpoch batches per epoch; a rank with a shorter shard yields empty
// batches once its shard is exhausted so that collectives stay aligned.
type Loader[T any] struct {
	data       Dataset[T]
	sampler    *DistributedSampler
	microBatch int

	batches [][]int
	steps   int
	next    int
}

func NewLoader[T any](data Dataset[T], s *DistributedSampler, microBatch int) (*Loader[T], error) {
	if data.Len() != s.n {
		return nil, &ShardConfigError{Rank: s.id.Rank, WorldSize: s.id.WorldSize, Epoch: s.epoch, Size: s.n,
			Reason: fmt.Sprintf("sampler sized for %d examples but dataset holds %d", s.n, data.Len())}
	}
	l := &Loader[T]{data: data, sampler: s, microBatch: microBatch}
	if err := l.Reset(s.Epoch()); err != nil {
		return nil, err
	}
	return l, nil
}

// Reset threads the epoch into the sampler and rewinds.
func (l *Loader[T]) Reset(epoch int) error {
	l.sampler.SetEpoch(epoch)
	batches, err := l.sampler.Batches(l.microBatch)
	if err != nil {
		return err
	}
	l.batches = batches
	l.steps = l.sampler.StepsPerEpoch(l.microBatch)
	l.next = 0
	return nil
}

// Len is the number of batches per epoch, identical on every rank.
func (l *Loader[T]) Len() int {
	return l.steps
}

// Yield returns the next batch, or io.EOF after Len batches.
func (l *Loader[T]) Yield() (Batch[T], error) {
	if l.next >= l.steps {
		return Batch[T]{}, io.EOF
	}
	var idx []int
	if l.next < len(l.batches) {
		idx = l.batches[l.next]
	}
	b := Batch[T]{Epoch: l.sampler.Epoch(), Index: l.next, Indices: idx, Examples: make([]T, 0, len(idx))}
	for _, i := range idx {
		ex, err := l.data.Get(i)
		if err != nil {
			return Batch[T]{}, fmt.Errorf("load example %d: %w", i, err)
		}
		b.Examples = append(b.Examples, ex)
	}
	l.next++
	return b, nil
}
