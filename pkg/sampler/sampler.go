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
	"math/rand/v2"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/dist"
)

// ShardConfigError reports a sampler configuration that cannot partition the dataset.
type ShardConfigError struct {
	Rank      int
	WorldSize int
	Epoch     int
	Size      int
	Reason    string
}

func (e *ShardConfigError) Error() string {
	return fmt.Sprintf("%s: rank %d/%d epoch %d (dataset size %d): %s",
		consts.ComponentNameSampler, e.Rank, e.WorldSize, e.Epoch, e.Size, e.Reason)
}

type Options struct {
	Seed uint64
	// NoShuffle keeps indices in dataset order; each rank still gets one contiguous block.
	NoShuffle bool
}

// DistributedSampler assigns each rank a disjoint shard of [0, n) per epoch.
// For a fixed (seed, world size, epoch) all ranks compute the same permutation
// and take consecutive, balanced blocks of it, so the union of shards covers
// every index exactly once. Shard sizes differ by at most one.
type DistributedSampler struct {
	n     int
	id    dist.RunIdentity
	opts  Options
	epoch int
}

func New(n int, id dist.RunIdentity, opts Options) (*DistributedSampler, error) {
	s := &DistributedSampler{n: n, id: id, opts: opts}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DistributedSampler) validate() error {
	fail := func(reason string) error {
		return &ShardConfigError{Rank: s.id.Rank, WorldSize: s.id.WorldSize, Epoch: s.epoch, Size: s.n, Reason: reason}
	}
	switch {
	case s.id.WorldSize <= 0:
		return fail("world size must be positive")
	case s.id.Rank < 0 || s.id.Rank >= s.id.WorldSize:
		return fail("rank out of range")
	case s.n <= 0:
		return fail("dataset is empty")
	case s.id.WorldSize > s.n:
		return fail("more ranks than examples, some shards would be empty")
	}
	return nil
}

// SetEpoch must be called before each epoch so the permutation changes.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

func (s *DistributedSampler) Epoch() int {
	return s.epoch
}

func (s *DistributedSampler) Identity() dist.RunIdentity {
	return s.id
}

// bounds returns the [start, end) block of the permutation owned by rank.
func (s *DistributedSampler) bounds(rank int) (int, int) {
	base, extra := s.n/s.id.WorldSize, s.n%s.id.WorldSize
	start := rank*base + min(rank, extra)
	end := start + base
	if rank < extra {
		end++
	}
	return start, end
}

// Len is the number of indices this rank receives each epoch.
func (s *DistributedSampler) Len() int {
	start, end := s.bounds(s.id.Rank)
	return end - start
}

// Permutation is the epoch-wide ordering shared by all ranks.
func (s *DistributedSampler) Permutation() []int {
	if s.opts.NoShuffle {
		perm := make([]int, s.n)
		for i := range perm {
			perm[i] = i
		}
		return perm
	}
	r := rand.New(rand.NewPCG(s.opts.Seed, uint64(s.epoch)))
	return r.Perm(s.n)
}

// Indices returns the current epoch's shard for this rank.
func (s *DistributedSampler) Indices() []int {
	return s.ShardOf(s.id.Rank)
}

// ShardOf returns the current epoch's shard for any rank of the same world.
func (s *DistributedSampler) ShardOf(rank int) []int {
	start, end := s.bounds(rank)
	perm := s.Permutation()
	return append([]int(nil), perm[start:end]...)
}

// Batches splits the shard into micro-batches; the last batch may be shorter.
func (s *DistributedSampler) Batches(microBatch int) ([][]int, error) {
	if microBatch <= 0 {
		return nil, &ShardConfigError{Rank: s.id.Rank, WorldSize: s.id.WorldSize, Epoch: s.epoch, Size: s.n,
			Reason: fmt.Sprintf("micro batch size %d must be positive", microBatch)}
	}
	idx := s.Indices()
	batches := make([][]int, 0, (len(idx)+microBatch-1)/microBatch)
	for start := 0; start < len(idx); start += microBatch {
		batches = append(batches, idx[start:min(start+microBatch, len(idx))])
	}
	return batches, nil
}

// StepsPerEpoch is the cohort-wide step count: the batch count of the largest
// shard. Rank 0 always holds a largest shard, so every rank computes the same
// value without communicating.
func (s *DistributedSampler) StepsPerEpoch(microBatch int) int {
	if microBatch <= 0 {
		return 0
	}
	start, end := s.bounds(0)
	return (end - start + microBatch - 1) / microBatch
}

// NumBatches is the number of non-empty batches of this rank's shard.
func (s *DistributedSampler) NumBatches(microBatch int) int {
	if microBatch <= 0 {
		return 0
	}
	return (s.Len() + microBatch - 1) / microBatch
}
