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
package dist

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const (
	opSum  = "sum"
	opMean = "mean"
)

// coordinator holds the cohort state behind every backend: who joined, the
// in-flight reduction rounds keyed by sequence number, and the abort latch.
type coordinator struct {
	world int

	mu      sync.Mutex
	joined  map[int]bool
	joinedC chan struct{}
	left    map[int]bool
	leftC   chan struct{}
	rounds  map[uint64]*round

	abortC   chan struct{}
	abortErr *cohortAbort
}

type round struct {
	op      string
	sum     []float64
	arrived map[int]bool
	pending int
	done    chan struct{}
	result  []float64
}

func newCoordinator(world int) *coordinator {
	return &coordinator{
		world:   world,
		joined:  make(map[int]bool, world),
		joinedC: make(chan struct{}),
		left:    make(map[int]bool, world),
		leftC:   make(chan struct{}),
		rounds:  make(map[uint64]*round),
		abortC:  make(chan struct{}),
	}
}

func (c *coordinator) join(ctx context.Context, rank, world int) error {
	c.mu.Lock()
	if c.abortErr != nil {
		defer c.mu.Unlock()
		return c.abortErr
	}
	if world != c.world {
		c.mu.Unlock()
		return fmt.Errorf("%w: rank %d reports world size %d, cohort has %d", errInvalid, rank, world, c.world)
	}
	if rank < 0 || rank >= c.world {
		c.mu.Unlock()
		return fmt.Errorf("%w: rank %d outside [0, %d)", errInvalid, rank, c.world)
	}
	if c.joined[rank] {
		c.mu.Unlock()
		return fmt.Errorf("%w: rank %d joined twice", errInvalid, rank)
	}
	c.joined[rank] = true
	if len(c.joined) == c.world {
		close(c.joinedC)
	}
	c.mu.Unlock()

	select {
	case <-c.joinedC:
		return nil
	case <-c.abortC:
		return c.abortError()
	case <-ctx.Done():
		c.mu.Lock()
		n := len(c.joined)
		c.mu.Unlock()
		c.abort(rank, fmt.Sprintf("rendezvous timed out with %d of %d ranks joined", n, c.world))
		return c.abortError()
	}
}

func (c *coordinator) allReduce(ctx context.Context, rank int, seq uint64, op string, vals []float64) ([]float64, error) {
	c.mu.Lock()
	if c.abortErr != nil {
		defer c.mu.Unlock()
		return nil, c.abortErr
	}
	if !c.joined[rank] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d has not joined", errInvalid, rank)
	}
	r, ok := c.rounds[seq]
	if !ok {
		r = &round{
			op:      op,
			sum:     make([]float64, len(vals)),
			arrived: make(map[int]bool, c.world),
			pending: c.world,
			done:    make(chan struct{}),
		}
		c.rounds[seq] = r
	}
	if r.op != op || len(r.sum) != len(vals) {
		c.abortLocked(rank, fmt.Sprintf("rank %d sent %s of length %d to round %d, expected %s of length %d",
			rank, op, len(vals), seq, r.op, len(r.sum)))
		defer c.mu.Unlock()
		return nil, c.abortErr
	}
	if r.arrived[rank] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d contributed twice to round %d", errInvalid, rank, seq)
	}
	r.arrived[rank] = true
	for i, v := range vals {
		r.sum[i] += v
	}
	if len(r.arrived) == c.world {
		r.result = r.sum
		if r.op == opMean {
			for i := range r.result {
				r.result[i] /= float64(c.world)
			}
		}
		close(r.done)
	}
	c.mu.Unlock()

	select {
	case <-r.done:
		c.mu.Lock()
		r.pending--
		if r.pending == 0 {
			delete(c.rounds, seq)
		}
		c.mu.Unlock()
		return append([]float64(nil), r.result...), nil
	case <-c.abortC:
		return nil, c.abortError()
	case <-ctx.Done():
		c.mu.Lock()
		missing := c.missingLocked(r)
		c.mu.Unlock()
		c.abort(rank, fmt.Sprintf("timed out in %s round %d waiting for ranks %v", op, seq, missing))
		return nil, c.abortError()
	}
}

func (c *coordinator) missingLocked(r *round) []int {
	var missing []int
	for rank := 0; rank < c.world; rank++ {
		if !r.arrived[rank] {
			missing = append(missing, rank)
		}
	}
	sort.Ints(missing)
	return missing
}

func (c *coordinator) abort(rank int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked(rank, reason)
}

func (c *coordinator) abortLocked(rank int, reason string) {
	if c.abortErr != nil {
		return
	}
	c.abortErr = &cohortAbort{Rank: rank, Reason: reason}
	close(c.abortC)
}

func (c *coordinator) abortError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortErr
}

func (c *coordinator) leave(rank int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left[rank] {
		return
	}
	c.left[rank] = true
	if len(c.left) == c.world {
		close(c.leftC)
	}
}

// waitLeft blocks until every rank has left, the cohort aborted, or ctx ends.
func (c *coordinator) waitLeft(ctx context.Context) error {
	select {
	case <-c.leftC:
		return nil
	case <-c.abortC:
		return c.abortError()
	case <-ctx.Done():
		return ctx.Err()
	}
}
