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
	"sync"
)

// The local backend runs every rank inside one process. Cohorts are keyed by
// their rendezvous endpoint so MASTER_ADDR/MASTER_PORT still select the group.
var localRegistry = struct {
	sync.Mutex
	cohorts map[string]*localCohort
}{cohorts: make(map[string]*localCohort)}

type localCohort struct {
	coord *coordinator
	refs  int
}

type localTransport struct {
	key   string
	coord *coordinator
}

func attachLocal(r rendezvous) *localTransport {
	key := r.target()
	localRegistry.Lock()
	defer localRegistry.Unlock()
	cohort, ok := localRegistry.cohorts[key]
	if !ok {
		cohort = &localCohort{coord: newCoordinator(r.world)}
		localRegistry.cohorts[key] = cohort
	}
	cohort.refs++
	return &localTransport{key: key, coord: cohort.coord}
}

func (t *localTransport) join(ctx context.Context, rank, world int) error {
	return t.coord.join(ctx, rank, world)
}

func (t *localTransport) allReduce(ctx context.Context, rank int, seq uint64, op string, vals []float64) ([]float64, error) {
	return t.coord.allReduce(ctx, rank, seq, op, vals)
}

func (t *localTransport) abort(_ context.Context, rank int, reason string) error {
	t.coord.abort(rank, reason)
	return nil
}

func (t *localTransport) close(ctx context.Context, rank int, clean bool) error {
	var err error
	if clean {
		t.coord.leave(rank)
		if rank == 0 {
			err = t.coord.waitLeft(ctx)
		}
	}

	localRegistry.Lock()
	defer localRegistry.Unlock()
	if cohort, ok := localRegistry.cohorts[t.key]; ok && cohort.coord == t.coord {
		cohort.refs--
		if cohort.refs <= 0 {
			delete(localRegistry.cohorts, t.key)
		}
	}
	return err
}
