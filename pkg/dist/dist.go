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
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/scitix/bertbench/consts"

	"github.com/sirupsen/logrus"
)

// RunIdentity is the calling process's place in the cohort.
type RunIdentity struct {
	Rank      int `json:"rank"`
	WorldSize int `json:"world_size"`
}

func (id RunIdentity) IsMaster() bool {
	return id.Rank == 0
}

type Options struct {
	// Backend is one of nccl, gloo or local.
	Backend string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Timeout bounds every collective. Defaults to consts.DefaultCollectiveTimeout.
	Timeout time.Duration
	// JoinTimeout bounds the rendezvous. Defaults to Timeout.
	JoinTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.Timeout <= 0 {
		o.Timeout = consts.DefaultCollectiveTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = o.Timeout
	}
	return o
}

type transport interface {
	join(ctx context.Context, rank, world int) error
	allReduce(ctx context.Context, rank int, seq uint64, op string, vals []float64) ([]float64, error)
	abort(ctx context.Context, rank int, reason string) error
	close(ctx context.Context, rank int, clean bool) error
}

// Group is the communication group of one rank. It must be released with
// Destroy on every exit path; Destroy is safe to call more than once.
type Group struct {
	id      RunIdentity
	backend string
	timeout time.Duration
	tr      transport
	log     *logrus.Entry

	// opMu serializes collectives; mu guards seq and abortErr.
	opMu     sync.Mutex
	mu       sync.Mutex
	seq      uint64
	abortErr error

	destroyOnce sync.Once
	destroyErr  error
}

// Init blocks until every rank of the cohort has joined, then returns the group.
func Init(ctx context.Context, opts Options) (*Group, error) {
	opts = opts.withDefaults()
	r, err := discover(opts.Getenv)
	if err != nil {
		return nil, &InitializationError{Backend: opts.Backend, Reason: "incomplete rendezvous environment", Err: err}
	}

	var tr transport
	switch opts.Backend {
	case consts.BackendNCCL, consts.BackendGloo:
		if opts.Backend == consts.BackendNCCL {
			if err := checkNCCL(r.localRank); err != nil {
				return nil, &InitializationError{Backend: opts.Backend, Reason: "backend unavailable on this host", Err: err}
			}
		}
		gt, err := newGRPCTransport(r)
		if err != nil {
			return nil, &InitializationError{Backend: opts.Backend, Reason: "transport setup", Err: err}
		}
		tr = gt
	case consts.BackendLocal:
		tr = attachLocal(r)
	default:
		return nil, &InitializationError{Backend: opts.Backend, Reason: "unsupported backend"}
	}

	log := logrus.WithFields(logrus.Fields{"component": consts.ComponentNameDist, "rank": r.rank})
	log.Debugf("joining %s group at %s (world size %d)", opts.Backend, r.target(), r.world)

	if _, err := callWithTimeout(ctx, opts.JoinTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, tr.join(ctx, r.rank, r.world)
	}); err != nil {
		cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
		defer ccancel()
		_ = tr.abort(cctx, r.rank, "rendezvous failed")
		_ = tr.close(cctx, r.rank, false)
		return nil, &InitializationError{Backend: opts.Backend, Reason: "rendezvous", Err: err}
	}
	log.Infof("joined %s group at %s as rank %d of %d", opts.Backend, r.target(), r.rank, r.world)

	return &Group{
		id:      RunIdentity{Rank: r.rank, WorldSize: r.world},
		backend: opts.Backend,
		timeout: opts.Timeout,
		tr:      tr,
		log:     log,
	}, nil
}

func (g *Group) Identity() RunIdentity {
	return g.id
}

func (g *Group) Backend() string {
	return g.backend
}

// AllReduceMean returns the element-wise mean of vals across all ranks.
// Every rank receives the identical result.
func (g *Group) AllReduceMean(ctx context.Context, vals []float64) ([]float64, error) {
	return g.collective(ctx, opMean, vals)
}

// AllReduceSum returns the element-wise sum of vals across all ranks.
func (g *Group) AllReduceSum(ctx context.Context, vals []float64) ([]float64, error) {
	return g.collective(ctx, opSum, vals)
}

// Barrier returns once every rank has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.collective(ctx, opSum, []float64{})
	return err
}

func (g *Group) collective(ctx context.Context, op string, vals []float64) ([]float64, error) {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.Lock()
	if g.abortErr != nil {
		defer g.mu.Unlock()
		return nil, g.abortErr
	}
	seq := g.seq
	g.seq++
	g.mu.Unlock()

	out, err := callWithTimeout(ctx, g.timeout, func(ctx context.Context) ([]float64, error) {
		return g.tr.allReduce(ctx, g.id.Rank, seq, op, vals)
	})
	if err != nil {
		perr := &PeerUnavailableError{Rank: g.id.Rank, Op: "all-reduce " + op, Seq: seq, Err: err}
		g.mu.Lock()
		if g.abortErr == nil {
			g.abortErr = perr
		}
		g.mu.Unlock()
		g.notifyAbort(fmt.Sprintf("rank %d failed %s #%d: %v", g.id.Rank, op, seq, err))
		g.log.Errorf("collective failed, cohort aborted: %v", err)
		return nil, perr
	}
	return out, nil
}

// Abort tells every peer to give up; their pending and future collectives
// fail with PeerUnavailableError.
func (g *Group) Abort(reason string) {
	g.mu.Lock()
	if g.abortErr == nil {
		g.abortErr = &PeerUnavailableError{Rank: g.id.Rank, Op: "abort", Seq: g.seq, Err: errors.New(reason)}
	}
	g.mu.Unlock()
	g.notifyAbort(reason)
}

func (g *Group) notifyAbort(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.tr.abort(ctx, g.id.Rank, reason); err != nil {
		g.log.Debugf("abort notification not delivered: %v", err)
	}
}

func (g *Group) Aborted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortErr != nil
}

// Destroy leaves the group. Rank 0 keeps the rendezvous alive until every
// peer has left or the collective timeout expires.
func (g *Group) Destroy() error {
	g.destroyOnce.Do(func() {
		clean := !g.Aborted()
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		g.destroyErr = g.tr.close(ctx, g.id.Rank, clean)
		if g.destroyErr != nil {
			g.log.Warnf("destroy group: %v", g.destroyErr)
		} else {
			g.log.Debugf("left %s group", g.backend)
		}
	})
	return g.destroyErr
}

// callWithTimeout runs fn under a deadline and returns early when the deadline
// passes even if fn does not observe its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan T, 1)
	errChan := make(chan error, 1)
	go func() {
		result, err := fn(ctx)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- result
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	case err := <-errChan:
		return zero, err
	case result := <-resultChan:
		return result, nil
	}
}
