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
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/scitix/bertbench/consts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func rankEnv(rank, world, port int) func(string) string {
	env := map[string]string{
		consts.EnvMasterAddr: "127.0.0.1",
		consts.EnvMasterPort: strconv.Itoa(port),
		consts.EnvRank:       strconv.Itoa(rank),
		consts.EnvWorldSize:  strconv.Itoa(world),
	}
	return func(k string) string { return env[k] }
}

// runCohort starts world ranks as goroutines and runs fn on each joined group.
func runCohort(t *testing.T, backend string, world int, timeout time.Duration, fn func(g *Group) error) []error {
	t.Helper()
	port := freePort(t)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g, err := Init(context.Background(), Options{
				Backend: backend,
				Getenv:      rankEnv(rank, world, port),
				Timeout:     timeout,
				JoinTimeout: 15 * time.Second,
			})
			if err != nil {
				errs[rank] = err
				return
			}
			defer g.Destroy()
			errs[rank] = fn(g)
		}(rank)
	}
	wg.Wait()
	return errs
}

func TestDiscover(t *testing.T) {
	r, err := discover(rankEnv(2, 4, 29500))
	require.NoError(t, err)
	assert.Equal(t, 2, r.rank)
	assert.Equal(t, 4, r.world)
	assert.Equal(t, "127.0.0.1:29500", r.target())

	slurm := map[string]string{
		consts.EnvMasterAddr:  "node-0",
		consts.EnvMasterPort:  "29500",
		consts.EnvSlurmProcID: "1",
		consts.EnvSlurmNTasks: "2",
		consts.EnvLocalRank:   "1",
	}
	r, err = discover(func(k string) string { return slurm[k] })
	require.NoError(t, err)
	assert.Equal(t, RunIdentity{Rank: 1, WorldSize: 2}, RunIdentity{Rank: r.rank, WorldSize: r.world})
	assert.Equal(t, 1, r.localRank)
}

func TestInitIncompleteEnvironment(t *testing.T) {
	cases := map[string]map[string]string{
		"no rank":        {consts.EnvWorldSize: "2", consts.EnvMasterAddr: "h", consts.EnvMasterPort: "1"},
		"rank too large": {consts.EnvRank: "2", consts.EnvWorldSize: "2", consts.EnvMasterAddr: "h", consts.EnvMasterPort: "1"},
		"no addr":        {consts.EnvRank: "0", consts.EnvWorldSize: "1", consts.EnvMasterPort: "1"},
		"bad port":       {consts.EnvRank: "0", consts.EnvWorldSize: "1", consts.EnvMasterAddr: "h", consts.EnvMasterPort: "99999"},
		"port not int":   {consts.EnvRank: "0", consts.EnvWorldSize: "1", consts.EnvMasterAddr: "h", consts.EnvMasterPort: "http"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Init(context.Background(), Options{
				Backend: consts.BackendLocal,
				Getenv:  func(k string) string { return env[k] },
			})
			var ierr *InitializationError
			require.True(t, errors.As(err, &ierr), "got %v", err)
			assert.Equal(t, "incomplete rendezvous environment", ierr.Reason)
		})
	}
}

func TestInitUnsupportedBackend(t *testing.T) {
	_, err := Init(context.Background(), Options{Backend: "mpi", Getenv: rankEnv(0, 1, 29500)})
	var ierr *InitializationError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "mpi", ierr.Backend)
}

func TestInitNCCLWithoutGPU(t *testing.T) {
	orig := gpuCount
	defer func() { gpuCount = orig }()

	gpuCount = func() (int, error) { return 0, nil }
	_, err := Init(context.Background(), Options{Backend: consts.BackendNCCL, Getenv: rankEnv(0, 1, freePort(t))})
	var ierr *InitializationError
	require.True(t, errors.As(err, &ierr))
	assert.Contains(t, err.Error(), "no GPU")

	gpuCount = func() (int, error) { return 0, fmt.Errorf("libnvidia-ml.so not found") }
	_, err = Init(context.Background(), Options{Backend: consts.BackendNCCL, Getenv: rankEnv(0, 1, freePort(t))})
	require.True(t, errors.As(err, &ierr))
}

func TestAllReduceMean(t *testing.T) {
	for _, backend := range []string{consts.BackendLocal, consts.BackendGloo} {
		t.Run(backend, func(t *testing.T) {
			const world = 4
			results := make([][]float64, world)
			errs := runCohort(t, backend, world, 10*time.Second, func(g *Group) error {
				id := g.Identity()
				var out []float64
				for step := 0; step < 3; step++ {
					var err error
					out, err = g.AllReduceMean(context.Background(), []float64{float64(id.Rank), float64(step)})
					if err != nil {
						return err
					}
				}
				results[id.Rank] = out
				return g.Barrier(context.Background())
			})
			for rank, err := range errs {
				require.NoError(t, err, "rank %d", rank)
			}
			for rank := 0; rank < world; rank++ {
				assert.Equal(t, []float64{1.5, 2}, results[rank])
			}
		})
	}
}

func TestAllReduceSum(t *testing.T) {
	errs := runCohort(t, consts.BackendLocal, 3, 5*time.Second, func(g *Group) error {
		out, err := g.AllReduceSum(context.Background(), []float64{1})
		if err != nil {
			return err
		}
		if out[0] != 3 {
			return fmt.Errorf("rank %d got %v", g.Identity().Rank, out)
		}
		return nil
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestStragglerTimesOutEveryRank(t *testing.T) {
	for _, backend := range []string{consts.BackendLocal, consts.BackendGloo} {
		t.Run(backend, func(t *testing.T) {
			start := time.Now()
			errs := runCohort(t, backend, 3, 500*time.Millisecond, func(g *Group) error {
				if g.Identity().Rank == 2 {
					// hangs past the collective timeout
					time.Sleep(1500 * time.Millisecond)
				}
				_, err := g.AllReduceMean(context.Background(), []float64{1})
				return err
			})
			for rank, err := range errs {
				require.Error(t, err, "rank %d", rank)
				assert.True(t, IsPeerUnavailable(err), "rank %d: %v", rank, err)
			}
			assert.Less(t, time.Since(start), 10*time.Second)
		})
	}
}

func TestAbortReleasesPeers(t *testing.T) {
	for _, backend := range []string{consts.BackendLocal, consts.BackendGloo} {
		t.Run(backend, func(t *testing.T) {
			errs := runCohort(t, backend, 3, 30*time.Second, func(g *Group) error {
				if g.Identity().Rank == 1 {
					g.Abort("step 4 produced NaN loss")
					return nil
				}
				start := time.Now()
				_, err := g.AllReduceMean(context.Background(), []float64{1})
				if time.Since(start) > 10*time.Second {
					return fmt.Errorf("abort took %s to propagate", time.Since(start))
				}
				return err
			})
			assert.NoError(t, errs[1])
			for _, rank := range []int{0, 2} {
				var perr *PeerUnavailableError
				require.True(t, errors.As(errs[rank], &perr), "rank %d: %v", rank, errs[rank])
				assert.Equal(t, rank, perr.Rank)
			}
		})
	}
}

func TestMismatchedContributionAborts(t *testing.T) {
	errs := runCohort(t, consts.BackendLocal, 2, 5*time.Second, func(g *Group) error {
		vals := []float64{1}
		if g.Identity().Rank == 1 {
			vals = []float64{1, 2}
		}
		_, err := g.AllReduceMean(context.Background(), vals)
		return err
	})
	for _, err := range errs {
		assert.True(t, IsPeerUnavailable(err), "%v", err)
	}
}

func TestRendezvousTimeout(t *testing.T) {
	port := freePort(t)
	_, err := Init(context.Background(), Options{
		Backend: consts.BackendGloo,
		Getenv:  rankEnv(0, 2, port),
		Timeout: 300 * time.Millisecond,
	})
	var ierr *InitializationError
	require.True(t, errors.As(err, &ierr), "got %v", err)
	assert.Equal(t, "rendezvous", ierr.Reason)
}

func TestDestroyRunsOnce(t *testing.T) {
	errs := runCohort(t, consts.BackendLocal, 2, 5*time.Second, func(g *Group) error {
		if err := g.Barrier(context.Background()); err != nil {
			return err
		}
		first := g.Destroy()
		second := g.Destroy()
		if first != second {
			return fmt.Errorf("destroy returned %v then %v", first, second)
		}
		return first
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCollectiveAfterAbortFails(t *testing.T) {
	errs := runCohort(t, consts.BackendLocal, 1, time.Second, func(g *Group) error {
		g.Abort("operator interrupt")
		_, err := g.AllReduceMean(context.Background(), []float64{1})
		if !IsPeerUnavailable(err) {
			return fmt.Errorf("expected peer unavailable, got %v", err)
		}
		return nil
	})
	assert.NoError(t, errs[0])
}

func TestInterfaceAddrLoopback(t *testing.T) {
	ip, err := interfaceAddr("lo")
	if err != nil {
		t.Skipf("loopback interface not inspectable here: %v", err)
	}
	assert.Equal(t, "127.0.0.1", ip)
}

func TestCoordinatorServiceHandlers(t *testing.T) {
	srv := &grpcCoordinator{coord: newCoordinator(1)}
	handlers := make(map[string]methodHandler)
	for _, m := range coordinatorServiceDesc.Methods {
		handlers[m.MethodName] = m.Handler
	}
	decode := func(req interface{}) func(interface{}) error {
		data, err := jsonCodec{}.Marshal(req)
		require.NoError(t, err)
		return func(v interface{}) error { return jsonCodec{}.Unmarshal(data, v) }
	}
	ctx := context.Background()

	_, err := handlers["Join"](srv, ctx, decode(&JoinRequest{Rank: 0, WorldSize: 1}), nil)
	require.NoError(t, err)

	var intercepted string
	interceptor := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		intercepted = info.FullMethod
		return handler(ctx, req)
	}
	out, err := handlers["AllReduce"](srv, ctx, decode(&AllReduceRequest{Rank: 0, Seq: 0, Op: opSum, Values: []float64{1, 2}}), interceptor)
	require.NoError(t, err)
	assert.Equal(t, methodAllReduce, intercepted)
	assert.Equal(t, []float64{1, 2}, out.(*AllReduceResponse).Values)

	_, err = handlers["Join"](srv, ctx, func(interface{}) error { return errors.New("bad frame") }, nil)
	assert.EqualError(t, err, "bad frame")
}
