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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const coordinatorService = "bertbench.dist.Coordinator"

const (
	methodJoin      = "/" + coordinatorService + "/Join"
	methodAllReduce = "/" + coordinatorService + "/AllReduce"
	methodAbort     = "/" + coordinatorService + "/Abort"
	methodLeave     = "/" + coordinatorService + "/Leave"
)

type JoinRequest struct {
	Rank      int    `json:"rank"`
	WorldSize int    `json:"world_size"`
	Host      string `json:"host,omitempty"`
}

type AllReduceRequest struct {
	Rank   int       `json:"rank"`
	Seq    uint64    `json:"seq"`
	Op     string    `json:"op"`
	Values []float64 `json:"values"`
}

type AllReduceResponse struct {
	Values []float64 `json:"values"`
}

type AbortRequest struct {
	Rank   int    `json:"rank"`
	Reason string `json:"reason"`
}

type LeaveRequest struct {
	Rank int `json:"rank"`
}

type Empty struct{}

// jsonCodec lets the coordinator speak gRPC without generated protobuf stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

type coordinatorServer interface {
	Join(context.Context, *JoinRequest) (*Empty, error)
	AllReduce(context.Context, *AllReduceRequest) (*AllReduceResponse, error)
	Abort(context.Context, *AbortRequest) (*Empty, error)
	Leave(context.Context, *LeaveRequest) (*Empty, error)
}

// methodHandler matches grpc.MethodDesc.Handler, whose named type grpc does not export.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler[Req any, Resp any](method string, call func(coordinatorServer, context.Context, *Req) (*Resp, error)) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(coordinatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(coordinatorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: unaryHandler(methodJoin, coordinatorServer.Join)},
		{MethodName: "AllReduce", Handler: unaryHandler(methodAllReduce, coordinatorServer.AllReduce)},
		{MethodName: "Abort", Handler: unaryHandler(methodAbort, coordinatorServer.Abort)},
		{MethodName: "Leave", Handler: unaryHandler(methodLeave, coordinatorServer.Leave)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bertbench/dist",
}

// grpcCoordinator exposes a coordinator over gRPC; rank 0 hosts it.
type grpcCoordinator struct {
	coord *coordinator
}

func (s *grpcCoordinator) Join(ctx context.Context, in *JoinRequest) (*Empty, error) {
	logrus.WithField("component", "dist").Debugf("rank %d joining from %s", in.Rank, in.Host)
	if err := s.coord.join(ctx, in.Rank, in.WorldSize); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *grpcCoordinator) AllReduce(ctx context.Context, in *AllReduceRequest) (*AllReduceResponse, error) {
	out, err := s.coord.allReduce(ctx, in.Rank, in.Seq, in.Op, in.Values)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AllReduceResponse{Values: out}, nil
}

func (s *grpcCoordinator) Abort(_ context.Context, in *AbortRequest) (*Empty, error) {
	s.coord.abort(in.Rank, in.Reason)
	return &Empty{}, nil
}

func (s *grpcCoordinator) Leave(_ context.Context, in *LeaveRequest) (*Empty, error) {
	s.coord.leave(in.Rank)
	return &Empty{}, nil
}

func toStatus(err error) error {
	var ca *cohortAbort
	switch {
	case errors.As(err, &ca):
		return status.Error(codes.Aborted, ca.Error())
	case errors.Is(err, errInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// grpcTransport is a star: every rank, rank 0 included, is a client of the
// coordinator served by rank 0 on MASTER_ADDR:MASTER_PORT.
type grpcTransport struct {
	rank   int
	host   string
	conn   *grpc.ClientConn
	server *grpc.Server
	coord  *coordinator
}

func newGRPCTransport(r rendezvous) (*grpcTransport, error) {
	t := &grpcTransport{rank: r.rank, host: r.addr}
	if r.rank == 0 {
		bindHost := ""
		if r.ifname != "" {
			ip, err := interfaceAddr(r.ifname)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", r.ifname, err)
			}
			bindHost = ip
		}
		lis, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(r.port)))
		if err != nil {
			return nil, fmt.Errorf("listen for rendezvous: %w", err)
		}
		t.coord = newCoordinator(r.world)
		t.server = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
		t.server.RegisterService(&coordinatorServiceDesc, &grpcCoordinator{coord: t.coord})
		go func() {
			if err := t.server.Serve(lis); err != nil {
				logrus.WithField("component", "dist").Errorf("coordinator stopped: %v", err)
			}
		}()
	}

	conn, err := grpc.NewClient(r.target(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   3 * time.Second,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
	)
	if err != nil {
		t.stopServer()
		return nil, fmt.Errorf("dial %s: %w", r.target(), err)
	}
	t.conn = conn
	return t, nil
}

func (t *grpcTransport) join(ctx context.Context, rank, world int) error {
	// rank 0 may still be starting its listener; wait for the channel instead of failing fast
	return t.conn.Invoke(ctx, methodJoin, &JoinRequest{Rank: rank, WorldSize: world, Host: t.host}, &Empty{}, grpc.WaitForReady(true))
}

func (t *grpcTransport) allReduce(ctx context.Context, rank int, seq uint64, op string, vals []float64) ([]float64, error) {
	out := &AllReduceResponse{}
	if err := t.conn.Invoke(ctx, methodAllReduce, &AllReduceRequest{Rank: rank, Seq: seq, Op: op, Values: vals}, out); err != nil {
		return nil, err
	}
	if out.Values == nil {
		out.Values = []float64{}
	}
	return out.Values, nil
}

func (t *grpcTransport) abort(ctx context.Context, rank int, reason string) error {
	if t.coord != nil {
		t.coord.abort(rank, reason)
		return nil
	}
	return t.conn.Invoke(ctx, methodAbort, &AbortRequest{Rank: rank, Reason: reason}, &Empty{})
}

func (t *grpcTransport) close(ctx context.Context, rank int, clean bool) error {
	var err error
	if clean {
		err = t.conn.Invoke(ctx, methodLeave, &LeaveRequest{Rank: rank}, &Empty{})
		if err == nil && t.coord != nil {
			err = t.coord.waitLeft(ctx)
		}
	}
	if cerr := t.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	t.stopServer()
	return err
}

func (t *grpcTransport) stopServer() {
	if t.server == nil {
		return
	}
	select {
	case <-t.coord.leftC:
	default:
		// release ranks still blocked in a collective
		t.coord.abort(t.rank, "coordinator shutting down")
	}
	stopped := make(chan struct{})
	go func() {
		t.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.server.Stop()
	}
}
