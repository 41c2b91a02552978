// Package grpc exposes a streaming "cluster.v1.Groups/Watch" service,
// adapted from the teacher's hand-written Replication.Subscribe streaming
// service (pkg/transport/grpc/server.go): same subscriber bookkeeping,
// JSON codec and keepalive settings, repurposed to push group-membership
// snapshots instead of replication messages.
package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/tpatki/flux-core/pkg/groups"
	obsmetrics "github.com/tpatki/flux-core/pkg/observability/metrics"
)

// Server implements a Groups.Watch streaming endpoint over gRPC with a
// JSON codec, so a monitor on one process can watch group snapshots
// produced by another without a protobuf build step.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config

	mu   sync.Mutex
	subs map[string]map[*watchSub]struct{}
}

// NewServer returns an unstarted Server bound to bind.
func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type watchReq struct {
	Name string `json:"name"`
}

type watchMsg struct {
	Members string `json:"members"`
}

type watchSub struct {
	ss   grpc.ServerStream
	name string
}

type Groups_WatchServer interface {
	Send(*watchMsg) error
	grpc.ServerStream
}

type groupsServer interface {
	Watch(*watchReq, Groups_WatchServer) error
}

type groupsImpl struct{ server *Server }

func (g *groupsImpl) Watch(req *watchReq, stream Groups_WatchServer) error {
	if req == nil {
		req = &watchReq{}
	}
	sub := &watchSub{ss: stream, name: req.Name}
	g.server.addSub(sub)
	defer g.server.removeSub(sub)
	<-stream.Context().Done()
	return nil
}

var _Groups_serviceDesc = grpc.ServiceDesc{
	ServiceName: "cluster.v1.Groups",
	HandlerType: (*groupsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler:       _Groups_Watch_Handler,
	}},
}

func _Groups_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(watchReq)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(groupsServer).Watch(m, &groupsWatchServer{stream})
}

type groupsWatchServer struct{ grpc.ServerStream }

func (x *groupsWatchServer) Send(m *watchMsg) error { return x.ServerStream.SendMsg(m) }

// Start begins serving the Groups.Watch service on the server's bind
// address.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv
	s.mu.Lock()
	s.subs = make(map[string]map[*watchSub]struct{})
	s.mu.Unlock()
	srv.RegisterService(&_Groups_serviceDesc, &groupsImpl{server: s})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.bind }

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

func (s *Server) addSub(sub *watchSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]map[*watchSub]struct{})
	}
	if s.subs[sub.name] == nil {
		s.subs[sub.name] = make(map[*watchSub]struct{})
	}
	s.subs[sub.name][sub] = struct{}{}
	obsmetrics.ReplicationSubs.Inc()
}

func (s *Server) removeSub(sub *watchSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.name] == nil {
		return
	}
	delete(s.subs[sub.name], sub)
	obsmetrics.ReplicationSubs.Dec()
}

// Push delivers a new snapshot to every subscriber currently watching
// name. Returns the number of subscribers reached.
func (s *Server) Push(name string, snap groups.Snapshot) int {
	s.mu.Lock()
	subs := s.subs[name]
	targets := make([]*watchSub, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	msg := &watchMsg{Members: snap.Members}
	cnt := 0
	for _, sub := range targets {
		if err := sub.ss.SendMsg(msg); err == nil {
			cnt++
		} else {
			s.removeSub(sub)
		}
	}
	return cnt
}
