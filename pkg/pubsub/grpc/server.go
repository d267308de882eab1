// Package grpc exposes playback publishing as a gRPC server-streaming
// service, so live subscribers can attach over the network. The service
// descriptor is hand-written against a JSON codec; no generated code.
package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	obsmetrics "github.com/Ayrton2718/rosbag-rviz-panel/pkg/observability/metrics"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
)

// wire types carried over the JSON codec.
type subscribeRequest struct {
	ClientID string   `json:"clientId,omitempty"`
	Topics   []string `json:"topics,omitempty"` // empty = all topics
}

type playbackMessage struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
	Seq   uint64 `json:"seq"`
}

// Server is a pubsub.Broker whose senders broadcast to connected stream
// subscribers.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	// mu guards srv and lis; Close races with senders broadcasting from the
	// worker goroutine.
	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server

	subs struct {
		mu  sync.Mutex
		set map[*streamSub]struct{}
		seq map[string]uint64
	}
}

type streamSub struct {
	ss     grpc.ServerStream
	id     string
	topics map[string]struct{} // nil = all topics
}

// NewServer prepares a broker server bound to addr. Call Start before
// creating senders.
func NewServer(bind string) *Server {
	s := &Server{bind: bind}
	s.subs.set = make(map[*streamSub]struct{})
	s.subs.seq = make(map[string]uint64)
	return s
}

// UseTLS enables TLS with the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// playbackServer defines the methods exposed by the streaming service.
type playbackServer interface {
	Subscribe(*subscribeRequest, Playback_SubscribeServer) error
}

// Playback_SubscribeServer is the server side of the subscription stream.
type Playback_SubscribeServer interface {
	Send(*playbackMessage) error
	grpc.ServerStream
}

type playbackImpl struct{ server *Server }

func (p *playbackImpl) Subscribe(req *subscribeRequest, stream Playback_SubscribeServer) error {
	sub := &streamSub{ss: stream}
	if req != nil {
		sub.id = req.ClientID
		if len(req.Topics) > 0 {
			sub.topics = make(map[string]struct{}, len(req.Topics))
			for _, t := range req.Topics {
				sub.topics[t] = struct{}{}
			}
		}
	}
	p.server.addSub(sub)
	defer p.server.removeSub(sub)
	// Hold the stream open until the client goes away.
	<-stream.Context().Done()
	return nil
}

var _Playback_serviceDesc = grpc.ServiceDesc{
	ServiceName: "bagplay.v1.Playback",
	HandlerType: (*playbackServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		Handler:       _Playback_Subscribe_Handler,
	}},
}

func _Playback_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(subscribeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(playbackServer).Subscribe(m, &playbackSubscribeServer{stream})
}

type playbackSubscribeServer struct{ grpc.ServerStream }

func (x *playbackSubscribeServer) Send(m *playbackMessage) error { return x.ServerStream.SendMsg(m) }

// Start binds the listener and serves until ctx is done, then stops
// gracefully with a short hard-stop fallback.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&_Playback_serviceDesc, &playbackImpl{server: s})
	s.mu.Lock()
	s.lis = lis
	s.srv = srv
	s.mu.Unlock()
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

// Addr returns the bound listen address (useful with ":0" binds).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

var _ pubsub.Broker = (*Server)(nil)

// CreateSender implements pubsub.Broker.
func (s *Server) CreateSender(topic string, td pubsub.TypeDescriptor, qos pubsub.QoS) (pubsub.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil, pubsub.ErrClosed
	}
	return &sender{server: s, topic: topic}, nil
}

// Close stops the gRPC server and closes the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, lis := s.srv, s.lis
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	srv.Stop()
	if lis != nil {
		_ = lis.Close()
	}
	return nil
}

type sender struct {
	server *Server
	topic  string
}

func (x *sender) Topic() string          { return x.topic }
func (x *sender) Send(data []byte) error { return x.server.broadcast(x.topic, data) }

func (s *Server) addSub(sub *streamSub) {
	s.subs.mu.Lock()
	s.subs.set[sub] = struct{}{}
	s.subs.mu.Unlock()
	obsmetrics.BrokerSubscribers.Inc()
}

func (s *Server) removeSub(sub *streamSub) {
	s.subs.mu.Lock()
	delete(s.subs.set, sub)
	s.subs.mu.Unlock()
	obsmetrics.BrokerSubscribers.Dec()
}

// broadcast sends one payload to every subscriber interested in the topic.
// Failed streams are evicted; delivery is best-effort.
func (s *Server) broadcast(topic string, data []byte) error {
	s.mu.Lock()
	closed := s.srv == nil
	s.mu.Unlock()
	if closed {
		return pubsub.ErrClosed
	}
	s.subs.mu.Lock()
	s.subs.seq[topic]++
	msg := &playbackMessage{Topic: topic, Data: data, Seq: s.subs.seq[topic]}
	sent := 0
	for sub := range s.subs.set {
		if sub.topics != nil {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		if err := sub.ss.SendMsg(msg); err == nil {
			sent++
		} else {
			delete(s.subs.set, sub)
		}
	}
	s.subs.mu.Unlock()
	obsmetrics.BrokerBroadcastTotal.WithLabelValues(topic).Add(float64(sent))
	return nil
}
