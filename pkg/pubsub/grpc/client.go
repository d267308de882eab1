package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client attaches to a playback broker and delivers streamed messages into a
// callback.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
}

// NewClient returns a client with the given dial timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets the TLS config used when dialing.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// Subscribe opens a server-stream from addr and invokes onMsg for every
// message published on the requested topics (all topics when empty). It
// blocks until the stream ends or ctx is done.
func (c *Client) Subscribe(ctx context.Context, addr string, topics []string, onMsg func(topic string, data []byte)) error {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	cc, err := c.dialCtx(dctx, addr)
	cancel()
	if err != nil {
		return err
	}
	defer cc.Close()
	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/bagplay.v1.Playback/Subscribe")
	if err != nil {
		return err
	}
	req := &subscribeRequest{ClientID: uuid.NewString(), Topics: topics}
	if err := cs.SendMsg(req); err != nil {
		return err
	}
	// close-send errors are harmless for a server stream
	_ = cs.CloseSend()
	for {
		var m playbackMessage
		if err := cs.RecvMsg(&m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if onMsg != nil {
			onMsg(m.Topic, m.Data)
		}
	}
}
