package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/tpatki/flux-core/pkg/groups"
)

// Client implements groups.Watcher against a Groups.Watch gRPC endpoint.
type Client struct {
	addr   string
	tlsCfg *tls.Config
}

// NewClient returns a Client dialing addr on every Subscribe call.
func NewClient(addr string) *Client { return &Client{addr: addr} }

// UseTLS enables TLS using the provided config.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
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
	return grpc.DialContext(ctx, c.addr, opts...)
}

// Subscribe opens a Groups.Watch stream for name. The returned channel is
// closed when the stream ends; callers re-subscribe to resume, matching
// the monitor's "best effort, re-diff on next snapshot" retry policy.
func (c *Client) Subscribe(ctx context.Context, name string) (<-chan groups.Snapshot, error) {
	cc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/cluster.v1.Groups/Watch")
	if err != nil {
		cc.Close()
		return nil, err
	}
	if err := cs.SendMsg(&watchReq{Name: name}); err != nil {
		cc.Close()
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		// server-streaming half-close errors are not fatal
		_ = err
	}

	out := make(chan groups.Snapshot, 16)
	go func() {
		defer close(out)
		defer cc.Close()
		for {
			var m watchMsg
			if err := cs.RecvMsg(&m); err != nil {
				return
			}
			select {
			case out <- groups.Snapshot{Members: m.Members}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ groups.Watcher = (*Client)(nil)
