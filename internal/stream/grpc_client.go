package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"fleet-telemetry-agent/internal/model"
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCClient pushes frames over two client-streaming RPCs using a JSON
// codec, so the backend needs no generated stubs.
type GRPCClient struct {
	mu sync.Mutex

	logger      *slog.Logger
	addr        string
	tlsConfig   *tls.Config
	token       string
	nodeID      string
	tickMethod  string
	alertMethod string
	conn        *grpc.ClientConn
	tickStream  grpc.ClientStream
	alertStream grpc.ClientStream
	// streams outlive any single send; cancelled on Close.
	streamCtx    context.Context
	streamCancel context.CancelFunc
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, token, nodeID, tickMethod, alertMethod string, logger *slog.Logger) *GRPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCClient{
		logger:       logger,
		addr:         addr,
		tlsConfig:    tlsCfg,
		token:        token,
		nodeID:       nodeID,
		tickMethod:   tickMethod,
		alertMethod:  alertMethod,
		streamCtx:    ctx,
		streamCancel: cancel,
	}
}

func (c *GRPCClient) SendTick(ctx context.Context, snap model.TickSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, &c.tickStream, c.tickMethod, NewTickFrame(snap))
}

func (c *GRPCClient) SendAlert(ctx context.Context, alert model.CrashAlert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, &c.alertStream, c.alertMethod, NewAlertFrame(c.nodeID, alert))
}

func (c *GRPCClient) sendLocked(ctx context.Context, stream *grpc.ClientStream, method string, frame any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ensureConnLocked(); err != nil {
		return err
	}
	if *stream == nil {
		s, err := c.openStreamLocked(method)
		if err != nil {
			return err
		}
		*stream = s
	}
	if err := (*stream).SendMsg(frame); err != nil {
		c.logger.Warn("grpc send failed, reopening stream", "method", method, "error", err)
		*stream = nil
		s, err2 := c.openStreamLocked(method)
		if err2 != nil {
			return fmt.Errorf("reopen stream %s: %w", method, err2)
		}
		*stream = s
		if err2 := s.SendMsg(frame); err2 != nil {
			return fmt.Errorf("send frame %s: %w", method, err2)
		}
	}
	return nil
}

func (c *GRPCClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, s := range []*grpc.ClientStream{&c.tickStream, &c.alertStream} {
		if *s == nil {
			continue
		}
		if err := (*s).CloseSend(); err != nil {
			errs = append(errs, err)
		}
		*s = nil
	}
	c.streamCancel()
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
		c.conn = nil
	}
	_ = ctx
	return errors.Join(errs...)
}

func (c *GRPCClient) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}
	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(
		c.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("grpc client %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc stream client ready", "addr", c.addr)
	return nil
}

func (c *GRPCClient) openStreamLocked(method string) (grpc.ClientStream, error) {
	if c.conn == nil {
		return nil, errors.New("grpc conn is nil")
	}
	s, err := c.conn.NewStream(c.decorateContext(), &grpc.StreamDesc{ClientStreams: true}, method)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", method, err)
	}
	return s, nil
}

func (c *GRPCClient) decorateContext() context.Context {
	out := c.streamCtx
	if c.token != "" {
		out = metadata.AppendToOutgoingContext(out, "authorization", "Bearer "+c.token)
	}
	return out
}
