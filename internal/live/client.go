package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client subscribes to a bridge's notification stream.
type Client struct {
	addr string
	log  *slog.Logger
	opts []grpc.DialOption
}

// NewClient creates a client targeting the given gRPC address. Extra dial
// options are appended to the insecure transport default.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	return &Client{
		addr: addr,
		log:  log,
		opts: append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}
}

// Watch streams notifications matching flags to fn, after the retained
// history when replay is set. It blocks until ctx is cancelled or the
// stream ends.
func (c *Client) Watch(ctx context.Context, flags []string, replay bool, fn func(Event)) error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	list := make([]any, len(flags))
	for i, f := range flags {
		list[i] = f
	}
	req, err := structpb.NewStruct(map[string]any{"flags": list, "replay": replay})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamPath)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to notification stream", "addr", c.addr)

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving notification: %w", err)
		}
		fn(decodeEvent(msg))
	}
}
