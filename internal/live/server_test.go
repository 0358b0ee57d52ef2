package live

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"rtxbridge/internal/domain"
	"rtxbridge/internal/util"
)

func startServer(t *testing.T, hub *Hub) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(hub, util.DiscardLogger()).RegisterGRPC(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	return NewClient("passthrough:///bufnet", util.DiscardLogger(), grpc.WithContextDialer(dialer))
}

func TestStreamReplayThenLive(t *testing.T) {
	hub := NewHub(10)
	hub.Broadcast(domain.Notification{Text: "rtx.accounts: [\"1.2.3.4\"]"})
	hub.Broadcast(domain.Notification{Text: "rtx.quote.AAPL:1 2 3 4", Flag: "quotes"})
	client := startServer(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Event, 16)
	done := make(chan error, 1)
	go func() { done <- client.Watch(ctx, []string{"orders"}, true, func(e Event) { got <- e }) }()

	first := <-got
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "rtx.accounts: [\"1.2.3.4\"]", first.Text)
	assert.False(t, first.Time.IsZero())

	// Wait until the stream is subscribed before broadcasting live events.
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	hub.Broadcast(domain.Notification{Text: "rtx.quote.AAPL:5 6 7 8", Flag: "quotes"})
	hub.Broadcast(domain.Notification{Text: "rtx.order.X 1.2.3.4 UserSubmitOrder Pending", Flag: "orders"})

	live := <-got
	assert.Equal(t, uint64(4), live.Seq)
	assert.Equal(t, "orders", live.Flag)

	cancel()
	assert.NoError(t, <-done)
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamWithoutReplay(t *testing.T) {
	hub := NewHub(10)
	hub.Broadcast(domain.Notification{Text: "old"})
	client := startServer(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan Event, 4)
	go func() { _ = client.Watch(ctx, nil, false, func(e Event) { got <- e }) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	hub.Broadcast(domain.Notification{Text: "new"})
	evt := <-got
	assert.Equal(t, "new", evt.Text)
	assert.Equal(t, uint64(2), evt.Seq)
}
