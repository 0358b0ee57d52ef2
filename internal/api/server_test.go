package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rtxbridge/internal/broker"
	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
	"rtxbridge/internal/live"
	"rtxbridge/internal/util"
)

func newTestServer(t *testing.T) (*Server, *broker.Simulator, *live.Hub) {
	t.Helper()
	hub := live.NewHub(100)
	sim := broker.NewSimulator([]string{"1.2.3.4"}, hub)
	cfg := config.Default()
	cfg.Auth = config.Auth{Username: "user", Password: "pass"}
	s, err := NewServer(cfg, sim, hub, "1.2.3", util.DiscardLogger())
	require.NoError(t, err)
	return s, sim, hub
}

func TestHealthz(t *testing.T) {
	s, sim, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "simulator", body.Backend)
	assert.Equal(t, "Up", body.Connection)

	sim.Shutdown("test")
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtxbridge_stream_subscribers")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCommandRoutesMounted(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest("POST", ts.URL+"/version", strings.NewReader("{}"))
	require.NoError(t, err)
	req.SetBasicAuth("user", "pass")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream" + query
	header := http.Header{}
	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("user", "pass")
	header.Set("Authorization", req.Header.Get("Authorization"))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt wsEvent
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestWebsocketStream(t *testing.T) {
	s, _, hub := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	hub.Broadcast(domain.Notification{Text: "sim.old"})
	hub.Broadcast(domain.Notification{Text: "sim.hidden", Flag: "trades"})

	conn := dialStream(t, ts, "?replay=true&flags=order-notification")
	assert.Equal(t, "sim.old", readEvent(t, conn).Text)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	hub.Broadcast(domain.Notification{Text: "sim.trade", Flag: "trades"})
	hub.Broadcast(domain.Notification{Text: "sim.order.1", Flag: "order-notification"})
	evt := readEvent(t, conn)
	assert.Equal(t, "sim.order.1", evt.Text)
	assert.Equal(t, "order-notification", evt.Flag)
	assert.Equal(t, uint64(4), evt.Seq)
}

func TestWebsocketRequiresAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestServeAllListeners(t *testing.T) {
	s, sim, hub := newTestServer(t)
	ls := Listeners{HTTP: listen(t), GRPC: listen(t), TCP: listen(t)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ls) }()

	// HTTP
	resp, err := http.Get("http://" + ls.HTTP.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// gRPC health and notification stream
	conn, err := grpc.NewClient(ls.GRPC.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		hctx, hcancel := context.WithTimeout(ctx, time.Second)
		defer hcancel()
		r, err := healthpb.NewHealthClient(conn).Check(hctx, &healthpb.HealthCheckRequest{Service: notificationService})
		return err == nil && r.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	got := make(chan live.Event, 1)
	lc := live.NewClient(ls.GRPC.Addr().String(), util.DiscardLogger())
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	go func() {
		_ = lc.Watch(wctx, nil, false, func(evt live.Event) {
			select {
			case got <- evt:
			default:
			}
		})
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	result := make(chan domain.Result, 1)
	sim.SetAccount("1.2.3.4", domain.FuncSink(func(r domain.Result) { result <- r }))
	require.Equal(t, true, (<-result).Value)
	select {
	case evt := <-got:
		assert.Equal(t, "sim.current-account: 1.2.3.4", evt.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification over grpc")
	}

	// TCP
	tc, err := net.Dial("tcp", ls.TCP.Addr().String())
	require.NoError(t, err)
	defer tc.Close()
	buf := make([]byte, 256)
	require.NoError(t, tc.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := tc.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), ".connected: simulator 1.2.3")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}
