// Package api composes the bridge's front-end listeners: the HTTP mux
// (command endpoints, websocket notification stream, health, and
// Prometheus metrics), the gRPC notification service, and the netstring TCP
// server. All of them share one broker and one notification hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"rtxbridge/internal/broker"
	"rtxbridge/internal/config"
	"rtxbridge/internal/httpapi"
	"rtxbridge/internal/live"
	"rtxbridge/internal/rtx"
	"rtxbridge/internal/tcpapi"
)

// Server is the main API server that hosts the HTTP, gRPC, and TCP endpoints.
type Server struct {
	cfg     *config.Config
	broker  broker.Broker
	hub     *live.Hub
	log     *slog.Logger
	version string

	registry *prometheus.Registry
	http     *httpapi.Server
	tcp      *tcpapi.Server
	grpc     *grpc.Server
	health   *healthWatcher
}

// Listeners carries the sockets Serve runs on. A nil listener disables that
// endpoint.
type Listeners struct {
	HTTP net.Listener
	GRPC net.Listener
	TCP  net.Listener
}

// NewServer creates a Server for b, relaying broadcasts from hub.
func NewServer(cfg *config.Config, b broker.Broker, hub *live.Hub, version string, log *slog.Logger) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "rtxbridge",
			Name:      "stream_subscribers",
			Help:      "Active notification stream subscriptions.",
		}, func() float64 { return float64(hub.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "rtxbridge",
			Name:      "stream_dropped_total",
			Help:      "Notifications dropped for slow stream subscribers.",
		}, func() float64 { return float64(hub.Dropped()) }),
	)
	if err := rtx.RegisterMetrics(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		broker:   b,
		hub:      hub,
		log:      log,
		version:  version,
		registry: reg,
		http:     httpapi.NewServer(b, cfg, version, log.With("component", "http")),
		tcp:      tcpapi.NewServer(b, hub, cfg, version, log.With("component", "tcp")),
	}
	s.grpc, s.health = newGRPCServer(b, hub, log.With("component", "grpc"))
	return s, nil
}

// Handler returns the HTTP handler: command routes at the root, plus
// /healthz, /metrics, and the /stream websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.http.RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stream", s.handleStream)
	return httpapi.CORS(mux)
}

// ListenAndServe opens the configured ports on the server host and serves
// until ctx is cancelled or a listener fails. A port of -1 disables that
// endpoint.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var ls Listeners
	var lc net.ListenConfig
	open := func(port int) (net.Listener, error) {
		if port < 0 {
			return nil, nil
		}
		addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		return ln, nil
	}
	var err error
	if ls.HTTP, err = open(s.cfg.Server.HTTPPort); err != nil {
		return err
	}
	if ls.GRPC, err = open(s.cfg.Server.GRPCPort); err != nil {
		closeAll(ls)
		return err
	}
	if ls.TCP, err = open(s.cfg.Server.TCPPort); err != nil {
		closeAll(ls)
		return err
	}
	return s.Serve(ctx, ls)
}

func closeAll(ls Listeners) {
	for _, ln := range []net.Listener{ls.HTTP, ls.GRPC, ls.TCP} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// Serve runs every endpoint with a listener until ctx is cancelled, then
// shuts them down gracefully.
func (s *Server) Serve(ctx context.Context, ls Listeners) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.health.run(gctx) })

	if ls.HTTP != nil {
		srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.log.Info("http server listening", "addr", ls.HTTP.Addr().String())
			if err := srv.Serve(ls.HTTP); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if ls.GRPC != nil {
		g.Go(func() error {
			s.log.Info("grpc server listening", "addr", ls.GRPC.Addr().String())
			if err := s.grpc.Serve(ls.GRPC); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Streams never finish on their own, so a graceful stop only
			// gets a short grace period.
			stopped := make(chan struct{})
			go func() {
				s.grpc.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(2 * time.Second):
				s.grpc.Stop()
			}
			return nil
		})
	}

	if ls.TCP != nil {
		g.Go(func() error { return s.tcp.Serve(gctx, ls.TCP) })
	}

	err := g.Wait()
	s.log.Info("api server stopped", "error", err)
	return err
}

type healthResponse struct {
	Status      string `json:"status"`
	Backend     string `json:"backend"`
	Connection  string `json:"connection"`
	Initialized bool   `json:"initialized"`
	Subscribers int    `json:"subscribers"`
	Version     string `json:"version"`
}

// handleHealth reports 200 while the backend is initialized, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Backend:     s.broker.Name(),
		Connection:  string(s.broker.ConnectionStatus()),
		Initialized: s.broker.Initialized(),
		Subscribers: s.hub.Subscribers(),
		Version:     s.version,
	}
	code := http.StatusOK
	if !resp.Initialized {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
