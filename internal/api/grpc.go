package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rtxbridge/internal/broker"
	"rtxbridge/internal/domain"
	"rtxbridge/internal/live"
)

// notificationService is the health service name for the notification stream.
const notificationService = "rtxbridge.live.Notifications"

func newGRPCServer(b broker.Broker, hub *live.Hub, log *slog.Logger) (*grpc.Server, *healthWatcher) {
	gs := grpc.NewServer()
	live.NewServer(hub, log).RegisterGRPC(gs)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return gs, &healthWatcher{broker: b, health: hs, interval: time.Second, log: log}
}

// healthWatcher mirrors the upstream connection status into the gRPC health
// service: SERVING while the gateway is up and initialized.
type healthWatcher struct {
	broker   broker.Broker
	health   *health.Server
	interval time.Duration
	log      *slog.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

func (w *healthWatcher) run(ctx context.Context) error {
	w.update()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.health.Shutdown()
			return nil
		case <-ticker.C:
			w.update()
		}
	}
}

func (w *healthWatcher) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if w.broker.ConnectionStatus() == domain.StatusUp && w.broker.Initialized() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if status == w.last {
		return
	}
	w.last = status
	w.log.Info("health status changed", "status", status.String())
	w.health.SetServingStatus("", status)
	w.health.SetServingStatus(notificationService, status)
}
