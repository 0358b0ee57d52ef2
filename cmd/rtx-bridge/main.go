package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"rtxbridge/internal/api"
	"rtxbridge/internal/broker"
	"rtxbridge/internal/config"
	"rtxbridge/internal/live"
	"rtxbridge/internal/rtx"
	"rtxbridge/internal/util"
)

const version = "1.0.0"

func main() {
	cfgPath := flag.String("config", os.Getenv("RTXBRIDGE_CONFIG"), "YAML config file (optional)")
	simulate := flag.Bool("simulate", false, "serve the built-in paper broker instead of connecting upstream")
	accounts := flag.String("accounts", "DEMO.1.1.1", "comma-separated accounts for -simulate")
	history := flag.Int("history", 1000, "notifications retained for stream replay")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := live.NewHub(*history)
	if *simulate {
		err = runSimulated(ctx, cfg, hub, strings.Split(*accounts, ","), logger)
	} else {
		err = runSession(ctx, cfg, hub, logger)
	}
	if err != nil {
		logger.Error("rtx-bridge exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("rtx-bridge stopped")
}

// runSession serves the upstream session until ctx is cancelled or the
// session shuts down. A session shutdown is returned so the process exits
// non-zero and its supervisor restarts it.
func runSession(ctx context.Context, cfg *config.Config, hub *live.Hub, logger *slog.Logger) error {
	sess, err := rtx.New(cfg, hub, logger.With("component", "rtx"))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	logger.Info("rtx-bridge starting", "version", version, "gateway", cfg.Gateway.Addr())
	return serve(ctx, cfg, sess, hub, logger, sess.Run)
}

func runSimulated(ctx context.Context, cfg *config.Config, hub *live.Hub, accounts []string, logger *slog.Logger) error {
	sim := broker.NewSimulator(accounts, hub)
	logger.Info("rtx-bridge starting in simulation mode", "version", version, "accounts", accounts)
	return serve(ctx, cfg, sim, hub, logger, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-sim.Done():
			return rtx.ErrShutdown
		}
	})
}

func serve(ctx context.Context, cfg *config.Config, b broker.Broker, hub *live.Hub, logger *slog.Logger,
	run func(context.Context) error) error {
	srv, err := api.NewServer(cfg, b, hub, version, logger)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := run(gctx)
		if errors.Is(err, rtx.ErrShutdown) {
			return fmt.Errorf("%s backend shut down: %w", b.Name(), err)
		}
		return err
	})
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	return g.Wait()
}
