// Package tcpapi serves the netstring line protocol: one command per frame,
// responses and broadcast notifications written back as frames. Clients
// authenticate with "auth <user> <password> [options]" and the options select
// which flagged notifications they receive.
package tcpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"rtxbridge/internal/broker"
	"rtxbridge/internal/config"
	"rtxbridge/internal/live"
)

// MaxFrame bounds inbound and outbound frames.
const MaxFrame = 0x20000000

// Server accepts netstring clients.
type Server struct {
	broker   broker.Broker
	hub      *live.Hub
	auth     config.Auth
	log      *slog.Logger
	version  string
	hostname string
	outBuf   int

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// NewServer creates a TCP server. Broadcasts from hub are relayed to
// authorized clients.
func NewServer(b broker.Broker, hub *live.Hub, cfg *config.Config, version string, log *slog.Logger) *Server {
	host, _ := os.Hostname()
	return &Server{
		broker:   b,
		hub:      hub,
		auth:     cfg.Auth,
		log:      log,
		version:  version,
		hostname: host,
		outBuf:   4096,
		clients:  make(map[*client]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// client and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("tcp server listening", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() {
		s.mu.Lock()
		for c := range s.clients {
			c.close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		c := newClient(s, conn)
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			c.readLoop()
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
		}()
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
