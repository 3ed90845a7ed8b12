// Package server is the collector's side of the device protocol: a single
// sequential receive loop that decodes each datagram, calls the store, and
// answers on the same socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gpstrack/internal/protocol"
	"github.com/chronologos/gpstrack/internal/store"
)

const tracerName = "github.com/chronologos/gpstrack/internal/server"

// Store is the collaborator surface the dispatcher needs.
type Store interface {
	Authenticate(ctx context.Context, username, password string) (store.User, error)
	UserByClientID(ctx context.Context, clientID uint32) (store.User, error)
	UserByID(ctx context.Context, id string) (store.User, error)
	CreateHeartbeat(ctx context.Context, rec store.HeartbeatRecord) (store.HeartbeatRecord, error)
	CreateCoordinate(ctx context.Context, rec store.CoordinateRecord) (store.CoordinateRecord, error)
	DeleteByClientID(ctx context.Context, clientID uint32) (int, error)
}

// Config holds server configuration.
type Config struct {
	Addr string         // UDP address to bind, e.g. "127.0.0.1:34256"
	Conn net.PacketConn // pre-bound socket; takes precedence over Addr
	Store Store

	// Reply to Coordinates / Logout requests. Disabled reproduces the legacy
	// fire-and-forget behavior where devices get no answer for these kinds.
	AckCoordinates bool
	AckLogout      bool

	ReadBuffer int                   // receive buffer size, raised to protocol.MaxFrameSize if smaller
	Logger     *slog.Logger          // nil discards
	Registerer prometheus.Registerer // nil uses a private registry
	Tracer     trace.Tracer          // nil uses the global provider
	Now        func() time.Time      // record timestamps (nil = time.Now)
}

// Server runs the receive-dispatch loop.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer
	now     func() time.Time

	// Ready is closed once the socket is bound, with Addr set.
	Ready chan struct{}
	Addr  net.Addr
}

// New creates a server but does not bind. Call Run to start.
func New(cfg Config) *Server {
	if cfg.ReadBuffer < protocol.MaxFrameSize {
		cfg.ReadBuffer = protocol.MaxFrameSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:     cfg,
		log:     logger.With("component", "server"),
		metrics: newMetrics(reg),
		tracer:  tracer,
		now:     now,
		Ready:   make(chan struct{}),
	}
}

// Run binds the socket and handles datagrams one at a time until ctx is
// cancelled. Malformed datagrams never stop the loop.
func (s *Server) Run(ctx context.Context) error {
	conn := s.cfg.Conn
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
		}
	}

	// Closing the socket is the only way to unblock ReadFrom.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		if stop() {
			conn.Close()
		}
	}()

	s.Addr = conn.LocalAddr()
	close(s.Ready)
	s.log.Info("listening", "addr", s.Addr.String())

	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Transient receive errors (e.g. ICMP port unreachable surfaced
			// on some platforms) must not end the loop.
			s.log.Warn("receive", "err", err)
			continue
		}

		reply := s.Handle(ctx, buf[:n], src)
		if reply == nil {
			continue
		}
		if _, err := conn.WriteTo(reply, src); err != nil {
			s.log.Warn("send reply", "src", src.String(), "err", err)
		}
	}
}

// discardHandler is a no-op slog handler.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
