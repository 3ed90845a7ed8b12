// Package dashboard serves the collector's HTTP side: the user list, a
// websocket stream of coordinates as they are stored, and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronologos/gpstrack/internal/catchup"
	"github.com/chronologos/gpstrack/internal/store"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Store is what the dashboard reads from the record store.
type Store interface {
	Users(ctx context.Context) ([]store.User, error)
	Subscribe() (<-chan store.CoordinateRecord, func())
}

type Config struct {
	Addr     string // HTTP listen address, e.g. "127.0.0.1:8080"
	Store    Store
	Gatherer prometheus.Gatherer // source for /metrics (nil = prometheus.DefaultGatherer)
	History  int                 // records kept for resuming viewers (0 = catchup.DefaultCapacity)
	Logger   *slog.Logger        // nil discards
}

type Dashboard struct {
	cfg      Config
	log      *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	journal  *catchup.Buffer
	stopFeed func()

	// Ready is closed once the listener is bound, with Addr set.
	Ready chan struct{}
	Addr  net.Addr
}

func New(cfg Config) *Dashboard {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	d := &Dashboard{
		cfg: cfg,
		log: logger.With("component", "dashboard"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are served from anywhere; the stream carries no secrets.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		journal: catchup.New(cfg.History),
		Ready:   make(chan struct{}),
	}

	records, stop := cfg.Store.Subscribe()
	d.stopFeed = stop
	go d.pump(records)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/users", d.handleUsers)
	r.Get("/ws", d.handleStream)
	r.Get("/history", d.handleHistory)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	d.router = r
	return d
}

func (d *Dashboard) Handler() http.Handler { return d.router }

// pump journals every stored coordinate until the store feed closes.
func (d *Dashboard) pump(records <-chan store.CoordinateRecord) {
	defer d.journal.Close()
	for rec := range records {
		d.journal.Append(rec)
	}
}

// Close detaches from the store feed and ends every viewer stream.
func (d *Dashboard) Close() {
	d.stopFeed()
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully and
// closes the dashboard.
func (d *Dashboard) Run(ctx context.Context) error {
	defer d.Close()
	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	d.Addr = ln.Addr()
	close(d.Ready)
	d.log.Info("listening", "addr", d.Addr.String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// discardHandler is a no-op slog handler.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
