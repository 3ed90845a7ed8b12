// Package client is the device side of the tracking protocol: a Session that
// walks the login, heartbeat, coordinates, logout lifecycle, and a Runner
// that replays a recorded route against a collector.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gpstrack/internal/protocol"
)

const (
	tracerName = "github.com/chronologos/gpstrack/internal/client"

	defaultExchangeTimeout = 5 * time.Second
)

var (
	ErrNotAuthenticated     = errors.New("session is not authenticated")
	ErrAlreadyAuthenticated = errors.New("session is already authenticated")
	ErrSessionClosed        = errors.New("session is closed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRequestRejected      = errors.New("request rejected by collector")
	ErrExchangeTimeout      = errors.New("exchange timed out")
	ErrUnexpectedReply      = errors.New("reply kind does not match request")
)

// State is the lifecycle position of a Session. Transitions only move forward.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds session configuration.
type Config struct {
	Server string // collector UDP address

	// Local binds for login/coordinates/logout and for heartbeats ("" =
	// ephemeral). A fixed port is reused by every exchange, so a reply that
	// arrives after its exchange timed out can reach a later one. Queued
	// datagrams are discarded before each send, but one landing after the
	// send is indistinguishable from the real reply when the kinds match.
	LocalAddr     string
	HeartbeatAddr string

	// Timeout bounds each request/reply exchange (0 = 5s).
	Timeout time.Duration

	// FireAndForget sends Coordinates and Logout without waiting for a
	// reply, for collectors that never acknowledge them.
	FireAndForget bool

	Logger *slog.Logger // nil discards
	Tracer trace.Tracer // nil uses the global provider
}

// Session tracks one device's identity and lifecycle state. Every operation
// is one exchange on its own freshly bound socket, so a heartbeat may run
// concurrently with a coordinate submission.
type Session struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer
	stats  *Stats

	mu       sync.Mutex
	state    State
	identity uint32
}

func NewSession(cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExchangeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Session{
		cfg:    cfg,
		log:    logger.With("component", "session"),
		tracer: tracer,
		stats:  newStats(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the client id assigned at login. ok is false unless the
// session is authenticated.
func (s *Session) Identity() (id uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateAuthenticated
}

// Stats returns the session's exchange counters.
func (s *Session) Stats() *Stats { return s.stats }

// authenticated returns the held identity, or the session error for the
// current state.
func (s *Session) authenticated() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated:
		return s.identity, nil
	case StateTerminated:
		return 0, ErrSessionClosed
	default:
		return 0, ErrNotAuthenticated
	}
}

// Login authenticates and stores the assigned client id. An Error reply
// leaves the session unauthenticated and returns ErrAuthenticationFailed.
func (s *Session) Login(ctx context.Context, username, password string) (uint32, error) {
	s.mu.Lock()
	switch s.state {
	case StateAuthenticated:
		s.mu.Unlock()
		return 0, ErrAlreadyAuthenticated
	case StateTerminated:
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	s.mu.Unlock()

	env, err := protocol.EncodeRequest(&protocol.Login{Username: username, Password: password})
	if err != nil {
		return 0, err
	}
	resp, err := s.exchange(ctx, s.cfg.LocalAddr, env, true)
	if err != nil {
		return 0, fmt.Errorf("login: %w", err)
	}
	if resp.Status != protocol.StatusSuccess {
		s.log.Info("login rejected", "username", username)
		return 0, ErrAuthenticationFailed
	}
	id, err := resp.ClientID()
	if err != nil {
		return 0, fmt.Errorf("login reply: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		// Lost a race with a concurrent Login or Logout.
		if s.state == StateTerminated {
			return 0, ErrSessionClosed
		}
		return 0, ErrAlreadyAuthenticated
	}
	s.state = StateAuthenticated
	s.identity = id
	s.log.Info("logged in", "username", username, "client_id", id)
	return id, nil
}

// Heartbeat reports liveness from the heartbeat address. A Success reply
// refreshes the held identity.
func (s *Session) Heartbeat(ctx context.Context) (uint32, error) {
	id, err := s.authenticated()
	if err != nil {
		return 0, err
	}
	env, err := protocol.EncodeRequest(&protocol.Heartbeat{ClientID: id})
	if err != nil {
		return 0, err
	}
	resp, err := s.exchange(ctx, s.cfg.HeartbeatAddr, env, true)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: %w", err)
	}
	if resp.Status != protocol.StatusSuccess {
		return 0, fmt.Errorf("heartbeat: %w", ErrRequestRejected)
	}
	confirmed, err := resp.ClientID()
	if err != nil {
		return 0, fmt.Errorf("heartbeat reply: %w", err)
	}

	s.mu.Lock()
	if s.state == StateAuthenticated && confirmed != s.identity {
		s.log.Warn("identity refreshed by heartbeat", "old", s.identity, "new", confirmed)
		s.identity = confirmed
	}
	s.mu.Unlock()
	return confirmed, nil
}

// SendCoordinate submits one position sample.
func (s *Session) SendCoordinate(ctx context.Context, latitude, longitude float64) error {
	id, err := s.authenticated()
	if err != nil {
		return err
	}
	env, err := protocol.EncodeRequest(&protocol.Coordinates{ClientID: id, Latitude: latitude, Longitude: longitude})
	if err != nil {
		return err
	}
	resp, err := s.exchange(ctx, s.cfg.LocalAddr, env, !s.cfg.FireAndForget)
	if err != nil {
		return fmt.Errorf("coordinates: %w", err)
	}
	if resp != nil && resp.Status != protocol.StatusSuccess {
		return fmt.Errorf("coordinates: %w", ErrRequestRejected)
	}
	return nil
}

// Logout ends the session. The session is terminated whatever the outcome
// of the exchange, and every later operation returns ErrSessionClosed.
func (s *Session) Logout(ctx context.Context) error {
	id, err := s.authenticated()
	if err != nil {
		return err
	}
	defer func() {
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		s.log.Info("session terminated", "client_id", id)
	}()

	env, err := protocol.EncodeRequest(&protocol.Logout{ClientID: id})
	if err != nil {
		return err
	}
	resp, err := s.exchange(ctx, s.cfg.LocalAddr, env, !s.cfg.FireAndForget)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if resp != nil && resp.Status != protocol.StatusSuccess {
		return fmt.Errorf("logout: %w", ErrRequestRejected)
	}
	return nil
}

// discardHandler is a no-op slog handler.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
