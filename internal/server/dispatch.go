package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gpstrack/internal/protocol"
	"github.com/chronologos/gpstrack/internal/store"
)

// Handle processes one datagram and returns the reply to send, or nil when
// the datagram is dropped or the kind is not acknowledged.
func (s *Server) Handle(ctx context.Context, data []byte, src net.Addr) []byte {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "gpstrack.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", src.String())),
	)
	defer span.End()

	env, err := protocol.Decode(data)
	if err != nil {
		s.drop(span, dropFraming, err)
		s.log.Warn("framing", "src", src.String(), "size", len(data), "err", err)
		return nil
	}
	span.SetAttributes(attribute.String("gpstrack.kind", env.Kind.String()))
	s.metrics.datagrams.WithLabelValues(env.Kind.String()).Inc()
	defer func() {
		s.metrics.handleDuration.WithLabelValues(env.Kind.String()).Observe(time.Since(start).Seconds())
	}()

	msg, err := protocol.DecodeRequest(env)
	if err != nil {
		s.drop(span, dropDecode, err)
		s.log.Warn("decode", "src", src.String(), "kind", env.Kind.String(), "err", err)
		return nil
	}

	var resp *protocol.Response
	switch m := msg.(type) {
	case *protocol.Login:
		resp = s.handleLogin(ctx, m)
	case *protocol.Heartbeat:
		resp = s.handleHeartbeat(ctx, m, src)
	case *protocol.Coordinates:
		resp = s.handleCoordinates(ctx, m)
	case *protocol.Logout:
		resp = s.handleLogout(ctx, m)
	default:
		s.drop(span, dropInvalid, nil)
		s.log.Warn("invalid message kind", "src", src.String(), "tag", env.Tag)
		return nil
	}
	if resp == nil {
		return nil
	}

	s.metrics.responses.WithLabelValues(resp.Kind.String(), resp.Status.String()).Inc()
	span.SetAttributes(attribute.String("gpstrack.status", resp.Status.String()))
	if resp.Status == protocol.StatusError {
		span.SetStatus(codes.Error, "request rejected")
	}
	return resp.Bytes()
}

func (s *Server) drop(span trace.Span, reason string, err error) {
	s.metrics.dropped.WithLabelValues(reason).Inc()
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, reason)
}

func (s *Server) handleLogin(ctx context.Context, m *protocol.Login) *protocol.Response {
	user, err := s.cfg.Store.Authenticate(ctx, m.Username, m.Password)
	if err != nil {
		s.logStoreError("login", err, "username", m.Username)
		return protocol.Failure(protocol.KindLogin)
	}
	s.log.Info("login", "username", m.Username, "client_id", user.ClientID)
	return protocol.Success(protocol.KindLogin, user.ClientID)
}

func (s *Server) handleHeartbeat(ctx context.Context, m *protocol.Heartbeat, src net.Addr) *protocol.Response {
	user, err := s.cfg.Store.UserByClientID(ctx, m.ClientID)
	if err != nil {
		s.logStoreError("heartbeat lookup", err, "client_id", m.ClientID)
		return protocol.Failure(protocol.KindHeartbeat)
	}

	rec, err := s.cfg.Store.CreateHeartbeat(ctx, store.HeartbeatRecord{
		UserID:        user.ID,
		ClientID:      user.ClientID,
		SourceAddress: src.String(),
		Timestamp:     s.now().UTC(),
	})
	if err != nil {
		s.logStoreError("heartbeat create", err, "client_id", m.ClientID)
		return protocol.Failure(protocol.KindHeartbeat)
	}

	// Answer with the id of the user the stored record references.
	owner, err := s.cfg.Store.UserByID(ctx, rec.UserID)
	if err != nil {
		s.logStoreError("heartbeat owner", err, "user_id", rec.UserID)
		return protocol.Failure(protocol.KindHeartbeat)
	}
	s.log.Debug("heartbeat", "client_id", owner.ClientID, "src", src.String())
	return protocol.Success(protocol.KindHeartbeat, owner.ClientID)
}

func (s *Server) handleCoordinates(ctx context.Context, m *protocol.Coordinates) *protocol.Response {
	resp := protocol.Failure(protocol.KindCoordinates)

	user, err := s.cfg.Store.UserByClientID(ctx, m.ClientID)
	if err != nil {
		s.logStoreError("coordinates lookup", err, "client_id", m.ClientID)
	} else if _, err := s.cfg.Store.CreateCoordinate(ctx, store.CoordinateRecord{
		UserID:    user.ID,
		ClientID:  user.ClientID,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Timestamp: s.now().UTC(),
	}); err != nil {
		s.logStoreError("coordinates create", err, "client_id", m.ClientID)
	} else {
		s.log.Debug("coordinates", "client_id", m.ClientID, "lat", m.Latitude, "lon", m.Longitude)
		resp = protocol.Success(protocol.KindCoordinates, m.ClientID)
	}

	if !s.cfg.AckCoordinates {
		return nil
	}
	return resp
}

func (s *Server) handleLogout(ctx context.Context, m *protocol.Logout) *protocol.Response {
	resp := protocol.Success(protocol.KindLogout, m.ClientID)

	removed, err := s.cfg.Store.DeleteByClientID(ctx, m.ClientID)
	if err != nil {
		s.logStoreError("logout", err, "client_id", m.ClientID)
		resp = protocol.Failure(protocol.KindLogout)
	} else {
		s.log.Info("logout", "client_id", m.ClientID, "records_removed", removed)
	}

	if !s.cfg.AckLogout {
		return nil
	}
	return resp
}

// logStoreError logs lookup misses at Info and persistence failures at Error.
func (s *Server) logStoreError(op string, err error, args ...any) {
	args = append(args, "err", err)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info(op+": not found", args...)
		return
	}
	s.log.Error(op, args...)
}
