package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gpstrack/internal/protocol"
)

// exchange sends one request on a fresh socket bound to local and connected
// to the collector, then waits for a single reply. The wire carries no
// correlation id, so a socket never has more than one request outstanding.
// With wantReply false it returns (nil, nil) once the datagram is sent.
func (s *Session) exchange(ctx context.Context, local string, env *protocol.Envelope, wantReply bool) (resp *protocol.Response, err error) {
	ctx, span := s.tracer.Start(ctx, "gpstrack.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gpstrack.kind", env.Kind.String()),
			attribute.String("net.peer.addr", s.cfg.Server),
		),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if resp != nil {
			span.SetAttributes(attribute.String("gpstrack.status", resp.Status.String()))
		}
		s.stats.record(env.Kind, time.Since(start), wantReply, err)
		span.End()
	}()

	conn, err := dial(ctx, local, s.cfg.Server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// A fixed local port can inherit a late reply meant for an exchange
	// that already gave up on it.
	if local != "" {
		if n := drainStale(conn); n > 0 {
			s.log.Warn("discarded stale replies", "kind", env.Kind.String(), "count", n)
		}
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	// Cancellation unblocks Read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	s.log.Debug("send", "kind", env.Kind.String(), "frame", env.WireText())
	if _, err := conn.Write(env.Bytes()); err != nil {
		return nil, transportError(ctx, "send", err)
	}
	if !wantReply {
		return nil, nil
	}

	buf := make([]byte, protocol.DatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, transportError(ctx, "receive", err)
	}
	resp, err = protocol.ParseResponse(buf[:n])
	if err != nil {
		return nil, err
	}
	if resp.Kind != env.Kind {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedReply, env.Kind, resp.Kind)
	}
	s.log.Debug("reply", "kind", resp.Kind.String(), "status", resp.Status.String(), "identity", resp.Identity)
	return resp, nil
}

func dial(ctx context.Context, local, server string) (net.Conn, error) {
	var d net.Dialer
	if local != "" {
		addr, err := net.ResolveUDPAddr("udp", local)
		if err != nil {
			return nil, fmt.Errorf("resolve local address %s: %w", local, err)
		}
		d.LocalAddr = addr
	}
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	return conn, nil
}

// drainWindow is how long drainStale waits for a datagram already queued.
const drainWindow = time.Millisecond

// drainStale discards datagrams queued on conn before a request is sent and
// returns how many it dropped. It leaves a read deadline set; callers set
// their own afterwards.
func drainStale(conn net.Conn) int {
	buf := make([]byte, protocol.DatagramSize)
	var n int
	for {
		if err := conn.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return n
		}
		if _, err := conn.Read(buf); err != nil {
			return n
		}
		n++
	}
}

// transportError maps a socket error: caller cancellation wins, deadline
// expiry becomes ErrExchangeTimeout, anything else is wrapped as is.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrExchangeTimeout, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
