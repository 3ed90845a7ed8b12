package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/nettest"

	"github.com/chronologos/gpstrack/internal/protocol"
	"github.com/chronologos/gpstrack/internal/server"
	"github.com/chronologos/gpstrack/internal/store"
)

const (
	testUser     = "root"
	testPassword = "notsecurepassword"
	testClientID = 24564
)

// startCollector runs a real server with one seeded user on a loopback socket.
func startCollector(t *testing.T, ack bool) (addr string, st *store.Memory) {
	t.Helper()

	st = store.NewMemory(store.WithHashCost(bcrypt.MinCost))
	if _, err := st.AddUser(context.Background(), "Root", testUser, testPassword, testClientID); err != nil {
		t.Fatal(err)
	}
	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(server.Config{Conn: conn, Store: st, AckCoordinates: ack, AckLogout: ack})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("collector exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for collector to start")
	}

	t.Cleanup(func() {
		cancel()
		<-errCh
		st.Close()
	})
	return srv.Addr.String(), st
}

// fakeCollector answers each datagram with reply(req); a nil reply sends
// nothing.
func fakeCollector(t *testing.T, reply func(req []byte) []byte) string {
	t.Helper()
	conn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, src, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if out := reply(buf[:n]); out != nil {
				conn.WriteTo(out, src)
			}
		}
	}()
	return conn.LocalAddr().String()
}

// loginOnly accepts any login as client 7 and stays silent otherwise.
func loginOnly(req []byte) []byte {
	if len(req) > 0 && protocol.Kind(req[0]) == protocol.KindLogin {
		return protocol.Success(protocol.KindLogin, 7).Bytes()
	}
	return nil
}

func TestSessionLifecycle(t *testing.T) {
	addr, st := startCollector(t, true)
	s := NewSession(Config{Server: addr})
	ctx := context.Background()

	if s.State() != StateUnauthenticated {
		t.Fatalf("initial state: %s", s.State())
	}

	id, err := s.Login(ctx, testUser, testPassword)
	if err != nil {
		t.Fatal(err)
	}
	if id != testClientID || s.State() != StateAuthenticated {
		t.Fatalf("after login: id=%d state=%s", id, s.State())
	}

	if confirmed, err := s.Heartbeat(ctx); err != nil || confirmed != testClientID {
		t.Fatalf("heartbeat: id=%d err=%v", confirmed, err)
	}
	if err := s.SendCoordinate(ctx, 10.00001, -127.000001); err != nil {
		t.Fatal(err)
	}
	if recs, _ := st.Coordinates(ctx, testClientID); len(recs) != 1 {
		t.Fatalf("coordinates stored: %d", len(recs))
	}

	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("after logout: %s", s.State())
	}
	if _, ok := s.Identity(); ok {
		t.Fatal("identity should not be usable after logout")
	}
	if recs, _ := st.Coordinates(ctx, testClientID); len(recs) != 0 {
		t.Fatalf("coordinates left after logout: %d", len(recs))
	}
}

func TestOperationsBeforeLogin(t *testing.T) {
	s := NewSession(Config{Server: "127.0.0.1:9"})
	ctx := context.Background()

	if _, err := s.Heartbeat(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("heartbeat: expected ErrNotAuthenticated, got %v", err)
	}
	if err := s.SendCoordinate(ctx, 1, 1); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("coordinates: expected ErrNotAuthenticated, got %v", err)
	}
	if err := s.Logout(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("logout: expected ErrNotAuthenticated, got %v", err)
	}
	if got := s.Stats().Sent(protocol.KindHeartbeat); got != 0 {
		t.Fatalf("nothing should reach the wire, sent %d heartbeats", got)
	}
}

func TestOperationsAfterLogout(t *testing.T) {
	addr, _ := startCollector(t, true)
	s := NewSession(Config{Server: addr})
	ctx := context.Background()

	if _, err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatal(err)
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Login(ctx, testUser, testPassword); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("login: expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.Heartbeat(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("heartbeat: expected ErrSessionClosed, got %v", err)
	}
	if err := s.SendCoordinate(ctx, 1, 1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("coordinates: expected ErrSessionClosed, got %v", err)
	}
	if err := s.Logout(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("logout: expected ErrSessionClosed, got %v", err)
	}
}

func TestLoginRejected(t *testing.T) {
	addr, _ := startCollector(t, true)
	s := NewSession(Config{Server: addr})
	ctx := context.Background()

	if _, err := s.Login(ctx, testUser, "wrong"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state after rejected login: %s", s.State())
	}

	// A rejected login does not close the session.
	if _, err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Login(ctx, testUser, testPassword); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("second login: expected ErrAlreadyAuthenticated, got %v", err)
	}
}

func TestExchangeTimeout(t *testing.T) {
	addr := fakeCollector(t, func([]byte) []byte { return nil })
	s := NewSession(Config{Server: addr, Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := s.Login(context.Background(), testUser, testPassword)
	if !errors.Is(err, ErrExchangeTimeout) {
		t.Fatalf("expected ErrExchangeTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state: %s", s.State())
	}
	if got := s.Stats().Failed(protocol.KindLogin); got != 1 {
		t.Fatalf("failed logins: %d", got)
	}
}

func TestExchangeCancelled(t *testing.T) {
	addr := fakeCollector(t, func([]byte) []byte { return nil })
	s := NewSession(Config{Server: addr, Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	if _, err := s.Login(ctx, testUser, testPassword); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLogoutTerminatesWithoutReply(t *testing.T) {
	addr := fakeCollector(t, loginOnly)
	s := NewSession(Config{Server: addr, Timeout: 100 * time.Millisecond})
	ctx := context.Background()

	if _, err := s.Login(ctx, "anyone", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Logout(ctx); !errors.Is(err, ErrExchangeTimeout) {
		t.Fatalf("expected ErrExchangeTimeout, got %v", err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("logout must terminate regardless of outcome, state=%s", s.State())
	}
}

func TestRejectedRequests(t *testing.T) {
	addr := fakeCollector(t, func(req []byte) []byte {
		kind := protocol.Kind(req[0])
		if kind == protocol.KindLogin {
			return protocol.Success(kind, 7).Bytes()
		}
		return protocol.Failure(kind).Bytes()
	})
	s := NewSession(Config{Server: addr})
	ctx := context.Background()

	if _, err := s.Login(ctx, "anyone", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Heartbeat(ctx); !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("heartbeat: expected ErrRequestRejected, got %v", err)
	}
	if err := s.SendCoordinate(ctx, 1, 2); !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("coordinates: expected ErrRequestRejected, got %v", err)
	}
	// Rejections are not session errors.
	if id, ok := s.Identity(); !ok || id != 7 {
		t.Fatalf("identity: %d %v", id, ok)
	}
}

func TestUnexpectedReplyKind(t *testing.T) {
	addr := fakeCollector(t, func([]byte) []byte {
		return protocol.Success(protocol.KindLogout, 7).Bytes()
	})
	s := NewSession(Config{Server: addr})
	if _, err := s.Login(context.Background(), "anyone", "x"); !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("expected ErrUnexpectedReply, got %v", err)
	}
}

func TestMalformedLoginIdentity(t *testing.T) {
	addr := fakeCollector(t, func([]byte) []byte {
		return protocol.BuildResponse(protocol.KindLogin, protocol.StatusSuccess, "abc").Bytes()
	})
	s := NewSession(Config{Server: addr})
	if _, err := s.Login(context.Background(), "anyone", "x"); !errors.Is(err, protocol.ErrInvalidClientID) {
		t.Fatalf("expected ErrInvalidClientID, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state: %s", s.State())
	}
}

func TestHeartbeatRefreshesIdentity(t *testing.T) {
	addr := fakeCollector(t, func(req []byte) []byte {
		kind := protocol.Kind(req[0])
		if kind == protocol.KindLogin {
			return protocol.Success(kind, 7).Bytes()
		}
		return protocol.Success(kind, 8).Bytes()
	})
	s := NewSession(Config{Server: addr})
	ctx := context.Background()

	if _, err := s.Login(ctx, "anyone", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if id, _ := s.Identity(); id != 8 {
		t.Fatalf("identity after heartbeat: %d, want 8", id)
	}
}

func TestFireAndForget(t *testing.T) {
	addr, st := startCollector(t, false)
	s := NewSession(Config{Server: addr, FireAndForget: true, Timeout: time.Second})
	ctx := context.Background()

	if _, err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatal(err)
	}
	if err := s.SendCoordinate(ctx, 1, 2); err != nil {
		t.Fatal(err)
	}
	// The collector handles datagrams in order, so once the heartbeat is
	// answered the coordinate has been stored.
	if _, err := s.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if recs, _ := st.Coordinates(ctx, testClientID); len(recs) != 1 {
		t.Fatalf("coordinates stored: %d", len(recs))
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("state: %s", s.State())
	}
}

func TestConcurrentHeartbeatAndCoordinates(t *testing.T) {
	addr, st := startCollector(t, true)
	s := NewSession(Config{Server: addr})
	ctx := context.Background()

	if _, err := s.Login(ctx, testUser, testPassword); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := s.Heartbeat(ctx); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := s.SendCoordinate(ctx, float64(i), float64(-i)); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	hb, _ := st.Heartbeats(ctx, testClientID)
	coords, _ := st.Coordinates(ctx, testClientID)
	if len(hb) != n || len(coords) != n {
		t.Fatalf("stored %d heartbeats and %d coordinates, want %d each", len(hb), len(coords), n)
	}
}
