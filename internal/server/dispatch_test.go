package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/chronologos/gpstrack/internal/protocol"
	"github.com/chronologos/gpstrack/internal/store"
)

var testSrc = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, st Store) *Server {
	t.Helper()
	return New(Config{
		Store:          st,
		AckCoordinates: true,
		AckLogout:      true,
		Now:            func() time.Time { return fixedNow },
	})
}

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory(store.WithHashCost(bcrypt.MinCost))
	if _, err := st.AddUser(context.Background(), "Root", "root", "notsecurepassword", 24564); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func request(t *testing.T, msg any) []byte {
	t.Helper()
	env, err := protocol.EncodeRequest(msg)
	if err != nil {
		t.Fatal(err)
	}
	return env.Bytes()
}

func mustResponse(t *testing.T, reply []byte) *protocol.Response {
	t.Helper()
	if reply == nil {
		t.Fatal("expected a reply, got none")
	}
	resp, err := protocol.ParseResponse(reply)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestLoginSuccess(t *testing.T) {
	s := newTestServer(t, seededStore(t))
	reply := s.Handle(context.Background(), request(t, &protocol.Login{Username: "root", Password: "notsecurepassword"}), testSrc)

	resp := mustResponse(t, reply)
	if resp.Kind != protocol.KindLogin || resp.Status != protocol.StatusSuccess || resp.Identity != "24564" {
		t.Fatalf("got %+v", resp)
	}
}

func TestLoginFailureRepliesWithPlaceholder(t *testing.T) {
	s := newTestServer(t, seededStore(t))
	reply := s.Handle(context.Background(), request(t, &protocol.Login{Username: "root", Password: "wrong"}), testSrc)

	resp := mustResponse(t, reply)
	if resp.Status != protocol.StatusError || resp.Identity != protocol.PlaceholderIdentity {
		t.Fatalf("got %+v", resp)
	}
	if got := testutil.ToFloat64(s.metrics.responses.WithLabelValues("login", "error")); got != 1 {
		t.Fatalf("error responses: got %v, want 1", got)
	}
}

func TestHeartbeatPersistsRecord(t *testing.T) {
	st := seededStore(t)
	s := newTestServer(t, st)
	reply := s.Handle(context.Background(), request(t, &protocol.Heartbeat{ClientID: 24564}), testSrc)

	resp := mustResponse(t, reply)
	if resp.Kind != protocol.KindHeartbeat || resp.Status != protocol.StatusSuccess || resp.Identity != "24564" {
		t.Fatalf("got %+v", resp)
	}

	recs, _ := st.Heartbeats(context.Background(), 24564)
	if len(recs) != 1 {
		t.Fatalf("heartbeat records: got %d, want 1", len(recs))
	}
	if recs[0].SourceAddress != testSrc.String() || !recs[0].Timestamp.Equal(fixedNow) {
		t.Fatalf("record: %+v", recs[0])
	}
}

func TestHeartbeatUnknownClient(t *testing.T) {
	st := seededStore(t)
	s := newTestServer(t, st)
	reply := s.Handle(context.Background(), request(t, &protocol.Heartbeat{ClientID: 1}), testSrc)

	resp := mustResponse(t, reply)
	if resp.Status != protocol.StatusError || resp.Identity != protocol.PlaceholderIdentity {
		t.Fatalf("got %+v", resp)
	}
	if recs, _ := st.Heartbeats(context.Background(), 1); len(recs) != 0 {
		t.Fatalf("record stored for unknown client: %+v", recs)
	}
}

// failingStore wraps a Store and fails the write operations.
type failingStore struct {
	Store
}

var errDiskFull = errors.New("disk full")

func (failingStore) CreateHeartbeat(context.Context, store.HeartbeatRecord) (store.HeartbeatRecord, error) {
	return store.HeartbeatRecord{}, errDiskFull
}

func (failingStore) CreateCoordinate(context.Context, store.CoordinateRecord) (store.CoordinateRecord, error) {
	return store.CoordinateRecord{}, errDiskFull
}

func (failingStore) DeleteByClientID(context.Context, uint32) (int, error) {
	return 0, errDiskFull
}

func TestPersistenceFailureStillReplies(t *testing.T) {
	s := newTestServer(t, failingStore{seededStore(t)})
	ctx := context.Background()

	for _, msg := range []any{
		&protocol.Heartbeat{ClientID: 24564},
		&protocol.Coordinates{ClientID: 24564, Latitude: 1, Longitude: 2},
		&protocol.Logout{ClientID: 24564},
	} {
		resp := mustResponse(t, s.Handle(ctx, request(t, msg), testSrc))
		if resp.Status != protocol.StatusError {
			t.Fatalf("%T: expected error status, got %+v", msg, resp)
		}
	}
}

func TestCoordinatesAcknowledged(t *testing.T) {
	st := seededStore(t)
	s := newTestServer(t, st)
	msg := &protocol.Coordinates{ClientID: 24564, Latitude: 10.00001, Longitude: -127.000001}

	resp := mustResponse(t, s.Handle(context.Background(), request(t, msg), testSrc))
	if resp.Kind != protocol.KindCoordinates || resp.Status != protocol.StatusSuccess || resp.Identity != "24564" {
		t.Fatalf("got %+v", resp)
	}

	recs, _ := st.Coordinates(context.Background(), 24564)
	if len(recs) != 1 || recs[0].Latitude != 10.00001 || recs[0].Longitude != -127.000001 {
		t.Fatalf("records: %+v", recs)
	}
}

func TestCoordinatesUnknownClient(t *testing.T) {
	s := newTestServer(t, seededStore(t))
	msg := &protocol.Coordinates{ClientID: 9, Latitude: 1, Longitude: 1}
	resp := mustResponse(t, s.Handle(context.Background(), request(t, msg), testSrc))
	if resp.Status != protocol.StatusError {
		t.Fatalf("got %+v", resp)
	}
}

func TestFireAndForgetKindsGetNoReply(t *testing.T) {
	st := seededStore(t)
	s := New(Config{Store: st}) // acks disabled
	ctx := context.Background()

	if reply := s.Handle(ctx, request(t, &protocol.Coordinates{ClientID: 24564, Latitude: 1, Longitude: 2}), testSrc); reply != nil {
		t.Fatalf("coordinates: expected no reply, got % X", reply)
	}
	if recs, _ := st.Coordinates(ctx, 24564); len(recs) != 1 {
		t.Fatalf("coordinates not persisted without ack: %d records", len(recs))
	}

	if reply := s.Handle(ctx, request(t, &protocol.Logout{ClientID: 24564}), testSrc); reply != nil {
		t.Fatalf("logout: expected no reply, got % X", reply)
	}
	if recs, _ := st.Coordinates(ctx, 24564); len(recs) != 0 {
		t.Fatalf("logout did not delete records: %d left", len(recs))
	}

	// Login and heartbeat always reply.
	if reply := s.Handle(ctx, request(t, &protocol.Heartbeat{ClientID: 24564}), testSrc); reply == nil {
		t.Fatal("heartbeat: expected reply")
	}
}

func TestLogoutDeletesRecords(t *testing.T) {
	st := seededStore(t)
	s := newTestServer(t, st)
	ctx := context.Background()

	s.Handle(ctx, request(t, &protocol.Heartbeat{ClientID: 24564}), testSrc)
	s.Handle(ctx, request(t, &protocol.Coordinates{ClientID: 24564, Latitude: 1, Longitude: 1}), testSrc)

	resp := mustResponse(t, s.Handle(ctx, request(t, &protocol.Logout{ClientID: 24564}), testSrc))
	if resp.Kind != protocol.KindLogout || resp.Status != protocol.StatusSuccess {
		t.Fatalf("got %+v", resp)
	}
	hb, _ := st.Heartbeats(ctx, 24564)
	coords, _ := st.Coordinates(ctx, 24564)
	if len(hb) != 0 || len(coords) != 0 {
		t.Fatalf("records left: %d heartbeats, %d coordinates", len(hb), len(coords))
	}
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	s := newTestServer(t, seededStore(t))
	ctx := context.Background()

	cases := []struct {
		name   string
		data   []byte
		reason string
	}{
		{"empty", nil, dropFraming},
		{"no length byte", []byte{0x03, 0x00}, dropFraming},
		{"short heartbeat", []byte{0x03, 0x00, 0x04, 0x00}, dropDecode},
		{"login without separator", []byte{0x01, 0x00, 0x02, 'a', 'b'}, dropDecode},
		{"coordinates without id", []byte{0x02, 0x00, 0x04}, dropDecode},
		{"unknown kind", []byte{0x09, 0x00, 0x00}, dropInvalid},
		{"zero kind", []byte{0x00, 0x00, 0x00, 0x01}, dropInvalid},
	}
	for _, c := range cases {
		before := testutil.ToFloat64(s.metrics.dropped.WithLabelValues(c.reason))
		if reply := s.Handle(ctx, c.data, testSrc); reply != nil {
			t.Fatalf("%s: expected no reply, got % X", c.name, reply)
		}
		after := testutil.ToFloat64(s.metrics.dropped.WithLabelValues(c.reason))
		if after != before+1 {
			t.Fatalf("%s: dropped{%s} went %v -> %v", c.name, c.reason, before, after)
		}
	}
}
