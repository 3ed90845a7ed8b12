package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Records are lost when the process exits.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]User
	heartbeats  []HeartbeatRecord
	coordinates []CoordinateRecord
	closed      bool

	feed *Feed
	opts options
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		users: make(map[string]User),
		feed:  NewFeed(),
		opts:  buildOptions(opts),
	}
}

func (m *Memory) AddUser(_ context.Context, name, username, password string, clientID uint32) (User, error) {
	u, err := newUser(name, username, password, clientID, m.opts.hashCost)
	if err != nil {
		return User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return User{}, ErrClosed
	}
	for _, existing := range m.users {
		if existing.Username == username || existing.ClientID == clientID {
			return User{}, fmt.Errorf("%w: %s/%d", ErrDuplicateUser, username, clientID)
		}
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) Authenticate(_ context.Context, username, password string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			if passwordMatches(u, password) {
				return u, nil
			}
			break
		}
	}
	return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
}

func (m *Memory) UserByClientID(_ context.Context, clientID uint32) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ClientID == clientID {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("client %d: %w", clientID, ErrNotFound)
}

func (m *Memory) UserByID(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

// Users returns all accounts ordered by client id.
func (m *Memory) Users(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (m *Memory) CreateHeartbeat(_ context.Context, rec HeartbeatRecord) (HeartbeatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return HeartbeatRecord{}, ErrClosed
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.heartbeats = append(m.heartbeats, rec)
	return rec, nil
}

func (m *Memory) CreateCoordinate(_ context.Context, rec CoordinateRecord) (CoordinateRecord, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return CoordinateRecord{}, ErrClosed
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.coordinates = append(m.coordinates, rec)
	m.mu.Unlock()

	m.feed.Publish(rec)
	return rec, nil
}

// DeleteByClientID removes every heartbeat and coordinate record of the
// client and returns how many were removed.
func (m *Memory) DeleteByClientID(_ context.Context, clientID uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	hb := m.heartbeats[:0]
	for _, r := range m.heartbeats {
		if r.ClientID == clientID {
			removed++
			continue
		}
		hb = append(hb, r)
	}
	m.heartbeats = hb

	coords := m.coordinates[:0]
	for _, r := range m.coordinates {
		if r.ClientID == clientID {
			removed++
			continue
		}
		coords = append(coords, r)
	}
	m.coordinates = coords
	return removed, nil
}

func (m *Memory) Heartbeats(_ context.Context, clientID uint32) ([]HeartbeatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HeartbeatRecord
	for _, r := range m.heartbeats {
		if r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Coordinates(_ context.Context, clientID uint32) ([]CoordinateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CoordinateRecord
	for _, r := range m.coordinates {
		if r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Subscribe() (<-chan CoordinateRecord, func()) {
	return m.feed.Subscribe()
}

// Subscribers reports how many live subscriptions the feed holds.
func (m *Memory) Subscribers() int { return m.feed.Subscribers() }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.feed.Close()
	return nil
}
