// Package store holds the collaborators the collector persists through:
// credential lookup and heartbeat/coordinate records. Memory keeps everything
// in process; Bolt persists to a bbolt file. Both fan created coordinate
// records out to live subscribers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateUser = errors.New("user already exists")
	ErrInvalidUser   = errors.New("invalid user")
	ErrClosed        = errors.New("store closed")
)

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Username     string `json:"username"`
	PasswordHash []byte `json:"password_hash"`
	ClientID     uint32 `json:"client_id"`
}

type HeartbeatRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ClientID      uint32    `json:"client_id"`
	SourceAddress string    `json:"source_address"`
	Timestamp     time.Time `json:"timestamp"`
}

type CoordinateRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ClientID  uint32    `json:"client_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the full collaborator surface. Consumers should accept the
// narrower interface they need.
type Store interface {
	AddUser(ctx context.Context, name, username, password string, clientID uint32) (User, error)
	Authenticate(ctx context.Context, username, password string) (User, error)
	UserByClientID(ctx context.Context, clientID uint32) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	Users(ctx context.Context) ([]User, error)

	CreateHeartbeat(ctx context.Context, rec HeartbeatRecord) (HeartbeatRecord, error)
	CreateCoordinate(ctx context.Context, rec CoordinateRecord) (CoordinateRecord, error)
	DeleteByClientID(ctx context.Context, clientID uint32) (int, error)
	Heartbeats(ctx context.Context, clientID uint32) ([]HeartbeatRecord, error)
	Coordinates(ctx context.Context, clientID uint32) ([]CoordinateRecord, error)

	Subscribe() (<-chan CoordinateRecord, func())
	Close() error
}

type options struct {
	hashCost int
}

// Option configures a store.
type Option func(*options)

// WithHashCost sets the bcrypt cost used for new passwords.
func WithHashCost(cost int) Option {
	return func(o *options) {
		o.hashCost = cost
	}
}

func buildOptions(opts []Option) options {
	o := options{hashCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newUser validates the account fields and hashes the password.
// bcrypt rejects passwords longer than 72 bytes.
func newUser(name, username, password string, clientID uint32, cost int) (User, error) {
	if username == "" {
		return User{}, errors.Join(ErrInvalidUser, errors.New("username is empty"))
	}
	if clientID == 0 {
		return User{}, errors.Join(ErrInvalidUser, errors.New("client id must be non-zero"))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return User{}, errors.Join(ErrInvalidUser, err)
	}
	return User{
		ID:           uuid.NewString(),
		Name:         name,
		Username:     username,
		PasswordHash: hash,
		ClientID:     clientID,
	}, nil
}

func passwordMatches(u User, password string) bool {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) == nil
}
