package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket       = []byte("users")
	heartbeatBucket   = []byte("heartbeat")
	coordinatesBucket = []byte("coordinates")
)

// Bolt is a Store backed by a single bbolt file. Records are JSON values keyed
// by their id; lookups by client id scan the bucket.
type Bolt struct {
	db   *bolt.DB
	feed *Feed
	opts options
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, heartbeatBucket, coordinatesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, feed: NewFeed(), opts: buildOptions(opts)}, nil
}

func (b *Bolt) AddUser(_ context.Context, name, username, password string, clientID uint32) (User, error) {
	u, err := newUser(name, username, password, clientID, b.opts.hashCost)
	if err != nil {
		return User{}, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usersBucket)
		err := forEach(bkt, func(existing User) bool {
			return existing.Username == username || existing.ClientID == clientID
		}, func(User) error {
			return fmt.Errorf("%w: %s/%d", ErrDuplicateUser, username, clientID)
		})
		if err != nil {
			return err
		}
		return put(bkt, u.ID, u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (b *Bolt) Authenticate(_ context.Context, username, password string) (User, error) {
	u, err := b.findUser(func(u User) bool { return u.Username == username })
	if err != nil {
		return User{}, fmt.Errorf("user %q: %w", username, err)
	}
	if !passwordMatches(u, password) {
		return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return u, nil
}

func (b *Bolt) UserByClientID(_ context.Context, clientID uint32) (User, error) {
	u, err := b.findUser(func(u User) bool { return u.ClientID == clientID })
	if err != nil {
		return User{}, fmt.Errorf("client %d: %w", clientID, err)
	}
	return u, nil
}

func (b *Bolt) UserByID(_ context.Context, id string) (User, error) {
	var u User
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

func (b *Bolt) Users(_ context.Context) ([]User, error) {
	var out []User
	err := b.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(usersBucket), func(User) bool { return true }, func(u User) error {
			out = append(out, u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (b *Bolt) CreateHeartbeat(_ context.Context, rec HeartbeatRecord) (HeartbeatRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(heartbeatBucket), rec.ID, rec)
	})
	if err != nil {
		return HeartbeatRecord{}, fmt.Errorf("create heartbeat: %w", err)
	}
	return rec, nil
}

func (b *Bolt) CreateCoordinate(_ context.Context, rec CoordinateRecord) (CoordinateRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(coordinatesBucket), rec.ID, rec)
	})
	if err != nil {
		return CoordinateRecord{}, fmt.Errorf("create coordinate: %w", err)
	}
	b.feed.Publish(rec)
	return rec, nil
}

// clientRecord is the subset of fields DeleteByClientID needs from either
// record bucket.
type clientRecord struct {
	ClientID uint32 `json:"client_id"`
}

func (b *Bolt) DeleteByClientID(_ context.Context, clientID uint32) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{heartbeatBucket, coordinatesBucket} {
			bkt := tx.Bucket(name)
			var keys [][]byte
			err := bkt.ForEach(func(k, v []byte) error {
				var r clientRecord
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				if r.ClientID == clientID {
					keys = append(keys, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			// Deleting inside ForEach is not allowed.
			for _, k := range keys {
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
			removed += len(keys)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete records of client %d: %w", clientID, err)
	}
	return removed, nil
}

func (b *Bolt) Heartbeats(_ context.Context, clientID uint32) ([]HeartbeatRecord, error) {
	var out []HeartbeatRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(heartbeatBucket), func(r HeartbeatRecord) bool {
			return r.ClientID == clientID
		}, func(r HeartbeatRecord) error {
			out = append(out, r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, err
}

func (b *Bolt) Coordinates(_ context.Context, clientID uint32) ([]CoordinateRecord, error) {
	var out []CoordinateRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(coordinatesBucket), func(r CoordinateRecord) bool {
			return r.ClientID == clientID
		}, func(r CoordinateRecord) error {
			out = append(out, r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, err
}

func (b *Bolt) Subscribe() (<-chan CoordinateRecord, func()) {
	return b.feed.Subscribe()
}

func (b *Bolt) Subscribers() int { return b.feed.Subscribers() }

func (b *Bolt) Close() error {
	b.feed.Close()
	return b.db.Close()
}

func (b *Bolt) findUser(match func(User) bool) (User, error) {
	var found *User
	err := b.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(usersBucket), match, func(u User) error {
			found = &u
			return errStop
		})
	})
	if err != nil && !errors.Is(err, errStop) {
		return User{}, err
	}
	if found == nil {
		return User{}, ErrNotFound
	}
	return *found, nil
}

// errStop ends a forEach scan early without reporting a failure.
var errStop = errors.New("stop")

func put(bkt *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(id), data)
}

// forEach decodes every value in bkt and calls fn for those match accepts.
func forEach[T any](bkt *bolt.Bucket, match func(T) bool, fn func(T) error) error {
	return bkt.ForEach(func(_, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !match(rec) {
			return nil
		}
		return fn(rec)
	})
}
