package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var appBucket = []byte("app")

func userMessagesBucket(userID string) []byte {
	return []byte("user:" + userID + ":messages")
}

func userMetaBucket(userID string) []byte {
	return []byte("user:" + userID + ":meta")
}

var lastFetchKey = []byte("last_fetch")

// State wraps a bbolt database holding the locally persisted message
// baseline and per-user sync cursors. A restarted session hydrates its
// store from here before the first history fetch completes.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the given path, creating it if it
// does not exist. The app bucket is created on open.
func Load(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// InitUserBuckets ensures the message and meta buckets exist for the
// given user. Call this once when a session starts.
func (s *State) InitUserBuckets(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(userMessagesBucket(userID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(userMetaBucket(userID))

		return err
	})
}

// Messages returns every persisted message for the user, in bucket
// order. Callers re-sort by timestamp; bucket order is id order.
func (s *State) Messages(userID string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userMessagesBucket(userID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				// A corrupt record should not poison the whole
				// baseline. Skip it; the next fetch restores it.
				return nil
			}

			msgs = append(msgs, m)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading messages for %s: %w", userID, err)
	}

	return msgs, nil
}

// PutMessages persists messages keyed by id, overwriting prior values.
func (s *State) PutMessages(userID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(userMessagesBucket(userID))
		if err != nil {
			return err
		}

		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(m.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// DeleteMessage removes a persisted message. Used when reconciliation
// replaces a temporary optimistic id with the confirmed one.
func (s *State) DeleteMessage(userID, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(userMessagesBucket(userID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(messageID))
	})
}

// LastFetch returns the time of the last successful history fetch for
// the user, or the zero time when none is recorded.
func (s *State) LastFetch(userID string) (time.Time, error) {
	var t time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userMetaBucket(userID))
		if b == nil {
			return nil
		}

		v := b.Get(lastFetchKey)
		if v == nil {
			return nil
		}

		return t.UnmarshalText(v)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading fetch cursor for %s: %w", userID, err)
	}

	return t, nil
}

// SetLastFetch records the time of a successful history fetch.
func (s *State) SetLastFetch(userID string, t time.Time) error {
	data, err := t.MarshalText()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(userMetaBucket(userID))
		if err != nil {
			return err
		}

		return b.Put(lastFetchKey, data)
	})
}
