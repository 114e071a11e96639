// Package state persists the small amount of client state that must
// survive restarts: the session token, the device id, and per-feed
// resume cursors. Everything else (entity cache, subscriptions, peers)
// is rebuilt from the server on reconnect.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	cursorsBucket = []byte("cursors")

	tokenKey    = []byte("token")
	deviceIDKey = []byte("device_id")
)

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.plexus/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(cursorsBucket)
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

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken stores the session token. An empty token clears it.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, token)
}

// DeviceID returns the stable device identifier, or empty string.
func (s *State) DeviceID() string {
	return s.appValue(deviceIDKey)
}

// SetDeviceID stores the device identifier.
func (s *State) SetDeviceID(id string) error {
	return s.setAppValue(deviceIDKey, id)
}

// Cursor returns the resume cursor for a feed, or empty string.
func (s *State) Cursor(feed string) string {
	var cur string
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get([]byte(feed))
		if v != nil {
			cur = string(v)
		}
		return nil
	})
	return cur
}

// SetCursor stores the last-seen id for a feed so a restart resumes
// pagination rather than refetching from the top.
func (s *State) SetCursor(feed, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put([]byte(feed), []byte(id))
	})
	if err != nil {
		return fmt.Errorf("storing cursor: %w", err)
	}
	return nil
}

func (s *State) appValue(key []byte) string {
	var val string
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val
}

func (s *State) setAppValue(key []byte, val string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if val == "" {
			return b.Delete(key)
		}
		return b.Put(key, []byte(val))
	})
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".plexus", "state.db")
}
