package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/screentime/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketAgents     = "agents"
	bucketChildren   = "children"
	bucketViolations = "violations"
	bucketSettings   = "settings"
	bucketShutdowns  = "shutdowns"

	settingsKey = "current"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{
			bucketAgents,
			bucketChildren,
			bucketViolations,
			bucketSettings,
			bucketShutdowns,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Agents returns the agent store.
func (s *Store) Agents() storage.AgentStore {
	return &agentStore{db: s.db}
}

// Children returns the child store.
func (s *Store) Children() storage.ChildStore {
	return &childStore{db: s.db}
}

// Violations returns the violation store.
func (s *Store) Violations() storage.ViolationStore {
	return &violationStore{db: s.db}
}

// Settings returns the settings store.
func (s *Store) Settings() storage.SettingsStore {
	return &settingsStore{db: s.db}
}

// Shutdowns returns the pending-shutdown store.
func (s *Store) Shutdowns() storage.ShutdownStore {
	return &shutdownStore{db: s.db}
}

// putJSON marshals a value into a bucket under key.
func putJSON(tx *bbolt.Tx, bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

// getJSON unmarshals a value from a bucket, returning storage.ErrNotFound
// for a missing key.
func getJSON(tx *bbolt.Tx, bucket, key string, out any) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return storage.ErrNotFound
	}
	return json.Unmarshal(data, out)
}

// contextErr short-circuits storage calls on a cancelled context.
func contextErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
