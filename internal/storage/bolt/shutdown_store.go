package bolt

import (
	"context"
	"encoding/json"

	"github.com/goodtune/screentime/internal/storage"
	"go.etcd.io/bbolt"
)

type shutdownStore struct {
	db *bbolt.DB
}

func (s *shutdownStore) Upsert(ctx context.Context, shutdown storage.PendingShutdown) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketShutdowns, shutdown.AgentID, shutdown)
	})
}

func (s *shutdownStore) Get(ctx context.Context, agentID string) (*storage.PendingShutdown, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var shutdown storage.PendingShutdown
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketShutdowns, agentID, &shutdown)
	})
	if err != nil {
		return nil, err
	}
	return &shutdown, nil
}

func (s *shutdownStore) List(ctx context.Context) ([]storage.PendingShutdown, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var shutdowns []storage.PendingShutdown
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketShutdowns)).ForEach(func(_, v []byte) error {
			var shutdown storage.PendingShutdown
			if err := json.Unmarshal(v, &shutdown); err != nil {
				return err
			}
			shutdowns = append(shutdowns, shutdown)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return shutdowns, nil
}

func (s *shutdownStore) Delete(ctx context.Context, agentID string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketShutdowns)).Delete([]byte(agentID))
	})
}
