package bolt

import (
	"context"

	"github.com/goodtune/screentime/internal/storage"
	"go.etcd.io/bbolt"
)

type settingsStore struct {
	db *bbolt.DB
}

func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var settings storage.Settings
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketSettings, settingsKey, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketSettings, settingsKey, settings)
	})
}
