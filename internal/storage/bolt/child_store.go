package bolt

import (
	"context"
	"encoding/json"

	"github.com/goodtune/screentime/internal/storage"
	"go.etcd.io/bbolt"
)

type childStore struct {
	db *bbolt.DB
}

func (s *childStore) Upsert(ctx context.Context, child storage.Child) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketChildren, child.ID, child)
	})
}

func (s *childStore) Get(ctx context.Context, id string) (*storage.Child, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var child storage.Child
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketChildren, id, &child)
	})
	if err != nil {
		return nil, err
	}
	return &child, nil
}

func (s *childStore) List(ctx context.Context) ([]storage.Child, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var children []storage.Child
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketChildren)).ForEach(func(_, v []byte) error {
			var child storage.Child
			if err := json.Unmarshal(v, &child); err != nil {
				return err
			}
			children = append(children, child)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}
