package bolt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goodtune/screentime/internal/storage"
	"go.etcd.io/bbolt"
)

type violationStore struct {
	db *bbolt.DB
}

func (s *violationStore) Add(ctx context.Context, violation storage.Violation) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketViolations, violation.ID, violation)
	})
}

// List returns violations newest first. ULID keys sort by creation time, so
// a reverse bucket scan is already time-ordered.
func (s *violationStore) List(ctx context.Context, filter storage.ViolationFilter) ([]storage.Violation, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var violations []storage.Violation
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketViolations)).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var violation storage.Violation
			if err := json.Unmarshal(v, &violation); err != nil {
				return err
			}
			if filter.AgentID != "" && violation.AgentID != filter.AgentID {
				continue
			}
			if filter.ChildID != "" && violation.ChildID != filter.ChildID {
				continue
			}
			violations = append(violations, violation)
			if filter.Limit > 0 && len(violations) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}

func (s *violationStore) Clear(ctx context.Context) (int, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketViolations))
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *violationStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketViolations)).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var violation storage.Violation
			if err := json.Unmarshal(v, &violation); err != nil {
				return err
			}
			if violation.Timestamp.Before(cutoff) {
				if err := cursor.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
