package bolt

import (
	"context"
	"encoding/json"

	"github.com/goodtune/screentime/internal/storage"
	"go.etcd.io/bbolt"
)

type agentStore struct {
	db *bbolt.DB
}

func (s *agentStore) Upsert(ctx context.Context, agent storage.Agent) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketAgents, agent.ID, agent)
	})
}

func (s *agentStore) Get(ctx context.Context, id string) (*storage.Agent, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var agent storage.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketAgents, id, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *agentStore) List(ctx context.Context) ([]storage.Agent, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var agents []storage.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAgents)).ForEach(func(_, v []byte) error {
			var agent storage.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, agent)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}
