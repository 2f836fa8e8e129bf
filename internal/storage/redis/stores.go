package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/goodtune/screentime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// getRecord loads and unmarshals one JSON record, mapping redis.Nil to
// storage.ErrNotFound.
func getRecord(ctx context.Context, client *redis.Client, key string, out any) error {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// putRecord marshals and stores one JSON record and registers its ID in the
// index set.
func putRecord(ctx context.Context, client *redis.Client, key, indexSet, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, indexSet, id)
	_, err = pipe.Exec(ctx)
	return err
}

type agentStore struct {
	client *redis.Client
}

func (s *agentStore) Upsert(ctx context.Context, agent storage.Agent) error {
	return putRecord(ctx, s.client, keyPrefix+"agent:"+agent.ID, keyPrefix+"agents", agent.ID, agent)
}

func (s *agentStore) Get(ctx context.Context, id string) (*storage.Agent, error) {
	var agent storage.Agent
	if err := getRecord(ctx, s.client, keyPrefix+"agent:"+id, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *agentStore) List(ctx context.Context) ([]storage.Agent, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+"agents").Result()
	if err != nil {
		return nil, err
	}

	agents := make([]storage.Agent, 0, len(ids))
	for _, id := range ids {
		var agent storage.Agent
		if err := getRecord(ctx, s.client, keyPrefix+"agent:"+id, &agent); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

type childStore struct {
	client *redis.Client
}

func (s *childStore) Upsert(ctx context.Context, child storage.Child) error {
	return putRecord(ctx, s.client, keyPrefix+"child:"+child.ID, keyPrefix+"children", child.ID, child)
}

func (s *childStore) Get(ctx context.Context, id string) (*storage.Child, error) {
	var child storage.Child
	if err := getRecord(ctx, s.client, keyPrefix+"child:"+id, &child); err != nil {
		return nil, err
	}
	return &child, nil
}

func (s *childStore) List(ctx context.Context) ([]storage.Child, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+"children").Result()
	if err != nil {
		return nil, err
	}

	children := make([]storage.Child, 0, len(ids))
	for _, id := range ids {
		var child storage.Child
		if err := getRecord(ctx, s.client, keyPrefix+"child:"+id, &child); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

type violationStore struct {
	client *redis.Client
}

func (s *violationStore) Add(ctx context.Context, violation storage.Violation) error {
	data, err := json.Marshal(violation)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+"violation:"+violation.ID, data, 0)
	pipe.ZAdd(ctx, keyPrefix+"violations", redis.Z{
		Score:  float64(violation.Timestamp.Unix()),
		Member: violation.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *violationStore) List(ctx context.Context, filter storage.ViolationFilter) ([]storage.Violation, error) {
	// Newest first.
	ids, err := s.client.ZRevRange(ctx, keyPrefix+"violations", 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var violations []storage.Violation
	for _, id := range ids {
		var violation storage.Violation
		if err := getRecord(ctx, s.client, keyPrefix+"violation:"+id, &violation); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.AgentID != "" && violation.AgentID != filter.AgentID {
			continue
		}
		if filter.ChildID != "" && violation.ChildID != filter.ChildID {
			continue
		}
		violations = append(violations, violation)
		if filter.Limit > 0 && len(violations) >= filter.Limit {
			break
		}
	}
	return violations, nil
}

func (s *violationStore) Clear(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, keyPrefix+"violations", 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, keyPrefix+"violation:"+id)
	}
	pipe.Del(ctx, keyPrefix+"violations")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *violationStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconvScore(cutoff)
	ids, err := s.client.ZRangeByScore(ctx, keyPrefix+"violations", &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, keyPrefix+"violation:"+id)
		pipe.ZRem(ctx, keyPrefix+"violations", id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

type settingsStore struct {
	client *redis.Client
}

func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	var settings storage.Settings
	if err := getRecord(ctx, s.client, keyPrefix+"settings", &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+"settings", data, 0).Err()
}

type shutdownStore struct {
	client *redis.Client
}

func (s *shutdownStore) Upsert(ctx context.Context, shutdown storage.PendingShutdown) error {
	return putRecord(ctx, s.client, keyPrefix+"shutdown:"+shutdown.AgentID, keyPrefix+"shutdowns", shutdown.AgentID, shutdown)
}

func (s *shutdownStore) Get(ctx context.Context, agentID string) (*storage.PendingShutdown, error) {
	var shutdown storage.PendingShutdown
	if err := getRecord(ctx, s.client, keyPrefix+"shutdown:"+agentID, &shutdown); err != nil {
		return nil, err
	}
	return &shutdown, nil
}

func (s *shutdownStore) List(ctx context.Context) ([]storage.PendingShutdown, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+"shutdowns").Result()
	if err != nil {
		return nil, err
	}

	shutdowns := make([]storage.PendingShutdown, 0, len(ids))
	for _, id := range ids {
		var shutdown storage.PendingShutdown
		if err := getRecord(ctx, s.client, keyPrefix+"shutdown:"+id, &shutdown); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		shutdowns = append(shutdowns, shutdown)
	}
	return shutdowns, nil
}

func (s *shutdownStore) Delete(ctx context.Context, agentID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyPrefix+"shutdown:"+agentID)
	pipe.SRem(ctx, keyPrefix+"shutdowns", agentID)
	_, err := pipe.Exec(ctx)
	return err
}

func strconvScore(t time.Time) string {
	// Exclusive upper bound: DeleteBefore removes strictly-older entries.
	return "(" + strconv.FormatInt(t.Unix(), 10)
}
