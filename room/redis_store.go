package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jupark12/go-run-queue/models"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisStateStore keeps run states as JSON strings under prefix+runID.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) key(runID string) string {
	return s.prefix + runID
}

func (s *RedisStateStore) Load(ctx context.Context, runID string) (models.RunState, bool, error) {
	raw, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RunState{}, false, nil
	}
	if err != nil {
		return models.RunState{}, false, fmt.Errorf("load run state: %w", err)
	}
	var state models.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.RunState{}, false, fmt.Errorf("decode run state: %w", err)
	}
	return state, true, nil
}

func (s *RedisStateStore) Save(ctx context.Context, runID string, state models.RunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(runID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}
