package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/encoding/json"
)

const defaultRedisTTL = 24 * time.Hour

type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisStore{Client: client, Prefix: "memeparty:room:", TTL: defaultRedisTTL}, nil
}

func (s *RedisStore) key(playerID int) string {
	return fmt.Sprintf("%s%d", s.Prefix, playerID)
}

func (s *RedisStore) SaveRoom(ctx context.Context, rec RoomRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(rec.PlayerID), payload, s.TTL).Err()
}

func (s *RedisStore) LoadRoom(ctx context.Context, playerID int) (RoomRecord, error) {
	payload, err := s.Client.Get(ctx, s.key(playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}
	var rec RoomRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return RoomRecord{}, err
	}
	return rec, nil
}

func (s *RedisStore) ClearRoom(ctx context.Context, playerID int) error {
	return s.Client.Del(ctx, s.key(playerID)).Err()
}

func (s *RedisStore) Close() error { return s.Client.Close() }
