package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultJobTTL = 7 * 24 * time.Hour

// RedisStore persists jobs as JSON values with a submission-time
// index, making queue recovery work across process restarts.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long finished jobs linger. Zero disables
// expiration. Default is 7 days.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix. Default is "promptforge".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultJobTTL,
		prefix: "promptforge",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":jobs"
}

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.jobKey(j.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !created {
		return ErrConflict
	}

	err = s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(j.CreatedAt.UnixNano()),
		Member: j.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return ErrInvalidID
	}

	exists, err := s.client.Exists(ctx, s.jobKey(j.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists failed: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(j.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &j, nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	matched := make([]*Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired job still referenced by the index.
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		if matchesJobFilter(&j, opts) {
			matched = append(matched, &j)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginateJobs(matched, opts.Offset, opts.Limit), nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.jobKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
