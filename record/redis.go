package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 7 * 24 * time.Hour

// RedisStore persists records in Redis with JSON values, a global
// recency index, and a per-project index. Suitable when records must
// survive process restarts or be shared across instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long records live. Zero disables expiration.
// Default is 7 days.
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
		ttl:    defaultRedisTTL,
		prefix: "promptforge",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":records"
}

func (s *RedisStore) projectKey(projectID string) string {
	return fmt.Sprintf("%s:records:project:%s", s.prefix, projectID)
}

func (s *RedisStore) Create(ctx context.Context, r *Record) error {
	if r == nil || r.ID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.recordKey(r.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !created {
		return ErrConflict
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(r.CreatedAt.UnixNano()), Member: r.ID})
	if r.ProjectID != "" {
		pipe.SAdd(ctx, s.projectKey(r.ProjectID), r.ID)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.projectKey(r.ProjectID), s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) Update(ctx context.Context, r *Record) error {
	if r == nil || r.ID == "" {
		return ErrInvalidID
	}

	exists, err := s.client.Exists(ctx, s.recordKey(r.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists failed: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(r.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	ids, err := s.listIDs(ctx, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	matched := make([]*Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired record still referenced by an index.
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		if matchesFilter(&r, opts) {
			matched = append(matched, &r)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (s *RedisStore) listIDs(ctx context.Context, projectID string) ([]string, error) {
	if projectID != "" {
		members, err := s.client.SMembers(ctx, s.projectKey(projectID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis smembers failed: %w", err)
		}
		return members, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.recordKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if r.ProjectID != "" {
		pipe.SRem(ctx, s.projectKey(r.ProjectID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
