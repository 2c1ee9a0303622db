package redis

/*
Файл memory_repo.go — key-value память агента в Redis.
Одна hash-структура на пользователя: agentgate:memory:<user_id>, поле = ключ, значение = JSON записи.
Memory-маршруты не проходят allowlist, поэтому изоляция строго по идентичности.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentgate/internal/domain"
	"github.com/xela07ax/agentgate/internal/infra"
)

type MemoryRepo struct {
	rdb redis.UniversalClient
}

func NewMemoryRepo(rdb redis.UniversalClient) *MemoryRepo {
	return &MemoryRepo{rdb: rdb}
}

func (r *MemoryRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *MemoryRepo) Get(ctx context.Context, userID, key string) (*domain.MemoryEntry, error) {
	raw, err := r.rdb.HGet(ctx, infra.MemoryKey(userID), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get memory: %w", err)
	}
	var e domain.MemoryEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("redis: decode memory %q: %w", key, err)
	}
	return &e, nil
}

func (r *MemoryRepo) Put(ctx context.Context, userID, key, value string) (*domain.MemoryEntry, error) {
	e := domain.MemoryEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.HSet(ctx, infra.MemoryKey(userID), key, data).Err(); err != nil {
		return nil, fmt.Errorf("redis: put memory: %w", err)
	}
	return &e, nil
}

func (r *MemoryRepo) Delete(ctx context.Context, userID, key string) error {
	n, err := r.rdb.HDel(ctx, infra.MemoryKey(userID), key).Result()
	if err != nil {
		return fmt.Errorf("redis: delete memory: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List возвращает записи, отсортированные по ключу. Пустой результат: [], не nil.
func (r *MemoryRepo) List(ctx context.Context, userID string) ([]domain.MemoryEntry, error) {
	all, err := r.rdb.HGetAll(ctx, infra.MemoryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list memory: %w", err)
	}
	out := make([]domain.MemoryEntry, 0, len(all))
	for k, raw := range all {
		var e domain.MemoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redis: decode memory %q: %w", k, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
