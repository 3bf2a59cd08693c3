package batchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	redisc "github.com/mx-space/imagetag/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "imagetag:batch:"
	keyIndex  = "imagetag:batch:index" // sorted set: score=position, member=item_id
	itemTTL   = 7 * 24 * time.Hour
)

// RedisStore keeps items as JSON values with a sorted-set ordering index.
type RedisStore struct {
	rc *redisc.Client
}

func NewRedisStore(rc *redisc.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) itemKey(id string) string { return keyPrefix + "item:" + id }

func (s *RedisStore) Replace(ctx context.Context, items []models.BatchItem) error {
	old, err := s.rc.Raw().ZRange(ctx, keyIndex, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read batch index: %w", err)
	}

	pipe := s.rc.Raw().TxPipeline()
	for _, id := range old {
		pipe.Del(ctx, s.itemKey(id))
	}
	pipe.Del(ctx, keyIndex)
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		pipe.Set(ctx, s.itemKey(item.ID), data, itemTTL)
		pipe.ZAdd(ctx, keyIndex, redis.Z{Score: float64(i), Member: item.ID})
	}
	if len(items) > 0 {
		pipe.Expire(ctx, keyIndex, itemTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Save(ctx context.Context, item models.BatchItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	pipe := s.rc.Raw().TxPipeline()
	pipe.Set(ctx, s.itemKey(item.ID), data, itemTTL)
	// Unknown items go after everything Replace wrote.
	pipe.ZAddNX(ctx, keyIndex, redis.Z{Score: float64(time.Now().UnixNano()), Member: item.ID})
	pipe.Expire(ctx, keyIndex, itemTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]models.BatchItem, error) {
	ids, err := s.rc.Raw().ZRange(ctx, keyIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.BatchItem{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	values, err := s.rc.Raw().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	items := make([]models.BatchItem, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item models.BatchItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.Replace(ctx, nil)
}
