package batchstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mx-space/imagetag/internal/models"
	redisc "github.com/mx-space/imagetag/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(redisc.Wrap(rdb)), mr
}

func items(ids ...string) []models.BatchItem {
	out := make([]models.BatchItem, len(ids))
	for i, id := range ids {
		out[i] = models.BatchItem{ID: id, Source: id + ".jpg", Status: models.BatchPending}
	}
	return out
}

func ids(list []models.BatchItem) []string {
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = item.ID
	}
	return out
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			list, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, s.Replace(ctx, items("c", "a", "b")))
			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a", "b"}, ids(list))

			updated := list[1]
			updated.Status = models.BatchCompleted
			updated.Result = &models.GenerationResult{Description: "done"}
			require.NoError(t, s.Save(ctx, updated))
			require.NoError(t, s.Save(ctx, models.BatchItem{ID: "d", Status: models.BatchPending}))

			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a", "b", "d"}, ids(list))
			assert.Equal(t, models.BatchCompleted, list[1].Status)
			require.NotNil(t, list[1].Result)
			assert.Equal(t, "done", list[1].Result.Description)

			require.NoError(t, s.Replace(ctx, items("x")))
			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, ids(list))

			require.NoError(t, s.Clear(ctx))
			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestRedisStoreExpiresItems(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Replace(ctx, items("a", "b")))

	assert.True(t, mr.Exists(keyPrefix+"item:a"))
	assert.Equal(t, itemTTL, mr.TTL(keyPrefix+"item:a"))

	mr.FastForward(itemTTL + time.Second)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStoreSkipsCorruptValues(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Replace(ctx, items("a", "b")))
	require.NoError(t, mr.Set(keyPrefix+"item:a", "{not json"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(list))
}
