package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type item struct {
	Name string `json:"name"`
}

func TestInMemoryCache_GetSetDelete(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0)
	defer c.Stop()
	ctx := context.Background()

	var got item
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "k", item{Name: "a"}, 0))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "a", got.Name)

	require.NoError(t, c.Delete(ctx, "k"))
	hit, _ = c.Get(ctx, "k", &got)
	assert.False(t, hit)
}

func TestInMemoryCache_SetIfAbsentIsExclusive(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0)
	defer c.Stop()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.SetIfAbsent(context.Background(), "key", item{Name: "x"}, 0)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache(10*time.Millisecond, 5*time.Millisecond)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", item{Name: "a"}, 0))
	assert.Eventually(t, func() bool {
		var got item
		hit, _ := c.Get(ctx, "k", &got)
		return !hit
	}, time.Second, 5*time.Millisecond)

	ok, err := c.SetIfAbsent(ctx, "k", item{Name: "b"}, 0)
	require.NoError(t, err)
	assert.True(t, ok, "una clave caducada se puede volver a reservar")
}

func TestAsyncCacheSet(t *testing.T) {
	c := NewInMemoryCache(time.Minute, 0)
	defer c.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // el contexto de la petición ya terminó

	AsyncCacheSet(ctx, c, "k", item{Name: "async"}, 0, zap.NewNop())
	assert.Eventually(t, func() bool {
		var got item
		hit, _ := c.Get(context.Background(), "k", &got)
		return hit && got.Name == "async"
	}, time.Second, 5*time.Millisecond)

	AsyncCacheDelete(ctx, c, "k", zap.NewNop())
	assert.Eventually(t, func() bool {
		var got item
		hit, _ := c.Get(context.Background(), "k", &got)
		return !hit
	}, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() { AsyncCacheSet(ctx, nil, "k", 1, 0, zap.NewNop()) })
}
