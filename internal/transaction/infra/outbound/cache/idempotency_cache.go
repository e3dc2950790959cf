package cache

import (
	"context"
	"time"

	sharedCache "github.com/davicafu/ledgerrelay/internal/shared/infra/platform/cache"
	txDomain "github.com/davicafu/ledgerrelay/internal/transaction/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyPrefix = "idempotency:"

func cacheKey(key uuid.UUID) string { return keyPrefix + key.String() }

// IdempotencyCacheStore guarda las entradas directamente en la caché (Redis con SETNX, o memoria).
// Las entradas caducan tras ttl; pasado ese tiempo una redelivery se procesaría de nuevo.
type IdempotencyCacheStore struct {
	cache   sharedCache.Cache
	ttlSecs int
}

func NewIdempotencyCacheStore(cache sharedCache.Cache, ttl time.Duration) *IdempotencyCacheStore {
	return &IdempotencyCacheStore{cache: cache, ttlSecs: int(ttl / time.Second)}
}

func (s *IdempotencyCacheStore) Create(ctx context.Context, entry *txDomain.IdempotencyEntry) error {
	ok, err := s.cache.SetIfAbsent(ctx, cacheKey(entry.Key), entry, s.ttlSecs)
	if err != nil {
		return err
	}
	if !ok {
		return txDomain.ErrIdempotencyKeyExists
	}
	return nil
}

func (s *IdempotencyCacheStore) Get(ctx context.Context, key uuid.UUID) (*txDomain.IdempotencyEntry, error) {
	var entry txDomain.IdempotencyEntry
	hit, err := s.cache.Get(ctx, cacheKey(key), &entry)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, txDomain.ErrIdempotencyNotFound
	}
	return &entry, nil
}

func (s *IdempotencyCacheStore) AttachTransaction(ctx context.Context, key uuid.UUID, transactionID int64) error {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.AttachTransaction(transactionID)
	return s.cache.Set(ctx, cacheKey(key), entry, s.ttlSecs)
}

// CachedIdempotencyStore pone una caché delante del store persistente.
// Solo se cachean entradas completadas, que ya no cambian.
type CachedIdempotencyStore struct {
	next    txDomain.IdempotencyStore
	cache   sharedCache.Cache
	ttlSecs int
	log     *zap.Logger
}

func NewCachedIdempotencyStore(next txDomain.IdempotencyStore, cache sharedCache.Cache, ttl time.Duration, log *zap.Logger) *CachedIdempotencyStore {
	return &CachedIdempotencyStore{next: next, cache: cache, ttlSecs: int(ttl / time.Second), log: log}
}

func (s *CachedIdempotencyStore) Create(ctx context.Context, entry *txDomain.IdempotencyEntry) error {
	return s.next.Create(ctx, entry)
}

func (s *CachedIdempotencyStore) Get(ctx context.Context, key uuid.UUID) (*txDomain.IdempotencyEntry, error) {
	var cached txDomain.IdempotencyEntry
	if hit, err := s.cache.Get(ctx, cacheKey(key), &cached); err != nil {
		s.log.Warn("Cache read failed", zap.String("key", cacheKey(key)), zap.Error(err))
	} else if hit && cached.Completed() {
		return &cached, nil
	}

	entry, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Completed() {
		sharedCache.AsyncCacheSet(ctx, s.cache, cacheKey(key), entry, s.ttlSecs, s.log)
	}
	return entry, nil
}

func (s *CachedIdempotencyStore) AttachTransaction(ctx context.Context, key uuid.UUID, transactionID int64) error {
	if err := s.next.AttachTransaction(ctx, key, transactionID); err != nil {
		return err
	}
	sharedCache.AsyncCacheDelete(ctx, s.cache, cacheKey(key), s.log)
	return nil
}

// Verificación en tiempo de compilación.
var (
	_ txDomain.IdempotencyStore = (*IdempotencyCacheStore)(nil)
	_ txDomain.IdempotencyStore = (*CachedIdempotencyStore)(nil)
)
