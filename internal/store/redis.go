// Package store persists positions, trades and reports. Redis keeps the hot
// position state so open positions survive a restart; Postgres holds the
// durable trade history; reports are written as timestamped file pairs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

const (
	positionKeyPrefix = "openclaw:position:"
	positionSetKey    = "openclaw:positions"
	quoteKeyPrefix    = "openclaw:quote:"
	tradeListKey      = "openclaw:trades"

	positionTTL  = 7 * 24 * time.Hour
	quoteTTL     = time.Hour
	tradeListCap = 10000

	opTimeout = 2 * time.Second
)

// RedisStore implements position.Store on Redis with an in-memory fallback:
// when Redis is unreachable writes land in the fallback map and trading
// continues uninterrupted.
type RedisStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	available atomic.Bool

	mu       sync.RWMutex
	fallback map[string]position.Position
}

// NewRedisStore connects and pings. A failed ping is not fatal: the store
// starts in fallback mode and probes Redis again on each write.
func NewRedisStore(cfg config.RedisConfig, logger zerolog.Logger) *RedisStore {
	s := &RedisStore{
		logger:   logger.With().Str("component", "redis-store").Logger(),
		fallback: make(map[string]position.Position),
	}
	if !cfg.Enabled {
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("redis unavailable at startup, in-memory fallback in effect")
	} else {
		s.available.Store(true)
		s.logger.Info().Str("addr", cfg.Address).Msg("redis connected")
	}
	return s
}

// SavePosition upserts the serialized position and registers its id.
func (s *RedisStore) SavePosition(p position.Position) error {
	s.mu.Lock()
	s.fallback[p.ID] = p
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling position %s: %w", p.ID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, positionKeyPrefix+p.ID, data, positionTTL)
	pipe.SAdd(ctx, positionSetKey, p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markDown(err)
		return nil // fallback already holds it
	}
	s.available.Store(true)
	return nil
}

// RemovePosition drops a closed position from both tiers.
func (s *RedisStore) RemovePosition(id string) error {
	s.mu.Lock()
	delete(s.fallback, id)
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, positionKeyPrefix+id)
	pipe.SRem(ctx, positionSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markDown(err)
	}
	return nil
}

// AppendTrade pushes the record onto a capped list, newest first.
func (s *RedisStore) AppendTrade(r position.TradeRecord) error {
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling trade record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, tradeListKey, data)
	pipe.LTrim(ctx, tradeListKey, 0, tradeListCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markDown(err)
	}
	return nil
}

// LoadPositions returns every persisted open position, for tracker restore
// at startup. Redis wins over the fallback when reachable.
func (s *RedisStore) LoadPositions(ctx context.Context) ([]position.Position, error) {
	if s.client != nil {
		ids, err := s.client.SMembers(ctx, positionSetKey).Result()
		if err == nil {
			out := make([]position.Position, 0, len(ids))
			for _, id := range ids {
				data, err := s.client.Get(ctx, positionKeyPrefix+id).Bytes()
				if err != nil {
					continue
				}
				var p position.Position
				if err := json.Unmarshal(data, &p); err != nil {
					s.logger.Warn().Err(err).Str("id", id).Msg("discarding corrupt persisted position")
					continue
				}
				out = append(out, p)
			}
			s.available.Store(true)
			return out, nil
		}
		s.markDown(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]position.Position, 0, len(s.fallback))
	for _, p := range s.fallback {
		out = append(out, p)
	}
	return out, nil
}

// PutQuote caches the last quote per asset so a restart can serve last-known
// prices while adapters warm up. Implements market.QuoteCache.
func (s *RedisStore) PutQuote(ctx context.Context, q market.Quote) error {
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, quoteKeyPrefix+q.Asset.Key(), data, quoteTTL).Err(); err != nil {
		s.markDown(err)
	}
	return nil
}

// GetQuote returns the cached quote for an asset key, if any.
func (s *RedisStore) GetQuote(ctx context.Context, key string) (market.Quote, bool, error) {
	if s.client == nil {
		return market.Quote{}, false, nil
	}
	data, err := s.client.Get(ctx, quoteKeyPrefix+key).Bytes()
	if err != nil {
		return market.Quote{}, false, nil
	}
	var q market.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return market.Quote{}, false, fmt.Errorf("corrupt cached quote for %s: %w", key, err)
	}
	return q, true, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) markDown(err error) {
	if s.available.Swap(false) {
		s.logger.Warn().Err(err).Msg("redis write failed, in-memory fallback in effect")
	}
}
