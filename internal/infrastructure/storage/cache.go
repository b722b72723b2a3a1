package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	participantVersionKey = "txledger:participants:version"
	participantKeyPrefix  = "txledger:participants:v"
	recordKeyPrefix       = "txledger:record:"
	defaultCacheTTL       = time.Hour
)

type CacheConfig struct {
	Addr string
	TTL  time.Duration
}

// CachedStore puts a Redis read-through cache in front of a LedgerStore.
// Records are immutable once written so they are cached by hash without
// versioning; participant listings are keyed by a version counter bumped on
// every insert.
type CachedStore struct {
	application.LedgerStore
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedStore(base application.LedgerStore, cfg CacheConfig) (*CachedStore, error) {
	if base == nil {
		return nil, errors.New("base store is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &CachedStore{LedgerStore: base}, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CachedStore{LedgerStore: base, cache: client, ttl: cfg.TTL}, nil
}

func (s *CachedStore) GetRecord(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	if s.cache == nil {
		return s.LedgerStore.GetRecord(ctx, hash)
	}
	key := recordKeyPrefix + strings.ToLower(hash)
	if cached, err := s.cache.Get(ctx, key).Result(); err == nil {
		var record domain.TransactionRecord
		if err := json.Unmarshal([]byte(cached), &record); err == nil {
			return record, true, nil
		}
	}

	record, ok, err := s.LedgerStore.GetRecord(ctx, hash)
	if err != nil || !ok {
		return record, ok, err
	}
	s.put(ctx, key, record)
	return record, true, nil
}

func (s *CachedStore) UpsertIfAbsentOrEqual(ctx context.Context, record domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	stored, inserted, err := s.LedgerStore.UpsertIfAbsentOrEqual(ctx, record)
	if err != nil {
		return stored, inserted, err
	}
	if inserted {
		s.invalidateParticipants(ctx)
	}
	return stored, inserted, nil
}

func (s *CachedStore) QueryByParticipant(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	if s.cache == nil {
		return s.LedgerStore.QueryByParticipant(ctx, address)
	}
	version, ok := s.cacheVersion(ctx)
	if !ok {
		return s.LedgerStore.QueryByParticipant(ctx, address)
	}
	key := participantKey(version, address)
	if cached, err := s.cache.Get(ctx, key).Result(); err == nil {
		var records []domain.TransactionRecord
		if err := json.Unmarshal([]byte(cached), &records); err == nil {
			return records, nil
		}
	}

	records, err := s.LedgerStore.QueryByParticipant(ctx, address)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, records)
	return records, nil
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.LedgerStore.Ping(ctx); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx).Err()
}

func (s *CachedStore) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if closer, ok := s.LedgerStore.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func (s *CachedStore) put(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, key, payload, s.ttl).Err()
}

func (s *CachedStore) cacheVersion(ctx context.Context) (string, bool) {
	version, err := s.cache.Get(ctx, participantVersionKey).Result()
	if err == nil {
		return version, true
	}
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	return "", false
}

func (s *CachedStore) invalidateParticipants(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Incr(ctx, participantVersionKey).Err()
}

func participantKey(version, address string) string {
	var b strings.Builder
	b.Grow(len(participantKeyPrefix) + len(version) + 48)
	b.WriteString(participantKeyPrefix)
	b.WriteString(version)
	b.WriteString(":addr=")
	b.WriteString(strings.ToLower(address))
	return b.String()
}
