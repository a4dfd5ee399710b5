package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as JSON values with a native TTL, so PurgeExpired has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore stores keys under prefix. An empty prefix selects "idem:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

type redisEntry struct {
	Fingerprint string              `json:"fingerprint"`
	Completed   bool                `json:"completed"`
	Status      int                 `json:"status,omitempty"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

func (e redisEntry) entry() Entry {
	return Entry{
		Fingerprint: e.Fingerprint,
		Completed:   e.Completed,
		Response:    Response{Status: e.Status, Header: e.Header, Body: e.Body},
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	fresh := redisEntry{Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return 0, Entry{}, err
	}

	// The existing entry can expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.client.SetNX(ctx, s.prefix+key, payload, ttl).Result()
		if err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: redis reserve: %w", err)
		}
		if claimed {
			return OutcomeReserved, fresh.entry(), nil
		}
		existing, found, err := s.load(ctx, s.client, key)
		if err != nil {
			return 0, Entry{}, err
		}
		if !found {
			continue
		}
		if existing.Fingerprint != fingerprint {
			return 0, Entry{}, ErrFingerprintMismatch
		}
		if existing.Completed {
			return OutcomeReplay, existing.entry(), nil
		}
		return OutcomeInFlight, existing.entry(), nil
	}
	return 0, Entry{}, errors.New("idempotency: redis reserve contended")
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	recorded := cloneResponse(resp)
	redisKey := s.prefix + key

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, found, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if found && existing.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		entry := redisEntry{
			Fingerprint: fingerprint,
			Completed:   true,
			Status:      recorded.Status,
			Header:      recorded.Header,
			Body:        recorded.Body,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if found {
			entry.CreatedAt = existing.CreatedAt
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, ttl)
			return nil
		})
		return err
	}, redisKey)
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// PurgeExpired is a no-op: Redis expires entries itself.
func (s *RedisStore) PurgeExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, conn getter, key string) (redisEntry, bool, error) {
	raw, err := conn.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisEntry{}, false, nil
	}
	if err != nil {
		return redisEntry{}, false, fmt.Errorf("idempotency: redis load: %w", err)
	}
	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return redisEntry{}, false, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return entry, true, nil
}
