package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON timestamp list per user and a whitelist set.
// Update uses WATCH/MULTI so concurrent writers retry instead of racing.
type RedisStore struct {
	client     goredis.UniversalClient
	keyPrefix  string
	maxRetries int
	ttl        time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "fetcher:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

func NewRedisStore(client goredis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		keyPrefix:  "fetcher:",
		maxRetries: 10,
		ttl:        2 * DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) quotaKey(userID int64) string {
	return s.keyPrefix + "quota:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) whitelistKey() string { return s.keyPrefix + "whitelist" }

func (s *RedisStore) Update(ctx context.Context, userID int64, fn UpdateFunc) error {
	key := s.quotaKey(userID)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		var encoded []string
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		stamps := decodeStamps(ctx, userID, encoded)

		next, changed := fn(stamps)
		if !changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			if len(next) == 0 {
				p.Del(ctx, key)
				return nil
			}
			out := make([]string, len(next))
			for i, ts := range next {
				out[i] = ts.UTC().Format(time.RFC3339Nano)
			}
			b, _ := json.Marshal(out)
			p.Set(ctx, key, b, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("quota/redis: update: %w", err)
	}
	return ErrStoreLocked
}

func (s *RedisStore) Whitelisted(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.whitelistKey(), userID).Result()
	if err != nil {
		return false, fmt.Errorf("quota/redis: whitelisted: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) AddWhitelist(ctx context.Context, userID int64) error {
	if err := s.client.SAdd(ctx, s.whitelistKey(), userID).Err(); err != nil {
		return fmt.Errorf("quota/redis: add whitelist: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveWhitelist(ctx context.Context, userID int64) error {
	if err := s.client.SRem(ctx, s.whitelistKey(), userID).Err(); err != nil {
		return fmt.Errorf("quota/redis: remove whitelist: %w", err)
	}
	return nil
}

func (s *RedisStore) Whitelist(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.whitelistKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("quota/redis: whitelist: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
