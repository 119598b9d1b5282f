package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/pkg/metrics"
)

const (
	defaultKeyPrefix = "alpharank:state"
	stateField       = "state"
	periodField      = "period"
	scanBatch        = 100
)

// putScript writes the state only when its period advances the stored one.
// Returns 1 on write, 0 when stale.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'period')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'period', ARGV[1], 'state', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisOption applies a configuration option to the RedisStateStore.
type RedisOption func(*RedisStateStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStateStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithScopeTTL expires non-production scopes after ttl. Production state
// never expires.
func WithScopeTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStateStore) {
		if ttl > 0 {
			s.scopeTTL = ttl
		}
	}
}

// RedisStateStore keeps each entity-season in a hash holding the last period
// and the CBOR-encoded state.
type RedisStateStore struct {
	client   redis.Cmdable
	prefix   string
	scope    string
	scopeTTL time.Duration
}

// NewRedisStateStore creates a store in the production scope.
func NewRedisStateStore(client redis.Cmdable, opts ...RedisOption) *RedisStateStore {
	s := &RedisStateStore{
		client: client,
		prefix: defaultKeyPrefix,
		scope:  ProductionScope,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scoped returns a view of the store under a different scope.
func (s *RedisStateStore) Scoped(scope string) StateStore {
	cp := *s
	cp.scope = scope
	return &cp
}

// Key returns the redis key for an entity-season in this scope.
func (s *RedisStateStore) Key(key StateKey) string {
	return fmt.Sprintf("%s:%s:%d:%s", s.prefix, s.scope, key.Season, key.EntityID)
}

func (s *RedisStateStore) ttl() time.Duration {
	return s.ttlFor(s.scope)
}

func (s *RedisStateStore) ttlFor(scope string) time.Duration {
	if scope == ProductionScope {
		return 0
	}
	return s.scopeTTL
}

func (s *RedisStateStore) Get(ctx context.Context, key StateKey) (*model.EntityPeriodState, error) {
	start := time.Now()
	defer observe("redis", "get", start)

	raw, err := s.client.HGet(ctx, s.Key(key), stateField).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RecordStateStoreError("redis", "get")
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var st model.EntityPeriodState
	if err := cbor.Unmarshal(raw, &st); err != nil {
		metrics.RecordStateStoreError("redis", "decode")
		return nil, fmt.Errorf("decode state %s: %w", key, err)
	}
	return &st, nil
}

func (s *RedisStateStore) Put(ctx context.Context, state *model.EntityPeriodState) error {
	start := time.Now()
	defer observe("redis", "put", start)

	key := KeyOf(state)
	blob, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}

	written, err := putScript.Run(ctx, s.client, []string{s.Key(key)},
		state.LastPeriod, blob, s.ttl().Milliseconds()).Int()
	if err != nil {
		metrics.RecordStateStoreError("redis", "put")
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	if written == 0 {
		return fmt.Errorf("%w: %s period %d", ErrStalePeriod, key, state.LastPeriod)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, key StateKey) error {
	start := time.Now()
	defer observe("redis", "delete", start)

	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		metrics.RecordStateStoreError("redis", "delete")
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// DropScope deletes every key of scope.
func (s *RedisStateStore) DropScope(ctx context.Context, scope string) error {
	pattern := fmt.Sprintf("%s:%s:*", s.prefix, scope)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis drop scope %s: %w", scope, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// CopyScope replaces scope to with a copy of every key in scope from. The
// copies get the destination scope's TTL.
func (s *RedisStateStore) CopyScope(ctx context.Context, from, to string) error {
	start := time.Now()
	defer observe("redis", "copy", start)

	if err := s.DropScope(ctx, to); err != nil {
		return err
	}
	srcPrefix := fmt.Sprintf("%s:%s:", s.prefix, from)
	dstPrefix := fmt.Sprintf("%s:%s:", s.prefix, to)
	ttl := s.ttlFor(to)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, srcPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", srcPrefix, err)
		}
		for _, key := range keys {
			vals, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				metrics.RecordStateStoreError("redis", "copy")
				return fmt.Errorf("redis copy %s: %w", key, err)
			}
			if len(vals) == 0 {
				continue
			}
			dst := dstPrefix + strings.TrimPrefix(key, srcPrefix)
			if err := s.client.HSet(ctx, dst, periodField, vals[periodField], stateField, vals[stateField]).Err(); err != nil {
				metrics.RecordStateStoreError("redis", "copy")
				return fmt.Errorf("redis copy %s: %w", dst, err)
			}
			if ttl > 0 {
				if err := s.client.PExpire(ctx, dst, ttl).Err(); err != nil {
					return fmt.Errorf("redis expire %s: %w", dst, err)
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks connectivity, used by the health endpoint.
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
