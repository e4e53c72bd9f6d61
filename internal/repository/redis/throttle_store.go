package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"throttle-service/internal/client"
	"throttle-service/internal/models"
	"throttle-service/internal/repository"
	"throttle-service/internal/util"
)

var _ repository.ThrottleStore = (*ThrottleStore)(nil)

const (
	fieldIdentity    = "identity"
	fieldScope       = "scope"
	fieldLevel       = "level"
	fieldAttempts    = "attempts"
	fieldExpiresAt   = "expires_at"
	fieldLastBlocked = "last_blocked_at"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"

	scanCount = 200
)

// getOrCreateScript creates the record hash only when it is absent and always
// returns {created, HGETALL}.
const getOrCreateScript = `
    local key = KEYS[1]
    if redis.call('EXISTS', key) == 1 then
        return {0, redis.call('HGETALL', key)}
    end
    redis.call('HSET', key,
        'identity', ARGV[1], 'scope', ARGV[2], 'level', ARGV[3], 'attempts', ARGV[4],
        'expires_at', ARGV[5], 'created_at', ARGV[6], 'updated_at', ARGV[6])
    return {1, redis.call('HGETALL', key)}
`

// ThrottleStore keeps one hash per record plus a sorted set indexing blocked records
// by last_blocked_at. Durability follows the server's persistence settings.
type ThrottleStore struct {
	client *client.RedisClient
	prefix string
	now    func() time.Time
}

func NewThrottleStore(c *client.RedisClient) *ThrottleStore {
	return &ThrottleStore{
		client: c,
		prefix: c.KeyPrefix(),
		now:    time.Now,
	}
}

// recordKey length-prefixes the scope so that colons in either part cannot make
// two (identity, scope) pairs share a hash.
func (s *ThrottleStore) recordKey(identity, scope string) string {
	return fmt.Sprintf("%s:record:%d:%s:%s", s.prefix, len(scope), scope, identity)
}

func (s *ThrottleStore) blockedKey() string {
	return s.prefix + ":blocked"
}

func (s *ThrottleStore) Get(ctx context.Context, identity, scope string) (*models.ThrottleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.recordKey(identity, scope))
	if err != nil {
		util.Error("Failed to load throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return nil, fmt.Errorf("failed to load throttle record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrRecordNotFound
	}
	return decodeRecord(fields)
}

func (s *ThrottleStore) GetOrCreate(ctx context.Context, identity, scope string, defaults models.RecordDefaults) (*models.ThrottleRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := s.now().UTC()
	result, err := s.client.Eval(ctx, getOrCreateScript, []string{s.recordKey(identity, scope)},
		identity, scope, defaults.Level, defaults.Attempts,
		encodeTime(defaults.ExpiresAt), encodeTime(now))
	if err != nil {
		util.Error("Failed to execute throttle get-or-create script",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return nil, false, fmt.Errorf("failed to get or create throttle record: %w", err)
	}

	reply, ok := result.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, false, fmt.Errorf("unexpected result format from get-or-create script")
	}
	created, _ := reply[0].(int64)
	flat, ok := reply[1].([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("unexpected hash format from get-or-create script")
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}

	rec, err := decodeRecord(fields)
	if err != nil {
		return nil, false, err
	}
	return rec, created == 1, nil
}

func (s *ThrottleStore) Save(ctx context.Context, record *models.ThrottleRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := s.now().UTC()
	record.UpdatedAt = now
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	key := s.recordKey(record.Identity, record.Scope)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldIdentity, record.Identity,
		fieldScope, record.Scope,
		fieldLevel, record.Level,
		fieldAttempts, record.Attempts,
		fieldExpiresAt, encodeTime(record.ExpiresAt),
		fieldUpdatedAt, encodeTime(record.UpdatedAt),
	)
	pipe.HSetNX(ctx, key, fieldCreatedAt, encodeTime(record.CreatedAt))
	if record.LastBlockedAt != nil {
		pipe.HSet(ctx, key, fieldLastBlocked, encodeTime(*record.LastBlockedAt))
		pipe.ZAdd(ctx, s.blockedKey(), goredis.Z{
			Score:  float64(record.LastBlockedAt.Unix()),
			Member: key,
		})
	} else {
		pipe.HDel(ctx, key, fieldLastBlocked)
		pipe.ZRem(ctx, s.blockedKey(), key)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save throttle record",
			util.Identity(record.Identity), util.Scope(record.Scope), util.ErrorField(err))
		return fmt.Errorf("failed to save throttle record: %w", err)
	}
	return nil
}

func (s *ThrottleStore) Delete(ctx context.Context, identity, scope string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := s.recordKey(identity, scope)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, s.blockedKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete throttle record",
			util.Identity(identity), util.Scope(scope), util.ErrorField(err))
		return fmt.Errorf("failed to delete throttle record: %w", err)
	}
	return nil
}

// ListBlocked walks the blocked index with ZSCAN. ZSCAN may repeat members, so
// each key is visited at most once per call. Index entries whose hash is gone are pruned.
func (s *ThrottleStore) ListBlocked(ctx context.Context, fn func(*models.ThrottleRecord) error) error {
	seen := make(map[string]struct{})
	var cursor uint64

	for {
		pairs, next, err := s.client.ZScan(ctx, s.blockedKey(), cursor, scanCount)
		if err != nil {
			util.Error("Failed to scan blocked throttle index", util.ErrorField(err))
			return fmt.Errorf("failed to scan blocked throttle records: %w", err)
		}

		for i := 0; i < len(pairs); i += 2 {
			key := pairs[i]
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if err := ctx.Err(); err != nil {
				return err
			}
			fields, err := s.client.HGetAll(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to load blocked throttle record: %w", err)
			}
			if len(fields) == 0 {
				_ = s.client.ZRem(ctx, s.blockedKey(), key)
				continue
			}
			rec, err := decodeRecord(fields)
			if err != nil {
				util.Warn("Skipping undecodable throttle record", util.String("key", key), util.ErrorField(err))
				continue
			}
			if rec.LastBlockedAt == nil {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *ThrottleStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *ThrottleStore) Close() error {
	return s.client.Close()
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixNano(), 10)
}

func decodeTime(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func decodeRecord(fields map[string]string) (*models.ThrottleRecord, error) {
	rec := &models.ThrottleRecord{
		Identity: fields[fieldIdentity],
		Scope:    fields[fieldScope],
	}

	var err error
	if rec.Level, err = strconv.Atoi(fields[fieldLevel]); err != nil {
		return nil, fmt.Errorf("invalid level field: %w", err)
	}
	if rec.Attempts, err = strconv.Atoi(fields[fieldAttempts]); err != nil {
		return nil, fmt.Errorf("invalid attempts field: %w", err)
	}
	if rec.ExpiresAt, err = decodeTime(fields[fieldExpiresAt]); err != nil {
		return nil, fmt.Errorf("invalid expires_at field: %w", err)
	}
	if v, ok := fields[fieldCreatedAt]; ok {
		if rec.CreatedAt, err = decodeTime(v); err != nil {
			return nil, fmt.Errorf("invalid created_at field: %w", err)
		}
	}
	if v, ok := fields[fieldUpdatedAt]; ok {
		if rec.UpdatedAt, err = decodeTime(v); err != nil {
			return nil, fmt.Errorf("invalid updated_at field: %w", err)
		}
	}
	if v, ok := fields[fieldLastBlocked]; ok && v != "" {
		t, err := decodeTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid last_blocked_at field: %w", err)
		}
		rec.LastBlockedAt = &t
	}
	return rec, nil
}
