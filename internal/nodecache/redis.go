package nodecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

const (
	inFlightPrefix = "inflight:"
	committedValue = "committed"
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Config
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

// Redis is the Cache shared by every node process of a deployment.
type Redis struct {
	config Config
	rdb    *redis.Client
	log    *slog.Logger
}

var _ Cache = (*Redis)(nil)

func NewRedis(config RedisConfig) *Redis {
	return NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}), config.Config, config.Logger)
}

// NewRedisFromClient wraps an existing client. The cache takes ownership.
func NewRedisFromClient(rdb *redis.Client, config Config, logger *slog.Logger) *Redis {
	return &Redis{
		config: config.withDefaults(),
		rdb:    rdb,
		log:    logging.OrDiscard(logger),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (r *Redis) acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	lease := Lease{Key: key, Token: newToken()}
	ok, err := r.rdb.SetNX(ctx, key, inFlightPrefix+lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, false, unavailable("acquire", err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	return r.acquire(ctx, key, r.config.InFlightTTL)
}

func (r *Redis) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{lease.Key}, inFlightPrefix+lease.Token).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

func (r *Redis) MarkCommitted(ctx context.Context, lease Lease) error {
	if err := r.rdb.Set(ctx, lease.Key, committedValue, r.config.CommittedTTL).Err(); err != nil {
		return unavailable("mark committed", err)
	}
	return nil
}

func (r *Redis) IsCommitted(ctx context.Context, key string) (bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("is committed", err)
	}
	return v == committedValue, nil
}

func (r *Redis) AcquireLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	return r.acquire(ctx, PrefixLock+name, ttl)
}

func (r *Redis) Incr(ctx context.Context, name string, delta int64) (int64, error) {
	v, err := r.rdb.IncrBy(ctx, PrefixCounter+name, delta).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return v, nil
}

func (r *Redis) SetState(ctx context.Context, name, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, PrefixState+name, value, ttl).Err(); err != nil {
		return unavailable("set state", err)
	}
	return nil
}

func (r *Redis) GetState(ctx context.Context, name string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, PrefixState+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get state", err)
	}
	return v, true, nil
}

// ResetEphemeral walks the ephemeral namespaces with SCAN so a large
// keyspace is never blocked by KEYS.
func (r *Redis) ResetEphemeral(ctx context.Context) (int, error) {
	removed := 0
	for _, prefix := range ephemeralPrefixes {
		var cursor uint64
		for {
			keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 500).Result()
			if err != nil {
				return removed, unavailable("scan", err)
			}
			if len(keys) > 0 {
				n, err := r.rdb.Del(ctx, keys...).Result()
				if err != nil {
					return removed, unavailable("delete", err)
				}
				removed += int(n)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	r.log.InfoContext(ctx, "reset ephemeral cache state", "removed", removed)
	return removed, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
