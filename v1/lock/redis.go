package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
)

var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "key", ARGV[1], "owner", ARGV[2], "token", ARGV[3], "acquired_at", ARGV[4], "deadline", ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") == ARGV[1] then
    redis.call("HSET", KEYS[1], "deadline", ARGV[2])
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
    return 1
else
    return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store using a Redis backend. Each key is a hash carrying
// the artifact fields; Redis key expiry removes artifacts of crashed owners.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a new Redis store. Artifact names are prefix+key.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) name(key string) string { return r.prefix + "lock:" + key }

// TryClaim implements Store.TryClaim.
func (r *Redis) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, claimerr.ErrInvalidTTL
	}
	l := newLease(key, owner, ttl, time.Now())
	ok, err := claimScript.Run(ctx, r.client, []string{r.name(key)},
		key, owner, l.Token,
		l.AcquiredAt.UnixMilli(), l.Deadline.UnixMilli(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("lock: redis claim %q: %w", key, err)
	}
	if ok == 1 {
		return l, nil
	}
	rec, found, err := r.Inspect(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		// released between the script and the read
		rec = Record{Key: key}
	}
	return nil, busy(rec)
}

// Renew implements Store.Renew.
func (r *Redis) Renew(ctx context.Context, l *Lease) error {
	deadline := time.Now().Add(l.TTL)
	ok, err := renewScript.Run(ctx, r.client, []string{r.name(l.Key)},
		l.Token, deadline.UnixMilli(), l.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("lock: redis renew %q: %w", l.Key, err)
	}
	if ok != 1 {
		return claimerr.ErrLeaseLost
	}
	l.Deadline = deadline
	return nil
}

// Release implements Store.Release.
func (r *Redis) Release(ctx context.Context, l *Lease) error {
	_, err := releaseScript.Run(ctx, r.client, []string{r.name(l.Key)}, l.Token).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("lock: redis release %q: %w", l.Key, err)
	}
	return nil
}

// Inspect implements Store.Inspect.
func (r *Redis) Inspect(ctx context.Context, key string) (Record, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.name(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("lock: redis inspect %q: %w", key, err)
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	return Record{
		Key:        vals["key"],
		Owner:      vals["owner"],
		Token:      vals["token"],
		AcquiredAt: unixMilli(vals["acquired_at"]),
		Deadline:   unixMilli(vals["deadline"]),
	}, true, nil
}

func unixMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
