package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a Locker shared by every replica pointing at the same server.
// Each hold is a SET NX with a TTL and a random token; release deletes the
// key only while it still carries that token.
type Redis struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger *slog.Logger
}

type RedisOption func(*Redis)

// WithTTL bounds how long a crashed holder can block the key.
func WithTTL(d time.Duration) RedisOption { return func(r *Redis) { r.ttl = d } }

// WithWait bounds how long Lock polls before ErrTimeout.
func WithWait(d time.Duration) RedisOption { return func(r *Redis) { r.wait = d } }

func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: "ledger:lock:",
		ttl:    10 * time.Second,
		wait:   5 * time.Second,
		poll:   25 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Locker = (*Redis)(nil)

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock: key is empty")
	}
	name := r.prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(waitCtx, name, token, r.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, errors.Join(ErrTimeout, waitCtx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// Release even if the caller's context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.script.Run(releaseCtx, r.client, []string{name}, token).Err(); err != nil {
			// The key still expires after its TTL.
			r.logger.Warn("lock release failed", "key", name, "ttl", r.ttl, "error", err)
		}
	}, nil
}
