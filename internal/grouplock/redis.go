package grouplock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Prefix string        // key prefix, default "daybook:lock:"
	TTL    time.Duration // lease length, default 10s
	Retry  time.Duration // poll interval while waiting, default 25ms
}

// Redis is a Locker shared by every server instance pointed at the same
// Redis. Leases expire after TTL so a crashed holder cannot wedge a group.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
	log    *slog.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions, log *slog.Logger) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "daybook:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 25 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, opts: opts, log: log}
}

func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release even when the request context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(rctx, r.client, []string{held[i]}, token).Err(); err != nil {
				r.log.WarnContext(rctx, "grouplock release failed", "key", held[i], "err", err)
			}
		}
		held = held[:0]
	}

	for _, k := range keys {
		key := r.opts.Prefix + k
		if err := r.acquire(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.opts.Retry)
	defer ticker.Stop()
	for {
		err := r.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: r.opts.TTL}).Err()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil):
			// held by someone else
		default:
			return fmt.Errorf("redis lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
