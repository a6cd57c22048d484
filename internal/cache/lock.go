package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockSpace = "lock"

// ErrLocked is returned by TryLock when another owner holds the lock.
var ErrLocked = errors.New("lock is already held")

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a held SET NX lock on <ns>:lock:<name>.
type Lock struct {
	r     *Redis
	key   string
	owner string
}

// TryLock acquires the named lock for owner until ttl expires. Owner should
// be unique per holder (a run id works); only that owner can release it.
func (r *Redis) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (*Lock, error) {
	k := r.key(lockSpace, name)
	ok, err := r.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", k, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{r: r, key: k, owner: owner}, nil
}

// Release drops the lock if it is still ours. It uses a background context
// so a canceled run still releases.
func (l *Lock) Release() error {
	if err := releaseScript.Run(context.Background(), l.r.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	return nil
}

// LockHolder returns the owner currently holding the named lock, or "" when
// it is free.
func (r *Redis) LockHolder(ctx context.Context, name string) (string, error) {
	k := r.key(lockSpace, name)
	v, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock holder %s: %w", k, err)
	}
	return v, nil
}
