// Package cache is the Redis side of streamsweep: cached partition contents
// and the lock that keeps two sweeps from running at once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key this package reads or writes.
const DefaultNamespace = "streamsweep"

// ErrMiss is returned when a partition has no cached copy.
var ErrMiss = errors.New("cache miss")

// Redis is a namespaced connection to one Redis database.
type Redis struct {
	client    *redis.Client
	namespace string
}

type Option func(*Redis)

// WithNamespace replaces DefaultNamespace, e.g. to share one Redis between
// several deployments.
func WithNamespace(ns string) Option {
	return func(r *Redis) {
		if ns = strings.Trim(ns, ":"); ns != "" {
			r.namespace = ns
		}
	}
}

// Open connects to rawURL ("redis://host:6379/0") and pings it. The client
// is closed again when the ping fails.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Redis, error) {
	ro, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := &Redis{client: redis.NewClient(ro), namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return r, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// key joins parts under the namespace: <ns>:<part>:<part>...
func (r *Redis) key(parts ...string) string {
	return r.namespace + ":" + strings.Join(parts, ":")
}
