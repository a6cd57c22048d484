package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voyagen/streamsweep/internal/models"
)

const partitionSpace = "partition"

// scanBatch is the SCAN COUNT hint used when dropping partitions.
const scanBatch = 200

func (r *Redis) partitionKey(kind, key string) string {
	return r.key(partitionSpace, kind, key)
}

// Partition returns the cached records of a partition, or ErrMiss. A cached
// empty partition comes back as a non-nil empty slice.
func (r *Redis) Partition(ctx context.Context, kind, key string) ([]models.Channel, error) {
	k := r.partitionKey(kind, key)
	raw, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	chs := []models.Channel{}
	if err := json.Unmarshal(raw, &chs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return chs, nil
}

// PutPartition caches the records of a partition for ttl.
func (r *Redis) PutPartition(ctx context.Context, kind, key string, chs []models.Channel, ttl time.Duration) error {
	if chs == nil {
		chs = []models.Channel{}
	}
	k := r.partitionKey(kind, key)
	data, err := json.Marshal(chs)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := r.client.Set(ctx, k, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

// DropPartition forgets one cached partition.
func (r *Redis) DropPartition(ctx context.Context, kind, key string) error {
	k := r.partitionKey(kind, key)
	if err := r.client.Unlink(ctx, k).Err(); err != nil {
		return fmt.Errorf("unlink %s: %w", k, err)
	}
	return nil
}

// DropPartitions forgets every cached partition of the namespace and returns
// how many entries were removed. Keys are walked with SCAN, never KEYS.
func (r *Redis) DropPartitions(ctx context.Context) (int, error) {
	pattern := r.key(partitionSpace, "*")
	dropped := 0
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("unlink %s: %w", pattern, err)
		}
		dropped += int(n)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return dropped, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return dropped, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return dropped, flush()
}
