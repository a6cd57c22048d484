//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/voyagen/streamsweep/internal/cache"
	"github.com/voyagen/streamsweep/internal/models"
)

func newPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("streamsweep"),
		tcpostgres.WithUsername("streamsweep"),
		tcpostgres.WithPassword("streamsweep"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dsn))
	// Applying twice is a no-op.
	require.NoError(t, RunMigrations(dsn))

	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return pg
}

func newRedis(t *testing.T) *cache.Redis {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	r, err := cache.Open(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPostgresBackend(t *testing.T) {
	ctx := context.Background()
	s := New(newPostgres(t), WithLogger(quiet()))

	_, err := s.Save(ctx, sampleRecords(), ModeReplace)
	require.NoError(t, err)

	want := models.Dedupe(sampleRecords())
	unified, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, unified)
	assert.ElementsMatch(t, want, loadKind(t, s, KindCountry))
	assert.ElementsMatch(t, want, loadKind(t, s, KindCategory))

	sum, err := s.Save(ctx, []models.Channel{ch("n", "http://n", "PT", "music")}, ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Records)

	synced, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, append(want, ch("n", "http://n", "PT", "music")), synced)
}

func TestCachedBackend(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFileBackend(t.TempDir(), 0)
	require.NoError(t, err)
	r := newRedis(t)
	cached := NewCachedBackend(inner, r, time.Minute)

	p := Partition{Kind: KindCountry, Key: "BR"}
	first := []models.Channel{ch("a", "http://a", "BR", "news")}
	require.NoError(t, cached.Write(ctx, p, first))

	// Writes refresh the cache, so a change made behind its back is not seen.
	require.NoError(t, inner.Write(ctx, p, numbered(2)))
	got, err := cached.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// Reset clears every cached partition.
	require.NoError(t, cached.Reset(ctx))
	got, err = cached.Read(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, inner.Write(ctx, p, numbered(2)))
	got, err = cached.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, numbered(2), got)
}
