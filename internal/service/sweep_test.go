package service

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamsweep/internal/checker"
	"github.com/voyagen/streamsweep/internal/models"
	"github.com/voyagen/streamsweep/internal/reconcile"
	"github.com/voyagen/streamsweep/internal/store"
)

// liveSet reports a URL live iff it is in the set.
type liveSet struct {
	mu     sync.Mutex
	live   map[string]bool
	probed []string
}

func (l *liveSet) Probe(_ context.Context, url string, _ time.Duration) checker.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.probed = append(l.probed, url)
	if l.live[url] {
		return checker.Result{URL: url, Live: true, Reason: checker.ReasonOK}
	}
	return checker.Result{URL: url, Reason: checker.ReasonStatus, Status: 404}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func rec(id, url string) models.Channel {
	return models.Channel{Name: id, ID: id, URL: url, Country: "BR", Categories: []string{"news"}}
}

func newDeps(t *testing.T, prober reconcile.Prober, sources reconcile.Sources, candidates []models.Channel) (Deps, *store.Partitioned) {
	t.Helper()
	backend, err := store.NewFileBackend(t.TempDir(), 2)
	require.NoError(t, err)
	st := store.New(backend, store.WithLogger(quiet()))

	engine, err := reconcile.New(prober, reconcile.Config{
		Policy:    checker.Policy{InitialTimeout: time.Second, MaxTimeout: time.Second, Retries: 1},
		BatchSize: 2,
	}, sources, reconcile.WithLogger(quiet()), reconcile.WithSleep(noSleep))
	require.NoError(t, err)

	return Deps{Store: st, Engine: engine, Candidates: candidates, RunID: "run-1", Logger: quiet()}, st
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	prober := &liveSet{live: map[string]bool{
		"http://a": true, "http://b2": true, "http://d": true,
	}}
	sources := reconcile.Sources{Streams: models.Streams{"b": "http://b2"}}
	candidates := []models.Channel{
		rec("a", "http://a-new"), // already persisted id
		rec("d", "http://d"),
		rec("e", "http://e"),
		rec("f", "http://b2"), // url taken by the repaired b
	}
	deps, st := newDeps(t, prober, sources, candidates)

	_, err := st.Save(ctx, []models.Channel{rec("a", "http://a"), rec("b", "http://b"), rec("c", "http://c")}, store.ModeReplace)
	require.NoError(t, err)

	rep, err := Run(ctx, deps)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, 3, rep.Loaded)
	assert.Equal(t, reconcile.Stats{Checked: 3, Validated: 1, Replaced: 1, Removed: 1}, rep.Cleanup)
	assert.Equal(t, 2, rep.Discovered)
	assert.Equal(t, reconcile.Stats{Checked: 2, Validated: 1, Removed: 1}, rep.Validation)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 3, rep.Total)

	unified, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Channel{rec("a", "http://a"), rec("b", "http://b2"), rec("d", "http://d")}, unified)

	news, err := st.LoadPartition(ctx, store.Partition{Kind: store.KindCategory, Key: "news"})
	require.NoError(t, err)
	assert.Equal(t, unified, news)

	assert.NotContains(t, prober.probed, "http://a-new")
}

func TestRunEmptyStore(t *testing.T) {
	ctx := context.Background()
	deps, st := newDeps(t, &liveSet{}, reconcile.Sources{}, nil)

	rep, err := Run(ctx, deps)
	require.NoError(t, err)
	assert.Zero(t, rep.Total)

	unified, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, unified)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	deps, _ := newDeps(t, &liveSet{}, reconcile.Sources{}, nil)

	_, err := Run(ctx, deps)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewCandidates(t *testing.T) {
	kept := []models.Channel{rec("a", "http://a")}
	got := newCandidates(kept, []models.Channel{
		rec("a", "http://x"),
		rec("b", "http://a"),
		rec("c", "http://c"),
		rec("c", "http://c2"),
		rec("", "http://d"),
	})
	assert.Equal(t, []models.Channel{rec("c", "http://c")}, got)
}
