package reconcile

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamsweep/internal/checker"
	"github.com/voyagen/streamsweep/internal/models"
)

// fakeProber replays a scripted sequence of reasons per URL and records the
// timeouts it was given. URLs without a script are dead.
type fakeProber struct {
	mu       sync.Mutex
	scripts  map[string][]checker.Reason
	calls    map[string]int
	timeouts map[string][]time.Duration
	panicOn  string
}

func newFakeProber(scripts map[string][]checker.Reason) *fakeProber {
	return &fakeProber{
		scripts:  scripts,
		calls:    map[string]int{},
		timeouts: map[string][]time.Duration{},
	}
}

func (f *fakeProber) Probe(_ context.Context, url string, timeout time.Duration) checker.Result {
	if url == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[url]
	f.calls[url] = n + 1
	f.timeouts[url] = append(f.timeouts[url], timeout)

	reason := checker.ReasonNetwork
	if script := f.scripts[url]; len(script) > 0 {
		reason = script[min(n, len(script)-1)]
	}
	return checker.Result{URL: url, Live: reason == checker.ReasonOK, Reason: reason}
}

func (f *fakeProber) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

var live = []checker.Reason{checker.ReasonOK}

func newTestEngine(t *testing.T, p Prober, cfg Config, src Sources) *Engine {
	t.Helper()
	cfg.Policy = checker.Policy{InitialTimeout: time.Second, MaxTimeout: 3 * time.Second, Retries: 2, RetryDelay: time.Millisecond}
	e, err := New(p, cfg, src,
		WithLogger(log.New(io.Discard, "", 0)),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, err)
	return e
}

func TestValidateReportsAttempt(t *testing.T) {
	p := newFakeProber(map[string][]checker.Reason{
		"http://slow": {checker.ReasonTimeout, checker.ReasonTimeout, checker.ReasonOK},
	})
	e := newTestEngine(t, p, Config{}, Sources{})

	out := e.Validate(context.Background(), models.Channel{ID: "s", URL: "http://slow"})
	assert.True(t, out.Live)
	assert.Equal(t, 3, out.Attempt)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, p.timeouts["http://slow"])

	out = e.Validate(context.Background(), models.Channel{ID: "e"})
	assert.False(t, out.Live)
	assert.Equal(t, 0, out.Attempt)
}

func TestValidateAndKeep(t *testing.T) {
	p := newFakeProber(map[string][]checker.Reason{
		"http://a": live,
		"http://c": {checker.ReasonStatus, checker.ReasonOK},
		"http://d": {checker.ReasonHTML, checker.ReasonOK},
	})
	e := newTestEngine(t, p, Config{BatchSize: 2}, Sources{
		Logos: models.Logos{"a": "http://logo/a.png"},
	})

	input := []models.Channel{
		{ID: "a", URL: "http://a"},
		{ID: "b", URL: "http://b"},
		{ID: "c", URL: "http://c", Logo: "keep.png"},
		{ID: "d", URL: "http://d"},
		{ID: "e", URL: ""},
	}
	kept, stats := e.ValidateAndKeep(context.Background(), input)

	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "http://logo/a.png", kept[0].Logo)
	assert.Equal(t, "c", kept[1].ID)
	assert.Equal(t, "keep.png", kept[1].Logo)
	assert.Equal(t, Stats{Checked: 5, Validated: 2, Removed: 3}, stats)

	// html is a semantic failure: no retry
	assert.Equal(t, 1, p.callCount("http://d"))
	// caller's slice is untouched by logo backfill
	assert.Empty(t, input[0].Logo)
}

func TestValidateRepairOrDropFromCatalog(t *testing.T) {
	p := newFakeProber(map[string][]checker.Reason{"http://alive": live})
	e := newTestEngine(t, p, Config{}, Sources{
		Streams: models.Streams{"z": "http://alive"},
	})

	kept, stats := e.ValidateRepairOrDrop(context.Background(), []models.Channel{{ID: "z", Name: "Zed", URL: "http://dead"}})

	require.Len(t, kept, 1)
	assert.Equal(t, "http://alive", kept[0].URL)
	assert.Equal(t, 1, stats.Replaced)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, 3, p.callCount("http://dead"))
}

func TestValidateRepairOrDropFuzzy(t *testing.T) {
	pool := []models.Channel{
		{Name: "Totally Different", URL: "http://other"},
		{Name: "Globo News", URL: "http://vod/movie.mp4"},
		{Name: "Globo News HD", URL: "http://globo-hd-dead"},
		{Name: "Globo Newz", URL: "http://globo-z"},
		{Name: "GLOBO NEWS", URL: "http://globo-exact"},
	}
	scripts := map[string][]checker.Reason{
		"http://other":       live,
		"http://globo-z":     live,
		"http://globo-exact": live,
	}

	t.Run("first over threshold", func(t *testing.T) {
		p := newFakeProber(scripts)
		e := newTestEngine(t, p, Config{}, Sources{Pool: pool})

		kept, stats := e.ValidateRepairOrDrop(context.Background(), []models.Channel{{ID: "g", Name: "Globo News", URL: "http://dead"}})
		require.Len(t, kept, 1)
		assert.Equal(t, "http://globo-z", kept[0].URL)
		assert.Equal(t, 1, stats.Replaced)
		assert.Equal(t, 0, p.callCount("http://other"))
		assert.Equal(t, 0, p.callCount("http://vod/movie.mp4"))
		assert.Equal(t, 0, p.callCount("http://globo-exact"))
	})

	t.Run("best score", func(t *testing.T) {
		p := newFakeProber(scripts)
		e := newTestEngine(t, p, Config{Match: MatchBest}, Sources{Pool: pool})

		kept, _ := e.ValidateRepairOrDrop(context.Background(), []models.Channel{{ID: "g", Name: "Globo News", URL: "http://dead"}})
		require.Len(t, kept, 1)
		assert.Equal(t, "http://globo-exact", kept[0].URL)
	})

	t.Run("no qualifying candidate", func(t *testing.T) {
		p := newFakeProber(scripts)
		e := newTestEngine(t, p, Config{}, Sources{Pool: pool})

		kept, stats := e.ValidateRepairOrDrop(context.Background(), []models.Channel{{ID: "x", Name: "Unrelated Sports", URL: "http://dead"}})
		assert.Empty(t, kept)
		assert.Equal(t, Stats{Checked: 1, Removed: 1}, stats)
	})
}

func TestCatalogEntryWithUnwantedExtensionIsSkipped(t *testing.T) {
	p := newFakeProber(map[string][]checker.Reason{"http://cat/film.mkv": live})
	e := newTestEngine(t, p, Config{}, Sources{Streams: models.Streams{"z": "http://cat/film.mkv"}})

	kept, stats := e.ValidateRepairOrDrop(context.Background(), []models.Channel{{ID: "z", URL: "http://dead"}})
	assert.Empty(t, kept)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 0, p.callCount("http://cat/film.mkv"))
}

func TestPanicIsContainedToRecord(t *testing.T) {
	p := newFakeProber(map[string][]checker.Reason{"http://ok": live})
	p.panicOn = "http://explode"
	e := newTestEngine(t, p, Config{}, Sources{})

	kept, stats := e.ValidateAndKeep(context.Background(), []models.Channel{
		{ID: "x", URL: "http://explode"},
		{ID: "o", URL: "http://ok"},
	})
	require.Len(t, kept, 1)
	assert.Equal(t, "o", kept[0].ID)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Validated)
}

func TestBatchesPreserveOrder(t *testing.T) {
	scripts := map[string][]checker.Reason{}
	var input []models.Channel
	for i := 0; i < 25; i++ {
		u := fmt.Sprintf("http://s/%d", i)
		scripts[u] = live
		input = append(input, models.Channel{ID: fmt.Sprint(i), URL: u})
	}
	e := newTestEngine(t, newFakeProber(scripts), Config{BatchSize: 7}, Sources{})

	kept, stats := e.ValidateAndKeep(context.Background(), input)
	assert.Equal(t, input, kept)
	assert.Equal(t, 25, stats.Validated)
}

func TestUnknownMatchPolicy(t *testing.T) {
	_, err := New(newFakeProber(nil), Config{Match: "random"}, Sources{})
	assert.Error(t, err)

	_, err = New(nil, Config{}, Sources{})
	assert.Error(t, err)
}
