package checker

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamsweep/internal/metrics"
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testChecker(opts ...Option) *Checker {
	cfg := DefaultConfig()
	cfg.Policy = Policy{
		InitialTimeout: 200 * time.Millisecond,
		MaxTimeout:     400 * time.Millisecond,
		Retries:        2,
		RetryDelay:     time.Millisecond,
	}
	opts = append([]Option{WithSleep(noSleep), WithLogger(log.New(io.Discard, "", 0))}, opts...)
	return New(cfg, opts...)
}

func TestCheckURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/head-ok.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, "#EXTM3U\n#EXT-X-VERSION:3\nseg1.ts\n")
	})
	mux.HandleFunc("/html-head", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "  <!DOCTYPE html><html><body>Channel offline</body></html>")
	})
	mux.HandleFunc("/html-body", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, "<html><head><title>404</title></head></html>")
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Redirect(w, r, "/playlist.m3u8", http.StatusFound)
	})
	mux.HandleFunc("/no-signature.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		_, _ = io.WriteString(w, "garbage")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name    string
		path    string
		live    bool
		reason  Reason
		attempt int
	}{
		{"head accepted", "/head-ok.ts", true, ReasonOK, 1},
		{"get fallback with playlist", "/playlist.m3u8", true, ReasonOK, 1},
		{"html content type falls through to get", "/html-head", false, ReasonHTML, 1},
		{"html body with misleading 200", "/html-body", false, ReasonHTML, 1},
		{"redirects are followed", "/redirect", true, ReasonOK, 1},
		{"missing playlist signature is advisory", "/no-signature.m3u8", true, ReasonOK, 1},
		{"not found is retried until exhausted", "/missing", false, ReasonStatus, 3},
	}

	c := testChecker()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.CheckURL(context.Background(), srv.URL+tt.path)
			assert.Equal(t, tt.live, res.Live, res.String())
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.attempt, res.Attempt)
		})
	}
}

func TestUnwantedExtensionSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testChecker()
	for _, p := range []string{"/movie.mp4", "/movie.MKV", "/clip.avi?token=abc"} {
		res := c.CheckURL(context.Background(), srv.URL+p)
		assert.False(t, res.Live)
		assert.Equal(t, ReasonUnwantedExtension, res.Reason)
		assert.Equal(t, 1, res.Attempt)
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestHasUnwantedExtension(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"http://h/movie.mp4", true},
		{"http://h/MOVIE.MKV?token=abc", true},
		{"http://h/clip.avi#t=10", true},
		{"http://h/live.m3u8?f=.mp4", false},
		{"http://h/live.m3u8#x.mkv", false},
		{"http://vod.mp4/live", false},
		{"http://h/live.ts", false},
		{"not a url.mp4", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasUnwantedExtension(tt.url, DefaultUnwantedExtensions), tt.url)
	}
}

func TestAttemptTimeoutCoversHeadAndGet(t *testing.T) {
	const timeout = 400 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait := 350 * time.Millisecond
		if r.Method == http.MethodHead {
			wait = 2 * time.Second
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(wait):
		}
		_, _ = io.WriteString(w, "#EXTM3U\n")
	}))
	defer srv.Close()

	// HEAD burns its quarter, so the 350ms GET no longer fits in the attempt.
	c := testChecker()
	res := c.Probe(context.Background(), srv.URL+"/slow.m3u8", timeout)
	assert.False(t, res.Live, res.String())
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Less(t, res.Elapsed, timeout+150*time.Millisecond)
}

func TestCheckNeverPanics(t *testing.T) {
	c := testChecker()
	inputs := []string{
		"",
		"not a url",
		"::://broken",
		"ftp://example.com/stream",
		"http://",
		"http://127.0.0.1:1/unreachable.m3u8",
		"http://[::1",
		"https://example.invalid/movie.wmv",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			assert.False(t, c.Check(context.Background(), in), in)
		})
	}
}

func TestTimeoutIsRetried(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n := gets.Add(1)
		if n < 3 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, "#EXTM3U\n")
	}))
	defer srv.Close()

	m := metrics.New()
	c := testChecker(WithMetrics(m))
	res := c.CheckURL(context.Background(), srv.URL+"/slow.m3u8")

	assert.True(t, res.Live, res.String())
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Checks.WithLabelValues(string(ReasonTimeout))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checks.WithLabelValues(string(ReasonOK))))
}

func TestGateBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.Policy = Policy{InitialTimeout: 2 * time.Second, MaxTimeout: 2 * time.Second}
	c := New(cfg, WithSleep(noSleep))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, c.Check(context.Background(), srv.URL+"/live.ts"))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testChecker()
	res := c.CheckURL(ctx, "http://127.0.0.1:1/live.m3u8")
	require.False(t, res.Live)
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.Equal(t, 1, res.Attempt)
}
