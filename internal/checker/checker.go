// Package checker decides whether a stream URL is live.
//
// A check rejects known static-file extensions without touching the network,
// then tries a HEAD request and falls back to a GET that sniffs the first
// kilobyte of the body for an HTML error page. All outcomes are returned as a
// Result; nothing in this package panics or returns an error for a bad URL.
package checker

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voyagen/streamsweep/internal/metrics"
	"github.com/voyagen/streamsweep/internal/playlist"
)

const (
	// DefaultMaxConcurrent bounds in-flight probes across all callers.
	DefaultMaxConcurrent = 100

	sniffSize = 1024
)

// DefaultUnwantedExtensions are static video containers, not live streams.
var DefaultUnwantedExtensions = []string{".mkv", ".mp4", ".avi", ".mov", ".flv", ".wmv"}

var playlistExtensions = []string{".m3u8", ".m3u"}

// Config controls a Checker.
type Config struct {
	MaxConcurrent      int
	Policy             Policy
	UserAgent          string
	UnwantedExtensions []string
	// InsecureTLS skips certificate verification; many stream hosts use self-signed certs.
	InsecureTLS bool
}

// DefaultConfig returns the stock checker configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      DefaultMaxConcurrent,
		Policy:             DefaultPolicy(),
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		UnwantedExtensions: DefaultUnwantedExtensions,
		InsecureTLS:        true,
	}
}

// Checker probes stream URLs under a global concurrency gate.
type Checker struct {
	cfg     Config
	client  *http.Client
	gate    *semaphore.Weighted
	sleep   SleepFunc
	logger  *log.Logger
	metrics *metrics.Metrics
}

type Option func(*Checker)

// WithHTTPClient replaces the pooled HTTP client. The client should not set a
// global Timeout; each attempt carries its own deadline.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Checker) {
		ch.client = c
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(ch *Checker) {
		ch.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ch *Checker) {
		ch.metrics = m
	}
}

// WithSleep replaces the pause used between retries.
func WithSleep(sleep SleepFunc) Option {
	return func(ch *Checker) {
		ch.sleep = sleep
	}
}

// New creates a Checker. Zero fields in cfg fall back to DefaultConfig values.
func New(cfg Config, opts ...Option) *Checker {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Policy.InitialTimeout <= 0 {
		cfg.Policy = def.Policy
	}
	if cfg.UnwantedExtensions == nil {
		cfg.UnwantedExtensions = def.UnwantedExtensions
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxConcurrent,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}, //nolint:gosec // stream hosts often use self-signed certs
	}

	c := &Checker{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		gate:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sleep:  Sleep,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy the checker applies in CheckURL.
func (c *Checker) Policy() Policy {
	return c.cfg.Policy
}

// UnwantedExtensions returns the extensions rejected without a network call.
func (c *Checker) UnwantedExtensions() []string {
	return c.cfg.UnwantedExtensions
}

// Check reports whether rawURL is live under the full retry policy.
func (c *Checker) Check(ctx context.Context, rawURL string) bool {
	return c.CheckURL(ctx, rawURL).Live
}

// CheckURL runs Probe under the checker's retry policy and returns the final result.
func (c *Checker) CheckURL(ctx context.Context, rawURL string) Result {
	return c.cfg.Policy.Run(ctx, c.sleep, func(ctx context.Context, timeout time.Duration) Result {
		return c.Probe(ctx, rawURL, timeout)
	})
}

// Probe performs a single attempt with an explicit timeout. The timeout is a
// parameter rather than checker state so concurrent probes never share it.
// It bounds the whole attempt: the HEAD probe spends at most a quarter of it
// and the GET fallback gets whatever is left. Waiting for a gate slot does
// not count against the timeout.
func (c *Checker) Probe(ctx context.Context, rawURL string, timeout time.Duration) (res Result) {
	start := time.Now()
	res = Result{URL: rawURL, Attempt: 1}
	defer func() {
		if r := recover(); r != nil {
			res = Result{URL: rawURL, Attempt: 1, Reason: ReasonNetwork, Err: fmt.Errorf("probe panic: %v", r)}
		}
		res.Elapsed = time.Since(start)
		c.metrics.ObserveCheck(string(res.Reason), res.Elapsed)
	}()

	if HasUnwantedExtension(rawURL, c.cfg.UnwantedExtensions) {
		res.Reason = ReasonUnwantedExtension
		return res
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.Reason = ReasonInvalidURL
		res.Err = err
		return res
	}
	target := u.String()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		res.Reason = ReasonCanceled
		res.Err = err
		return res
	}
	defer c.gate.Release(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.head(ctx, target, timeout/4) {
		res.Live = true
		res.Status = http.StatusOK
		res.Reason = ReasonOK
		return res
	}
	return c.get(ctx, target, res)
}

// head is the cheap existence probe. It only accepts a 200 that is not an HTML document.
func (c *Checker) head(ctx context.Context, target string, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	c.decorate(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK && !isHTMLContentType(resp.Header.Get("Content-Type"))
}

// get runs under the attempt deadline already carried by ctx.
func (c *Checker) get(ctx context.Context, target string, res Result) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Reason = ReasonInvalidURL
		res.Err = err
		return res
	}
	c.decorate(req)
	resp, err := c.client.Do(req)
	if err != nil {
		res.Reason = classify(ctx, err)
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		res.Reason = ReasonStatus
		return res
	}

	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		res.Reason = classify(ctx, err)
		res.Err = err
		return res
	}
	fragment := buf[:n]

	if looksLikeHTML(fragment) {
		res.Reason = ReasonHTML
		return res
	}
	if hasExtension(target, playlistExtensions) && !playlist.LooksLikePlaylist(fragment) {
		c.logger.Printf("checker: %s has no playlist signature, accepting anyway", target)
	}

	res.Live = true
	res.Reason = ReasonOK
	return res
}

func (c *Checker) decorate(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
}

// classify maps a transport error to a Reason. ctx is the per-attempt context.
func classify(ctx context.Context, err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}

// HasUnwantedExtension reports whether the path of rawURL ends with one of
// exts, case-insensitively. Query and fragment are ignored; a URL that does
// not parse is matched as a whole.
func HasUnwantedExtension(rawURL string, exts []string) bool {
	return hasExtension(rawURL, exts)
}

func hasExtension(rawURL string, exts []string) bool {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if u, err := url.Parse(s); err == nil {
		s = u.Path
	}
	for _, ext := range exts {
		if strings.HasSuffix(s, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func isHTMLContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(strings.ToLower(ct), "text/html")
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// looksLikeHTML reports whether a body fragment starts an HTML document,
// i.e. an error or landing page served with a 200.
func looksLikeHTML(fragment []byte) bool {
	b := bytes.TrimPrefix(fragment, []byte("\xef\xbb\xbf"))
	b = bytes.ToLower(bytes.TrimLeft(b, " \t\r\n"))
	return bytes.HasPrefix(b, []byte("<html")) || bytes.HasPrefix(b, []byte("<!doctype"))
}
