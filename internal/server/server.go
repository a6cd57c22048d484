package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voyagen/streamsweep/internal/checker"
	"github.com/voyagen/streamsweep/internal/match"
	"github.com/voyagen/streamsweep/internal/models"
	"github.com/voyagen/streamsweep/internal/playlist"
	"github.com/voyagen/streamsweep/internal/store"
)

const (
	defaultLimit  = 100
	maxLimit      = 1000
	searchMinimum = 60
)

// URLChecker checks a single URL with the full retry policy.
// *checker.Checker satisfies it.
type URLChecker interface {
	CheckURL(ctx context.Context, url string) checker.Result
}

// Server is a read-only HTTP view over the partitioned store plus an
// on-demand liveness check.
type Server struct {
	store    *store.Partitioned
	checker  URLChecker
	gatherer prometheus.Gatherer
	logger   *log.Logger
	mux      *http.ServeMux
}

type Option func(*Server)

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer exposes the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a Server and registers routes. chk may be nil, which disables /api/check.
func New(st *store.Partitioned, chk URLChecker, opts ...Option) *Server {
	s := &Server{store: st, checker: chk, logger: log.Default(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/channels", s.handleListChannels)
	s.mux.HandleFunc("GET /api/channels/{id}", s.handleGetChannel)

	s.mux.HandleFunc("GET /api/partitions/{kind}", s.handleListPartitions)
	s.mux.HandleFunc("GET /api/partitions/{kind}/{key}", s.handleGetPartition)

	s.mux.HandleFunc("POST /api/check", s.handleCheck)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("server shutdown: %v", err)
		}
	}()

	s.logger.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type channelPage struct {
	Channels []models.Channel `json:"channels"`
	Total    int              `json:"total"`
}

// handleListChannels pages through the unified view. ?q= keeps channels whose
// normalized name contains the query or scores at least searchMinimum
// against it; ?country= and ?category= filter exactly.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	channels, err := s.store.Load(r.Context())
	if err != nil {
		s.writeServerErr(w, err)
		return
	}

	query := match.Normalize(q.Get("q"))
	country := q.Get("country")
	category := q.Get("category")
	filtered := make([]models.Channel, 0, len(channels))
	for _, ch := range channels {
		if country != "" && !strings.EqualFold(ch.Country, country) {
			continue
		}
		if category != "" && !hasCategory(ch, category) {
			continue
		}
		if query != "" {
			name := match.Normalize(ch.Name)
			if !strings.Contains(name, query) && match.ScoreNormalized(name, query) < searchMinimum {
				continue
			}
		}
		filtered = append(filtered, ch)
	}

	page := channelPage{Channels: []models.Channel{}, Total: len(filtered)}
	if offset < len(filtered) {
		page.Channels = filtered[offset:min(offset+limit, len(filtered))]
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(r.PathValue("id"))
	channels, err := s.store.Load(r.Context())
	if err != nil {
		s.writeServerErr(w, err)
		return
	}
	for _, ch := range channels {
		if ch.ID == id {
			writeJSON(w, http.StatusOK, ch)
			return
		}
	}
	writeErr(w, http.StatusNotFound, fmt.Errorf("channel %q not found", id))
}

func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("unknown partition kind %q", r.PathValue("kind")))
		return
	}
	parts, err := s.store.Partitions(r.Context(), kind)
	if err != nil {
		s.writeServerErr(w, err)
		return
	}
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = p.Key
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleGetPartition returns one partition as JSON, or as an M3U playlist
// with ?format=m3u.
func (s *Server) handleGetPartition(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("unknown partition kind %q", r.PathValue("kind")))
		return
	}
	key := r.PathValue("key")
	if store.SanitizeKey(key) != key {
		writeErr(w, http.StatusNotFound, fmt.Errorf("unknown partition key %q", key))
		return
	}
	p := store.Partition{Kind: kind, Key: key}
	channels, err := s.store.LoadPartition(r.Context(), p)
	if err != nil {
		s.writeServerErr(w, err)
		return
	}
	if r.URL.Query().Get("format") == "m3u" {
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		w.WriteHeader(http.StatusOK)
		if err := playlist.Encode(w, channels); err != nil {
			s.logger.Printf("server: encode %s: %v", p, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type checkRequest struct {
	URL string `json:"url"`
}

type checkResponse struct {
	checker.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeErr(w, http.StatusNotImplemented, errors.New("liveness checks are disabled"))
		return
	}
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	res := s.checker.CheckURL(r.Context(), req.URL)
	resp := checkResponse{Result: res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withLogging logs each request with method, path, status and duration.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Printf("%-6s %s %d %s", r.Method, r.URL.RequestURI(), sw.status, formatDuration(time.Since(start)))
	})
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func parseKind(v string) (store.Kind, bool) {
	switch store.Kind(v) {
	case store.KindCountry, store.KindCategory:
		return store.Kind(v), true
	}
	return "", false
}

func pageParams(limitStr, offsetStr string) (limit, offset int, err error) {
	limit = defaultLimit
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit: %s", limitStr)
		}
		limit = min(limit, maxLimit)
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset: %s", offsetStr)
		}
	}
	return limit, offset, nil
}

func hasCategory(ch models.Channel, category string) bool {
	for _, c := range ch.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: %v", err)
	}
}

// writeServerErr logs err and answers with the bare status; backend errors
// carry file paths and SQL text that stay in the log.
func (s *Server) writeServerErr(w http.ResponseWriter, err error) {
	s.logger.Printf("ERROR %d: %v", http.StatusInternalServerError, err)
	writeJSON(w, http.StatusInternalServerError, APIError{
		Status: http.StatusInternalServerError,
		Error:  http.StatusText(http.StatusInternalServerError),
	})
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}
