// Package reconcile validates batches of channel records and repairs broken
// ones from alternate sources before they are persisted.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voyagen/streamsweep/internal/checker"
	"github.com/voyagen/streamsweep/internal/match"
	"github.com/voyagen/streamsweep/internal/metrics"
	"github.com/voyagen/streamsweep/internal/models"
)

// Prober performs one liveness attempt with an explicit timeout.
// *checker.Checker satisfies it.
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) checker.Result
}

// MatchPolicy selects which fuzzy candidate is tried first.
type MatchPolicy string

const (
	// MatchFirst tries qualifying candidates in pool order and takes the first live one.
	MatchFirst MatchPolicy = "first"
	// MatchBest tries qualifying candidates from the highest score down.
	MatchBest MatchPolicy = "best"
)

const (
	DefaultBatchSize        = 500
	DefaultCleanupBatchSize = 300
	DefaultFuzzyThreshold   = 80
)

// Config controls an Engine.
type Config struct {
	Policy             checker.Policy
	BatchSize          int
	CleanupBatchSize   int
	FuzzyThreshold     int
	Match              MatchPolicy
	UnwantedExtensions []string
}

// Sources are the side tables used for logo backfill and URL replacement.
type Sources struct {
	// Streams is the authoritative catalog endpoint per channel id.
	Streams models.Streams
	Logos   models.Logos
	// Pool holds records from alternate sources for fuzzy name matching.
	Pool []models.Channel
}

// Outcome is the result of validating one record.
type Outcome struct {
	Record  models.Channel
	Live    bool
	Attempt int
}

// Stats counts what happened to the records of one phase.
type Stats struct {
	Checked   int
	Validated int
	Replaced  int
	Removed   int
	Failed    int
}

func (s *Stats) add(o Stats) {
	s.Checked += o.Checked
	s.Validated += o.Validated
	s.Replaced += o.Replaced
	s.Removed += o.Removed
	s.Failed += o.Failed
}

func (s Stats) String() string {
	return fmt.Sprintf("checked=%d validated=%d replaced=%d removed=%d failed=%d",
		s.Checked, s.Validated, s.Replaced, s.Removed, s.Failed)
}

type verdict string

const (
	verdictValidated verdict = "validated"
	verdictReplaced  verdict = "replaced"
	verdictRemoved   verdict = "removed"
	verdictFailed    verdict = "failed"
)

type result struct {
	record  models.Channel
	verdict verdict
}

// Engine drives bulk validation through a Prober.
type Engine struct {
	prober    Prober
	cfg       Config
	sources   Sources
	poolNames []string
	sleep     checker.SleepFunc
	logger    *log.Logger
	metrics   *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSleep replaces the pause between record-level retries.
func WithSleep(sleep checker.SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// New creates an Engine. Zero fields in cfg take package defaults.
func New(prober Prober, cfg Config, sources Sources, opts ...Option) (*Engine, error) {
	if prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if cfg.Policy.InitialTimeout <= 0 {
		cfg.Policy = checker.DefaultPolicy()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = DefaultFuzzyThreshold
	}
	switch cfg.Match {
	case "":
		cfg.Match = MatchFirst
	case MatchFirst, MatchBest:
	default:
		return nil, fmt.Errorf("unknown match policy %q", cfg.Match)
	}
	if cfg.UnwantedExtensions == nil {
		cfg.UnwantedExtensions = checker.DefaultUnwantedExtensions
	}

	e := &Engine{
		prober:  prober,
		cfg:     cfg,
		sources: sources,
		sleep:   checker.Sleep,
		logger:  log.Default(),
	}
	e.poolNames = make([]string, len(sources.Pool))
	for i, ch := range sources.Pool {
		e.poolNames[i] = match.Normalize(ch.Name)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Validate checks one record with the engine's own retry loop and reports
// which attempt decided the outcome. Records without a URL are never probed.
func (e *Engine) Validate(ctx context.Context, ch models.Channel) Outcome {
	if ch.URL == "" {
		return Outcome{Record: ch}
	}
	res := e.validateURL(ctx, ch.URL)
	return Outcome{Record: ch, Live: res.Live, Attempt: res.Attempt}
}

func (e *Engine) validateURL(ctx context.Context, url string) checker.Result {
	return e.cfg.Policy.Run(ctx, e.sleep, func(ctx context.Context, timeout time.Duration) checker.Result {
		return e.prober.Probe(ctx, url, timeout)
	})
}

// BackfillLogos fills empty logos from the logo registry (feed-specific entry
// first, then the bare id) and returns how many records changed.
func (e *Engine) BackfillLogos(records []models.Channel) int {
	if len(e.sources.Logos) == 0 {
		return 0
	}
	n := 0
	for i := range records {
		if records[i].Logo != "" {
			continue
		}
		if u, ok := e.sources.Logos.Lookup(records[i].ID, records[i].Feed); ok {
			records[i].Logo = u
			n++
		}
	}
	return n
}

// ValidateAndKeep keeps every record whose own URL validates live and drops the rest.
func (e *Engine) ValidateAndKeep(ctx context.Context, records []models.Channel) ([]models.Channel, Stats) {
	return e.process(ctx, "validate", records, e.cfg.BatchSize, e.keep)
}

// ValidateRepairOrDrop validates each record and, when its URL is dead, tries a
// replacement from the stream catalog and then from fuzzy name matches in the
// alternate pool. Records with no live replacement are dropped.
func (e *Engine) ValidateRepairOrDrop(ctx context.Context, records []models.Channel) ([]models.Channel, Stats) {
	return e.process(ctx, "cleanup", records, e.cfg.CleanupBatchSize, e.repair)
}

func (e *Engine) keep(ctx context.Context, ch models.Channel) result {
	if e.Validate(ctx, ch).Live {
		return result{record: ch, verdict: verdictValidated}
	}
	return result{record: ch, verdict: verdictRemoved}
}

func (e *Engine) repair(ctx context.Context, ch models.Channel) result {
	if e.Validate(ctx, ch).Live {
		return result{record: ch, verdict: verdictValidated}
	}
	if url, ok := e.findReplacement(ctx, ch); ok {
		ch.URL = url
		return result{record: ch, verdict: verdictReplaced}
	}
	return result{record: ch, verdict: verdictRemoved}
}

type candidate struct {
	url   string
	score int
}

func (e *Engine) findReplacement(ctx context.Context, ch models.Channel) (string, bool) {
	tried := map[string]struct{}{ch.URL: {}}
	usable := func(u string) bool {
		if u == "" || checker.HasUnwantedExtension(u, e.cfg.UnwantedExtensions) {
			return false
		}
		_, seen := tried[u]
		return !seen
	}

	if u, ok := e.sources.Streams[ch.ID]; ok && usable(u) {
		tried[u] = struct{}{}
		if e.validateURL(ctx, u).Live {
			return u, true
		}
	}

	name := match.Normalize(ch.Name)
	if name == "" {
		return "", false
	}
	var candidates []candidate
	for i, alt := range e.sources.Pool {
		if !usable(alt.URL) {
			continue
		}
		if score := match.ScoreNormalized(name, e.poolNames[i]); score > e.cfg.FuzzyThreshold {
			candidates = append(candidates, candidate{url: alt.URL, score: score})
		}
	}
	if e.cfg.Match == MatchBest {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].score > candidates[j].score
		})
	}
	for _, c := range candidates {
		if _, seen := tried[c.url]; seen {
			continue
		}
		tried[c.url] = struct{}{}
		if e.validateURL(ctx, c.url).Live {
			return c.url, true
		}
	}
	return "", false
}

// process runs fn over records in sequential batches. Within a batch every
// record is handled concurrently (the prober's gate bounds real concurrency)
// and the batch is fully collected before the next one starts.
func (e *Engine) process(ctx context.Context, phase string, records []models.Channel, batchSize int, fn func(context.Context, models.Channel) result) ([]models.Channel, Stats) {
	records = slices.Clone(records)
	if n := e.BackfillLogos(records); n > 0 {
		e.logger.Printf("reconcile: %s: backfilled %d logos", phase, n)
	}

	var total Stats
	kept := make([]models.Channel, 0, len(records))
	batches := (len(records) + batchSize - 1) / batchSize

	for b := 0; b < batches; b++ {
		lo := b * batchSize
		hi := min(lo+batchSize, len(records))
		batch := records[lo:hi]

		results := make([]result, len(batch))
		var g errgroup.Group
		for i, ch := range batch {
			g.Go(func() error {
				results[i] = e.safely(ctx, phase, ch, fn)
				return nil
			})
		}
		_ = g.Wait()

		var stats Stats
		for _, r := range results {
			stats.Checked++
			e.metrics.IncrementRecords(phase, string(r.verdict))
			switch r.verdict {
			case verdictValidated:
				stats.Validated++
				kept = append(kept, r.record)
			case verdictReplaced:
				stats.Replaced++
				kept = append(kept, r.record)
			case verdictRemoved:
				stats.Removed++
			case verdictFailed:
				stats.Failed++
			}
		}
		total.add(stats)
		e.logger.Printf("reconcile: %s: batch %d/%d done (%s)", phase, b+1, batches, stats)
	}
	return kept, total
}

// safely isolates a record: a panic in fn fails that record only.
func (e *Engine) safely(ctx context.Context, phase string, ch models.Channel, fn func(context.Context, models.Channel) result) (r result) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Printf("reconcile: %s: record %q (%s) failed: %v", phase, ch.ID, ch.URL, p)
			r = result{record: ch, verdict: verdictFailed}
		}
	}()
	return fn(ctx, ch)
}
