package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/voyagen/streamsweep/internal/fetcher"
	"github.com/voyagen/streamsweep/internal/models"
	"github.com/voyagen/streamsweep/internal/reconcile"
	"github.com/voyagen/streamsweep/internal/store"
)

// Inputs is everything gathered from the sources before a sweep.
type Inputs struct {
	// Candidates are newly discovered records, not yet validated.
	Candidates []models.Channel
	Sources    reconcile.Sources
}

// Gather downloads the catalog and the alternate playlists. Source failures
// are logged by the fetcher and leave the corresponding part empty.
func Gather(ctx context.Context, f *fetcher.Fetcher, urls fetcher.CatalogURLs, playlists []string) Inputs {
	cat := f.FetchCatalog(ctx, urls)
	var alternates []models.Channel
	if len(playlists) > 0 {
		alternates = f.FetchPlaylists(ctx, playlists)
	}
	candidates := make([]models.Channel, 0, len(cat.Candidates)+len(alternates))
	candidates = append(candidates, cat.Candidates...)
	candidates = append(candidates, alternates...)
	return Inputs{
		Candidates: candidates,
		Sources: reconcile.Sources{
			Streams: cat.Streams,
			Logos:   cat.Logos,
			Pool:    alternates,
		},
	}
}

// Deps are the collaborators of a sweep.
type Deps struct {
	Store  *store.Partitioned
	Engine *reconcile.Engine
	// Candidates are validated after the existing corpus has been cleaned.
	Candidates []models.Channel
	RunID      string
	Logger     *log.Logger
}

// Report summarizes a sweep.
type Report struct {
	RunID      string
	Loaded     int
	Cleanup    reconcile.Stats
	Discovered int
	Validation reconcile.Stats
	Added      int
	Total      int
	Elapsed    time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("run %s: loaded=%d cleanup(%s) discovered=%d validation(%s) added=%d total=%d in %s",
		r.RunID, r.Loaded, r.Cleanup, r.Discovered, r.Validation, r.Added, r.Total, r.Elapsed.Round(time.Millisecond))
}

// Run performs a full sweep:
//
//	LOAD -> VALIDATE-REPAIR-OR-DROP -> SAVE(replace) -> VALIDATE-AND-KEEP(new) -> SAVE(append) -> SYNC
//
// Only persistence errors and cancellation abort the run; per-record
// failures are counted in the report.
func Run(ctx context.Context, d Deps) (Report, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	start := time.Now()
	rep := Report{RunID: d.RunID}

	existing, err := d.Store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("load: %w", err)
	}
	rep.Loaded = len(existing)
	logger.Printf("service: loaded %d persisted channels", rep.Loaded)

	kept, stats := d.Engine.ValidateRepairOrDrop(ctx, existing)
	rep.Cleanup = stats
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("sweep cancelled: %w", err)
	}
	if _, err := d.Store.Save(ctx, kept, store.ModeReplace); err != nil {
		return rep, fmt.Errorf("save cleaned: %w", err)
	}
	logger.Printf("service: cleanup %s", stats)

	fresh := newCandidates(kept, d.Candidates)
	rep.Discovered = len(fresh)
	valid, stats := d.Engine.ValidateAndKeep(ctx, fresh)
	rep.Validation = stats
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("sweep cancelled: %w", err)
	}
	sum, err := d.Store.Save(ctx, valid, store.ModeAppend)
	if err != nil {
		return rep, fmt.Errorf("save discovered: %w", err)
	}
	rep.Added = sum.Records
	logger.Printf("service: validation %s, %d added", stats, rep.Added)

	unified, err := d.Store.Sync(ctx)
	if err != nil {
		return rep, fmt.Errorf("sync: %w", err)
	}
	rep.Total = len(unified)
	rep.Elapsed = time.Since(start)
	logger.Printf("service: %s", rep)
	return rep, nil
}

// newCandidates dedupes candidates and drops those whose id or url is
// already among the kept records, so only genuinely new records are probed.
func newCandidates(kept, candidates []models.Channel) []models.Channel {
	ids := make(map[string]struct{}, len(kept))
	urls := make(map[string]struct{}, len(kept))
	for _, ch := range kept {
		ids[ch.ID] = struct{}{}
		urls[ch.URL] = struct{}{}
	}
	var out []models.Channel
	for _, ch := range models.Dedupe(candidates) {
		if _, ok := ids[ch.ID]; ok {
			continue
		}
		if _, ok := urls[ch.URL]; ok {
			continue
		}
		out = append(out, ch)
	}
	return out
}
