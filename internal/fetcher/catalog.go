package fetcher

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/voyagen/streamsweep/internal/models"
)

// FetchCatalog downloads the channels, streams and logos documents
// concurrently. A document that cannot be fetched or decoded is logged and
// treated as empty, so the result is always usable.
func (f *Fetcher) FetchCatalog(ctx context.Context, urls CatalogURLs) Catalog {
	var (
		channels []catalogChannel
		streams  []catalogStream
		logos    []catalogLogo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { f.fetchJSON(gctx, "channels", urls.Channels, &channels); return nil })
	g.Go(func() error { f.fetchJSON(gctx, "streams", urls.Streams, &streams); return nil })
	g.Go(func() error { f.fetchJSON(gctx, "logos", urls.Logos, &logos); return nil })
	_ = g.Wait()

	cat := buildCatalog(channels, streams, logos)
	f.logger.Printf("fetcher: catalog has %d channels, %d streams, %d logos, %d candidates",
		len(channels), len(cat.Streams), len(cat.Logos), len(cat.Candidates))
	return cat
}

func (f *Fetcher) fetchJSON(ctx context.Context, what, url string, dst any) {
	if url == "" {
		return
	}
	body, err := f.get(ctx, url)
	if err != nil {
		f.logger.Printf("fetcher: %s %s: %v", what, url, err)
		return
	}
	if err := json.Unmarshal(body, dst); err != nil {
		f.logger.Printf("fetcher: decode %s: %v", what, err)
	}
}

// buildCatalog joins the three documents. Closed channels and channels
// without a listed stream do not become candidates.
func buildCatalog(channels []catalogChannel, streams []catalogStream, logos []catalogLogo) Catalog {
	cat := Catalog{Streams: models.Streams{}, Logos: models.Logos{}}
	feeds := make(map[string]string)
	for _, s := range streams {
		id := strings.ToLower(strings.TrimSpace(deref(s.Channel)))
		if id == "" {
			continue
		}
		if _, ok := cat.Streams[id]; !ok {
			feeds[id] = deref(s.Feed)
		}
		cat.Streams.Add(id, s.URL)
	}
	for _, l := range logos {
		cat.Logos.Add(l.Channel, deref(l.Feed), l.URL)
	}

	for _, c := range channels {
		if c.Closed != nil && *c.Closed != "" {
			continue
		}
		rec := models.Channel{
			Name:       c.Name,
			ID:         c.ID,
			Logo:       c.Logo,
			Categories: c.Categories,
			Country:    c.Country,
		}.Normalize()
		url, ok := cat.Streams[rec.ID]
		if !ok {
			continue
		}
		rec.URL = url
		rec.Feed = feeds[rec.ID]
		if c.Logo != "" {
			cat.Logos.Add(rec.ID, "", c.Logo)
		}
		cat.Candidates = append(cat.Candidates, rec)
	}
	return cat
}
