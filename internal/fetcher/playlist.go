package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/voyagen/streamsweep/internal/models"
	"github.com/voyagen/streamsweep/internal/playlist"
)

// maxParallelPlaylists bounds concurrent playlist downloads.
const maxParallelPlaylists = 4

// FetchPlaylist fetches an M3U playlist and returns its entries as
// normalized records. Entries without a tvg-id get one derived from the name.
func (f *Fetcher) FetchPlaylist(ctx context.Context, url string) ([]models.Channel, error) {
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("FetchPlaylist %s: %w", url, err)
	}
	entries, err := playlist.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("FetchPlaylist %s: %w", url, err)
	}
	out := make([]models.Channel, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.ID) == "" {
			e.ID = slug(e.Name)
		}
		out = append(out, e.Normalize())
	}
	return out, nil
}

// FetchPlaylists fetches several playlists concurrently and concatenates
// their entries in argument order. Failing playlists are logged and skipped.
func (f *Fetcher) FetchPlaylists(ctx context.Context, urls []string) []models.Channel {
	results := make([][]models.Channel, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPlaylists)
	for i, url := range urls {
		g.Go(func() error {
			chs, err := f.FetchPlaylist(gctx, url)
			if err != nil {
				f.logger.Printf("fetcher: %v", err)
				return nil
			}
			results[i] = chs
			return nil
		})
	}
	_ = g.Wait()

	var all []models.Channel
	for _, chs := range results {
		all = append(all, chs...)
	}
	f.logger.Printf("fetcher: %d playlists yielded %d entries", len(urls), len(all))
	return all
}

// slug turns a display name into a lowercase dotted identifier.
func slug(name string) string {
	var b strings.Builder
	dot := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dot = false
		case b.Len() > 0 && !dot:
			b.WriteByte('.')
			dot = true
		}
	}
	return strings.TrimSuffix(b.String(), ".")
}
