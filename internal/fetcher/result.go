package fetcher

import "github.com/voyagen/streamsweep/internal/models"

// Catalog is everything one catalog download yields.
type Catalog struct {
	// Candidates are catalog channels that have a listed stream.
	Candidates []models.Channel
	// Streams maps channel id to its listed endpoint.
	Streams models.Streams
	// Logos maps channel id (and id@feed) to a logo URL.
	Logos models.Logos
}

// CatalogURLs locates the three catalog documents.
type CatalogURLs struct {
	Channels string
	Streams  string
	Logos    string
}

// catalogChannel is one entry of channels.json.
type catalogChannel struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Country    string   `json:"country"`
	Categories []string `json:"categories"`
	Logo       string   `json:"logo"`
	Closed     *string  `json:"closed"`
}

// catalogStream is one entry of streams.json.
type catalogStream struct {
	Channel *string `json:"channel"`
	Feed    *string `json:"feed"`
	URL     string  `json:"url"`
}

// catalogLogo is one entry of logos.json.
type catalogLogo struct {
	Channel string  `json:"channel"`
	Feed    *string `json:"feed"`
	URL     string  `json:"url"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
