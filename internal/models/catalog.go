package models

import "strings"

// Streams maps a channel id to the endpoint an authoritative catalog lists for it.
type Streams map[string]string

// Add records url for id unless the id already has an endpoint.
func (s Streams) Add(id, url string) {
	id = strings.ToLower(strings.TrimSpace(id))
	url = strings.TrimSpace(url)
	if id == "" || url == "" {
		return
	}
	if _, ok := s[id]; !ok {
		s[id] = url
	}
}

// Logos is a logo registry keyed by channel id, optionally qualified by feed.
type Logos map[string]string

func logoKey(id, feed string) string {
	if feed == "" {
		return id
	}
	return id + "@" + strings.ToLower(feed)
}

// Add registers url for id (and id@feed when feed is set). The first
// registration for a key wins.
func (l Logos) Add(id, feed, url string) {
	id = strings.ToLower(strings.TrimSpace(id))
	feed = strings.TrimSpace(feed)
	url = strings.TrimSpace(url)
	if id == "" || url == "" {
		return
	}
	if feed != "" {
		if _, ok := l[logoKey(id, feed)]; !ok {
			l[logoKey(id, feed)] = url
		}
	}
	if _, ok := l[id]; !ok {
		l[id] = url
	}
}

// Lookup returns the logo for id, preferring the feed-specific entry.
func (l Logos) Lookup(id, feed string) (string, bool) {
	id = strings.ToLower(id)
	if feed != "" {
		if u, ok := l[logoKey(id, feed)]; ok {
			return u, true
		}
	}
	u, ok := l[id]
	return u, ok
}
