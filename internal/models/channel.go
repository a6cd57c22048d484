package models

import "strings"

// Defaults applied by Normalize when a source leaves a field blank.
const (
	DefaultCategory = "general"
	UnknownCountry  = "Unknown"
)

// Channel is the canonical record for one streaming channel candidate.
// Field order matches the persisted JSON layout (name, id, logo, url, categories, country).
type Channel struct {
	Name       string   `json:"name"`
	ID         string   `json:"id"`
	Logo       string   `json:"logo"`
	URL        string   `json:"url"`
	Categories []string `json:"categories"`
	Country    string   `json:"country"`

	// Feed distinguishes several streams of the same channel (e.g. "SD", "HD").
	// Only used for logo lookup; never persisted.
	Feed string `json:"-"`
}

// Valid reports whether the record can be persisted (id and url are both set).
func (c Channel) Valid() bool {
	return c.ID != "" && c.URL != ""
}

// Normalize trims every field, lower-cases the id and fills in the default
// category and country.
func (c Channel) Normalize() Channel {
	c.ID = strings.ToLower(strings.TrimSpace(c.ID))
	c.Name = strings.TrimSpace(c.Name)
	c.URL = strings.TrimSpace(c.URL)
	c.Logo = strings.TrimSpace(c.Logo)
	c.Feed = strings.TrimSpace(c.Feed)
	c.Country = strings.TrimSpace(c.Country)
	if c.Country == "" {
		c.Country = UnknownCountry
	}

	cats := make([]string, 0, len(c.Categories))
	seen := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			continue
		}
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		cats = append(cats, cat)
	}
	if len(cats) == 0 {
		cats = []string{DefaultCategory}
	}
	c.Categories = cats
	return c
}
