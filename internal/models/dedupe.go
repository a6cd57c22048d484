package models

// Dedupe collapses channels to one record per identity. A record is kept only
// if its id and url are both non-empty and neither has been seen earlier in
// the same call; the first occurrence wins and survivor order is preserved.
//
// Example:
//
//	Dedupe([]Channel{{ID: "a", URL: "u1"}, {ID: "a", URL: "u2"}, {ID: "b", URL: "u1"}})
//	// Returns: []Channel{{ID: "a", URL: "u1"}}
func Dedupe(channels []Channel) []Channel {
	seenIDs := make(map[string]struct{}, len(channels))
	seenURLs := make(map[string]struct{}, len(channels))
	result := make([]Channel, 0, len(channels))

	for _, ch := range channels {
		if !ch.Valid() {
			continue
		}
		if _, ok := seenIDs[ch.ID]; ok {
			continue
		}
		if _, ok := seenURLs[ch.URL]; ok {
			continue
		}
		seenIDs[ch.ID] = struct{}{}
		seenURLs[ch.URL] = struct{}{}
		result = append(result, ch)
	}

	return result
}
