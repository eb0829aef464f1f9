package store

import "encoding/json"

// encodeMetadata serializes a chunk's per-document metadata to the JSON
// text stored in documents.metadata (spec.md §3). Metadata values are
// arbitrary JSON (strings, numbers, or lists like "authors") rather than
// flat strings, since the search engine's filter predicates need to treat
// "authors" as a list and "date" as a comparable string.
func encodeMetadata(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeMetadata is the inverse of encodeMetadata, used by the search
// engine's metadata batch load and by the calibre indexer's metadata-only
// refresh. Malformed JSON decodes to an empty map rather than erroring, so
// a single bad row cannot break a whole search response.
func DecodeMetadata(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
