package events

import (
	"encoding/json"
	"fmt"
)

// Decode parses an event as written by the Kafka and Elasticsearch publishers.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode throttle event: %w", err)
	}
	return e, nil
}

// HistoryQuery builds an Elasticsearch query for the latest events of a scope,
// optionally narrowed to the given identity values (raw or pseudonymized).
func HistoryQuery(scope string, identities []string, limit int) map[string]interface{} {
	if limit <= 0 {
		limit = 20
	}
	filters := []interface{}{
		map[string]interface{}{"term": map[string]interface{}{"scope": scope}},
	}
	if len(identities) > 0 {
		filters = append(filters, map[string]interface{}{"terms": map[string]interface{}{"identity": identities}})
	}
	return map[string]interface{}{
		"size":  limit,
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
		"sort":  []interface{}{map[string]interface{}{"occurred_at": map[string]interface{}{"order": "desc"}}},
	}
}

// SearchResult is the part of an Elasticsearch search response holding events.
type SearchResult struct {
	Hits struct {
		Hits []struct {
			Source Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r SearchResult) Events() []Event {
	out := make([]Event, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		out = append(out, h.Source)
	}
	return out
}
