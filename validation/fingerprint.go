// Package validation provides structural validation of inbound message
// envelopes with a bounded, LRU-evicting result cache. Messages are keyed by
// a structural fingerprint (shape, not values) so that re-validating an
// identically shaped message is a cache hit.
package validation

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// volatileFields never participate in the structural fingerprint: their
// presence varies per message without changing the shape being validated.
var volatileFields = map[string]struct{}{
	"id":             {},
	"timestamp":      {},
	"ts":             {},
	"correlation_id": {},
	"correlationId":  {},
}

// Fingerprint computes a structural hash of a message envelope. The declared
// "type" value participates by value; every other field participates by name
// and shape only. Field order does not matter.
func Fingerprint(msg map[string]any) uint64 {
	d := xxhash.New()
	if t, ok := msg["type"].(string); ok {
		_, _ = d.WriteString("type=")
		_, _ = d.WriteString(t)
		_, _ = d.WriteString(";")
	}
	hashShape(d, msg, true)
	return d.Sum64()
}

func hashShape(d *xxhash.Digest, v any, topLevel bool) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if topLevel {
				if _, skip := volatileFields[k]; skip {
					continue
				}
				if k == "type" {
					continue // hashed by value above
				}
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = d.WriteString("{")
		for _, k := range keys {
			_, _ = d.WriteString(k)
			_, _ = d.WriteString(":")
			hashShape(d, val[k], false)
			_, _ = d.WriteString(",")
		}
		_, _ = d.WriteString("}")
	case []any:
		_, _ = d.WriteString("[")
		_, _ = d.WriteString(strconv.Itoa(len(val)))
		for _, e := range val {
			hashShape(d, e, false)
		}
		_, _ = d.WriteString("]")
	case string:
		_, _ = d.WriteString("s")
	case float64, float32, int, int64:
		_, _ = d.WriteString("n")
	case bool:
		_, _ = d.WriteString("b")
	case nil:
		_, _ = d.WriteString("z")
	default:
		_, _ = d.WriteString("?")
	}
}
