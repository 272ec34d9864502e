// Package fingerprint derives deterministic identity keys for queries.
//
// A key is the canonical JSON of the query (sorted keys, empty and null
// fields dropped) encoded base64url, so semantically equal queries always
// produce the same key and a key can be decoded back for diagnostics.
// Keys that would exceed the length bound collapse to a BLAKE3 digest
// form, which is still deterministic but no longer decodable.
package fingerprint

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

const (
	queryPrefix  = "q:"
	digestPrefix = "h:"

	// maxEncodedLen bounds the key so it stays usable as a channel or
	// subject name.
	maxEncodedLen = 512
)

// Key returns the canonical fingerprint of q. It is pure and
// deterministic: equal queries (after dropping empty optional fields)
// always map to the same key.
func Key(q model.Query) string {
	data, err := json.Marshal(canonicalize(q))
	if err != nil {
		// Query fields are plain JSON types; marshal cannot fail in
		// practice. Fall back to a digest of the raw struct fields.
		data = []byte(string(q.Type) + "\x00" + q.Collection + "\x00" + q.ID)
	}

	enc := base64.RawURLEncoding.EncodeToString(data)
	if len(enc) > maxEncodedLen {
		sum := blake3.Sum256(data)
		return digestPrefix + hex.EncodeToString(sum[:])
	}
	return queryPrefix + enc
}

// Decode recovers the query a key was derived from. It reports false for
// digest-form keys and for malformed input; it never panics.
func Decode(key string) (model.Query, bool) {
	if !strings.HasPrefix(key, queryPrefix) {
		return model.Query{}, false
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, queryPrefix))
	if err != nil {
		return model.Query{}, false
	}

	var q model.Query
	if err := json.Unmarshal(data, &q); err != nil {
		return model.Query{}, false
	}
	if q.Type == "" || q.Collection == "" {
		return model.Query{}, false
	}
	return q, true
}

// canonicalize builds the normalized map representation that feeds the
// JSON encoder. encoding/json emits map keys in sorted order, which
// gives us the canonical form for free.
func canonicalize(q model.Query) map[string]interface{} {
	m := map[string]interface{}{
		"type":       string(q.Type),
		"collection": q.Collection,
	}
	if w := normalizeValue(map[string]interface{}(q.Where)); w != nil {
		m["where"] = w
	}
	if q.Sort != "" {
		m["sort"] = q.Sort
	}
	if q.Limit > 0 {
		m["limit"] = q.Limit
	}
	if q.Page > 0 {
		m["page"] = q.Page
	}
	if p := normalizePopulate(q.Populate); p != nil {
		m["populate"] = p
	}
	if q.ID != "" {
		m["id"] = q.ID
	}
	return m
}

// normalizeValue drops nil values and empty maps recursively so
// {"a": null} and {} normalize away entirely. Empty strings and empty
// arrays are meaningful operands ({"equals": ""}, {"in": []}) and are
// kept as-is.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if norm := normalizeValue(inner); norm != nil {
				out[k] = norm
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case model.Where:
		return normalizeValue(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, inner := range val {
			if norm := normalizeValue(inner); norm != nil {
				out = append(out, norm)
			}
		}
		return out
	default:
		return val
	}
}

func normalizePopulate(p model.Populate) interface{} {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for field, nested := range p {
		if inner := normalizePopulate(nested); inner != nil {
			out[field] = inner
		} else {
			out[field] = map[string]interface{}{}
		}
	}
	return out
}
