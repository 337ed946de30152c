package react

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// TOOL-CALL FINGERPRINTING
// =============================================================================
// Duplicate detection compares (toolName, canonicalized params). Two calls
// that differ only in key case, key order, empty values, surrounding
// whitespace, or path separator style are the same call.

// CanonicalizeParams normalizes a parameter map for fingerprinting:
// lowercase keys, keys sorted, null/empty values stripped, string values
// trimmed, path separators normalized to forward slashes.
func CanonicalizeParams(params map[string]interface{}) string {
	type kv struct {
		key string
		val string
	}
	var entries []kv
	for k, v := range params {
		norm, keep := normalizeValue(v)
		if !keep {
			continue
		}
		entries = append(entries, kv{key: strings.ToLower(k), val: norm})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	var b strings.Builder
	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.key)
		b.WriteByte('=')
		b.WriteString(e.val)
	}
	b.WriteByte('}')
	return b.String()
}

func normalizeValue(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "", false
		}
		return strings.ReplaceAll(s, "\\", "/"), true
	case []interface{}:
		if len(x) == 0 {
			return "", false
		}
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s, keep := normalizeValue(item); keep {
				parts = append(parts, s)
			}
		}
		return "[" + strings.Join(parts, ",") + "]", true
	case map[string]interface{}:
		if len(x) == 0 {
			return "", false
		}
		return CanonicalizeParams(x), true
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x), true
		}
		return string(raw), true
	}
}

// CanonicalParams rewrites a parameter map into the form duplicate counting
// compares: lowercase keys, trimmed strings, nil and empty values dropped.
// Values keep their types, so the result is what actually gets executed.
// Path separator normalization stays fingerprint-only: rewriting backslashes
// in a live value would corrupt regex patterns.
func CanonicalParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		cv, keep := canonicalValue(v)
		if !keep {
			continue
		}
		out[strings.ToLower(k)] = cv
	}
	return out
}

func canonicalValue(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, false
		}
		return s, true
	case []interface{}:
		if len(x) == 0 {
			return nil, false
		}
		out := make([]interface{}, 0, len(x))
		for _, item := range x {
			if cv, keep := canonicalValue(item); keep {
				out = append(out, cv)
			}
		}
		return out, true
	case map[string]interface{}:
		if len(x) == 0 {
			return nil, false
		}
		return CanonicalParams(x), true
	default:
		return x, true
	}
}

// Fingerprint derives the duplicate-detection key for one tool call.
func Fingerprint(toolName string, params map[string]interface{}) string {
	sum := sha256.Sum256([]byte(strings.ToLower(toolName) + "|" + CanonicalizeParams(params)))
	return hex.EncodeToString(sum[:16])
}
