package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CanonicalizeValue produces a deterministic string representation of an
// attribute bag: keys sorted, nested maps and slices recursed into. Used
// by CheckRequest.Fingerprint so that two requests differing only in map
// iteration order hash identically.
func CanonicalizeValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, CanonicalizeValue(val[k])))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = CanonicalizeValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		sort.Strings(cp)
		return "[" + strings.Join(cp, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// hashHex returns the first 16 bytes of the SHA-256 digest of s, hex
// encoded; a fixed-width fingerprint suitable as a cache key.
func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
