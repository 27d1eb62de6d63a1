// Package keys implements the cache key scheme:
// "<prefix>:<identifier>[:<date>][:<market>]:<version>", plus a parametric
// hashed form for range/lookup keys with too many dimensions to enumerate
// positionally.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Version is the cache key scheme version; bumping it invalidates every
// previously-cached key without needing an explicit flush.
const Version = "v1"

// Builder constructs cache keys for a fixed prefix (e.g. "ohlcv", "fund").
type Builder struct {
	Prefix string
}

// New returns a Builder for prefix.
func New(prefix string) Builder {
	return Builder{Prefix: prefix}
}

// Simple builds "<prefix>:<identifier>:<version>".
func (b Builder) Simple(identifier string) string {
	return fmt.Sprintf("%s:%s:%s", b.Prefix, identifier, Version)
}

// Dated builds "<prefix>:<identifier>:<date>:<version>".
func (b Builder) Dated(identifier, date string) string {
	return fmt.Sprintf("%s:%s:%s:%s", b.Prefix, identifier, date, Version)
}

// WithMarket builds "<prefix>:<identifier>:<date>:<market>:<version>". date
// may be empty, in which case the date segment is omitted.
func (b Builder) WithMarket(identifier, date, market string) string {
	if date == "" {
		return fmt.Sprintf("%s:%s:%s:%s", b.Prefix, identifier, market, Version)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", b.Prefix, identifier, date, market, Version)
}

// Hashed builds a key for a parametric lookup (e.g. an OHLCV range query)
// whose identity is a canonicalized map of parameters. The key embeds the
// first 8 hex digits of a SHA-256 over the sorted "k=v" pairs, so identical
// parameter sets always hash to the same key regardless of map order.
func (b Builder) Hashed(identifier string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	hash := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s:%s:%s:%s", b.Prefix, identifier, hash, Version)
}
