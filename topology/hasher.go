package topology

import "github.com/zeebo/xxh3"

// XXH3Hasher computes the routing hash for a key via xxh3, matching the
// hash algorithm the pack's client-library teacher used for its default
// server selector (server_selector.go's DefaultServerSelector).
type XXH3Hasher struct{}

func (XXH3Hasher) Hash(key []byte) int64 {
	return int64(xxh3.Hash(key))
}
