package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const retrievalPrefix = "corpusflow:retrieval:"

// RetrievalPrefix covers every cached retrieval result.
func RetrievalPrefix() string {
	return retrievalPrefix
}

// RetrievalKey identifies one cached nearest-neighbour result. An empty source
// means "all sources".
func RetrievalKey(source string, k int, query string) string {
	if source == "" {
		source = "*"
	}
	return fmt.Sprintf("%s%s:%d:%s", retrievalPrefix, source, k, QueryHash(query))
}

// QueryHash returns a short stable digest of a normalised query string.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(query), " ")))
	return hex.EncodeToString(sum[:12])
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("corpusflow:ratelimit:%s", keyPrefix)
}
