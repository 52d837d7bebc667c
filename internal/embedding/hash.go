package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’_][\p{L}\p{N}]+)*`)

// HashProvider embeds text by feature hashing: each token is hashed into one
// of dimension buckets with a hashed sign, weighted by log term frequency and
// L2-normalised. It needs no model or network and suits offline deployments
// and tests. Vectors are only comparable with other HashProvider vectors of
// the same dimension, so a corpus embedded with it must be queried with it.
type HashProvider struct {
	dimension int
	stopwords map[string]struct{}
}

func NewHashProvider(dimension int) *HashProvider {
	return &HashProvider{dimension: dimension, stopwords: defaultStopwords()}
}

func (h *HashProvider) Name() string { return "hash" }

func (h *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashProvider) embed(text string) []float32 {
	vec := make([]float64, h.dimension)

	tf := make(map[string]int)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := h.stopwords[tok]; stop {
			continue
		}
		tf[tok]++
	}
	if len(tf) == 0 {
		// Text made only of stopwords or punctuation still needs a non-zero vector.
		tf[strings.TrimSpace(text)] = 1
	}

	for tok, n := range tf {
		idx, sign := h.bucket(tok)
		vec[idx] += sign * (1 + math.Log(float64(n)))
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dimension)
	if norm == 0 {
		// Opposite-sign collisions cancelled out.
		out[0] = 1
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (h *HashProvider) bucket(token string) (int, float64) {
	f := fnv.New64a()
	f.Write([]byte(token))
	sum := f.Sum64()
	sign := 1.0
	if sum>>63 == 1 {
		sign = -1.0
	}
	return int(sum % uint64(h.dimension)), sign
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at",
		"by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that",
		"these", "those", "from", "so", "such", "into", "about", "can", "will", "just", "do", "does",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
