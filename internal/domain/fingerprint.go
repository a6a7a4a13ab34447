package domain

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// CacheKey derives the content-addressed cache key for a request.
// Only category, complexity, color seed and index take part.
func CacheKey(req GenerateRequest) string {
	h := newHash()
	writeField(h, "cache")
	writeField(h, strings.ToLower(strings.TrimSpace(req.Category)))
	writeInt(h, int64(req.Complexity))
	writeInt(h, req.ColorSeed)
	writeInt(h, int64(req.Index))
	return hex.EncodeToString(h.Sum(nil))
}

// RequestHash derives the hash of every field that determines a result.
// Prompts differing only in Unicode form or whitespace hash identically.
func RequestHash(req GenerateRequest) string {
	h := newHash()
	writeField(h, "request")
	writeField(h, strings.ToLower(strings.TrimSpace(req.Category)))
	writeInt(h, int64(req.Complexity))
	writeInt(h, req.ColorSeed)
	writeInt(h, int64(req.Index))
	writeField(h, NormalizePrompt(req.Prompt))
	writeField(h, req.Options.Size)
	writeField(h, req.Options.Quality)
	writeField(h, req.Options.AspectRatio)
	writeField(h, NormalizePrompt(req.Options.NegativePrompt))

	keys := make([]string, 0, len(req.Options.Extra))
	for k := range req.Options.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, req.Options.Extra[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePrompt applies NFC normalization and collapses whitespace
func NormalizePrompt(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func newHash() hash.Hash {
	// blake2b.New256 only fails for keys longer than 64 bytes
	h, _ := blake2b.New256(nil)
	return h
}

// writeField length-prefixes s so adjacent fields cannot collide
func writeField(h hash.Hash, s string) {
	writeInt(h, int64(len(s)))
	h.Write([]byte(s))
}

func writeInt(h hash.Hash, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}
