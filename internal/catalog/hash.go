package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// --- Hash engine ---
//
// Per-entry hash: sha256 of the canonicalized body. Aggregate catalog
// hash: sha256 over sorted (id, sourceHash) pairs, so import order never
// affects the result. Body is the only hash-bearing field — title,
// categories, and governance metadata never perturb the aggregate hash.

// Canonicalize normalizes a body to its hash-bearing form. The
// variants knob widens the equivalence class: 0 leaves the bytes
// untouched, 1 folds CRLF line endings to LF, 2 additionally folds
// lone CR. Bodies canonicalization-equivalent under the configured
// tolerance hash identically.
func Canonicalize(body string, variants int) string {
	if variants <= 0 {
		return body
	}
	body = strings.ReplaceAll(body, "\r\n", "\n")
	if variants >= 2 {
		body = strings.ReplaceAll(body, "\r", "\n")
	}
	return body
}

// EntryHash computes the content hash of an already-canonical body.
func EntryHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// AggregateHash computes the order-independent digest over a set of
// (id, sourceHash) pairs.
func AggregateHash(hashes map[string]string) string {
	ids := make([]string, 0, len(hashes))
	for id := range hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(hashes[id]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
