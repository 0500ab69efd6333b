// Package layout fingerprints page structure so that a missing element can
// be told apart from a page whose layout no longer matches what the steps
// were written for.
package layout

import (
	"hash/fnv"
	"math/bits"
	"strings"

	"golang.org/x/net/html"
)

// DriftThreshold is the Hamming distance above which two fingerprints are
// considered different layouts.
const DriftThreshold = 12

// shingleSize is the tag n-gram length.
const shingleSize = 3

// Fingerprint returns a 64-bit SimHash of the document's tag structure.
// Text, attributes and scripts are ignored. An empty document yields 0.
func Fingerprint(doc string) uint64 {
	tags := tagSequence(doc)
	if len(tags) == 0 {
		return 0
	}
	if len(tags) < shingleSize {
		return simhash([]string{strings.Join(tags, "_")})
	}
	shingles := make([]string, 0, len(tags)-shingleSize+1)
	for i := 0; i+shingleSize <= len(tags); i++ {
		shingles = append(shingles, strings.Join(tags[i:i+shingleSize], "_"))
	}
	return simhash(shingles)
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Drifted reports whether two non-zero fingerprints differ by more than
// DriftThreshold bits.
func Drifted(before, now uint64) bool {
	if before == 0 || now == 0 {
		return false
	}
	return Distance(before, now) > DriftThreshold
}

// tagSequence collects start tag names in document order.
func tagSequence(doc string) []string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var tags []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tags
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tags = append(tags, string(name))
		}
	}
}

func simhash(tokens []string) uint64 {
	var vector [64]int
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		for i := range 64 {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}
	var fp uint64
	for i := range 64 {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}
