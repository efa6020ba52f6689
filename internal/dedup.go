package internal

import (
	"math/bits"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	DedupeSimHash      = "simhash"
	DedupeEditDistance = "edit-distance"
)

// DedupItem is one message as seen by a Deduper.
type DedupItem struct {
	Text        string
	Fingerprint uint64
}

type Deduper interface {
	Fingerprint(text string) uint64
	IsDuplicate(candidate, existing DedupItem) bool
}

// NewDeduper builds the strategy named by the memory config. The threshold
// is a hamming distance for simhash and a similarity percentage for edit
// distance.
func NewDeduper(cfg MemoryConfig) Deduper {
	switch cfg.DedupeMethod {
	case DedupeEditDistance:
		pct := cfg.DedupeThreshold
		if pct <= 0 || pct > 100 {
			pct = 90
		}
		return &EditDistanceDeduper{MinSimilarity: float64(pct) / 100}
	default:
		return &SimHashDeduper{MaxDistance: cfg.DedupeThreshold}
	}
}

// SimHashDeduper compares 64-bit simhashes over word unigrams and bigrams.
type SimHashDeduper struct {
	MaxDistance int
}

func (d *SimHashDeduper) Fingerprint(text string) uint64 {
	return SimHash(normalizeMessage(text))
}

func (d *SimHashDeduper) IsDuplicate(candidate, existing DedupItem) bool {
	a, b := candidate.Fingerprint, existing.Fingerprint
	if a == 0 {
		a = d.Fingerprint(candidate.Text)
	}
	if b == 0 {
		b = d.Fingerprint(existing.Text)
	}
	return bits.OnesCount64(a^b) <= d.MaxDistance
}

func SimHash(text string) uint64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	var weights [64]int
	addFeature := func(f string) {
		h := xxhash.Sum64String(f)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	for i, w := range words {
		addFeature(w)
		if i > 0 {
			addFeature(words[i-1] + " " + w)
		}
	}

	var out uint64
	for i, w := range weights {
		if w > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// EditDistanceDeduper treats messages within a Levenshtein similarity
// threshold as duplicates.
type EditDistanceDeduper struct {
	MinSimilarity float64
}

func (d *EditDistanceDeduper) Fingerprint(text string) uint64 {
	return xxhash.Sum64String(normalizeMessage(text))
}

func (d *EditDistanceDeduper) IsDuplicate(candidate, existing DedupItem) bool {
	a, b := normalizeMessage(candidate.Text), normalizeMessage(existing.Text)
	if a == b {
		return true
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return true
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1-float64(dist)/float64(longest) >= d.MinSimilarity
}

func normalizeMessage(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// FindDuplicate returns the first existing item the candidate duplicates.
func FindDuplicate(d Deduper, text string, existing []DedupItem) (DedupItem, bool) {
	candidate := DedupItem{Text: text, Fingerprint: d.Fingerprint(text)}
	for _, e := range existing {
		if e.Fingerprint == 0 {
			e.Fingerprint = d.Fingerprint(e.Text)
		}
		if d.IsDuplicate(candidate, e) {
			return e, true
		}
	}
	return DedupItem{}, false
}
