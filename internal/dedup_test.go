package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimHashNearDuplicates(t *testing.T) {
	d := NewDeduper(MemoryConfig{DedupeMethod: DedupeSimHash, DedupeThreshold: 3})

	a := "Use Postgres for the orders service"
	assert.True(t, d.IsDuplicate(DedupItem{Text: a}, DedupItem{Text: "use  postgres for the ORDERS service"}))
	assert.False(t, d.IsDuplicate(DedupItem{Text: a}, DedupItem{Text: "Deploys are frozen every Friday afternoon"}))
	assert.Equal(t, SimHash(normalizeMessage(a)), d.Fingerprint(a))
}

func TestEditDistanceDeduper(t *testing.T) {
	d := NewDeduper(MemoryConfig{DedupeMethod: DedupeEditDistance, DedupeThreshold: 90})

	assert.True(t, d.IsDuplicate(
		DedupItem{Text: "Cache invalidation happens on write"},
		DedupItem{Text: "Cache invalidation happens on writes"},
	))
	assert.False(t, d.IsDuplicate(
		DedupItem{Text: "Cache invalidation happens on write"},
		DedupItem{Text: "Logs rotate daily"},
	))
}

func TestEditDistanceThresholdDefault(t *testing.T) {
	d, ok := NewDeduper(MemoryConfig{DedupeMethod: DedupeEditDistance, DedupeThreshold: 0}).(*EditDistanceDeduper)
	assert.True(t, ok)
	assert.Equal(t, 0.9, d.MinSimilarity)
}

func TestFindDuplicate(t *testing.T) {
	d := NewDeduper(MemoryConfig{DedupeMethod: DedupeSimHash, DedupeThreshold: 3})
	existing := []DedupItem{
		{Text: "Retry webhooks three times with backoff"},
		{Text: "Feature flags live in LaunchDarkly"},
	}

	dup, ok := FindDuplicate(d, "feature flags live in launchdarkly", existing)
	assert.True(t, ok)
	assert.Equal(t, existing[1].Text, dup.Text)

	_, ok = FindDuplicate(d, "Something new entirely", existing)
	assert.False(t, ok)
}
