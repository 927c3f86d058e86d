package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowStatsBasics(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 1000, 10)
	w.Insert("d", "t", 2000, 30)
	w.Insert("d", "t", 3000, 20)

	st := w.Stats("d", "t", 3000, 60_000)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 10.0, st.Min)
	assert.Equal(t, 30.0, st.Max)
	assert.Equal(t, 10.0, st.First)
	assert.Equal(t, 20.0, st.Last)
	assert.InDelta(t, 20.0, st.Avg, 1e-9)
	assert.InDelta(t, 8.1649658, st.StdDev, 1e-6)
}

func TestWindowOutOfOrderInserts(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 3000, 3)
	w.Insert("d", "t", 1000, 1)
	w.Insert("d", "t", 2000, 2)

	st := w.Stats("d", "t", 3000, 60_000)
	assert.Equal(t, 1.0, st.First, "readers sort by ts")
	assert.Equal(t, 3.0, st.Last)
}

func TestWindowDuplicateInsertIsIdempotent(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 1000, 5)
	w.Insert("d", "t", 2000, 7)
	before := w.Stats("d", "t", 2000, 60_000)

	w.Insert("d", "t", 2000, 7)
	after := w.Stats("d", "t", 2000, 60_000)
	assert.Equal(t, before, after)
}

func TestWindowBoundedByCount(t *testing.T) {
	w := NewWindowStore()
	for i := 0; i < maxWindowPoints+200; i++ {
		w.Insert("d", "t", int64(i+1), float64(i))
	}
	assert.Equal(t, maxWindowPoints, w.Points("d", "t"))

	// The oldest entries were the ones trimmed.
	st := w.Stats("d", "t", maxWindowPoints+200, maxWindowAgeMs)
	assert.Equal(t, float64(200), st.First)
}

func TestWindowCountTrimEvictsOldestTs(t *testing.T) {
	w := NewWindowStore()
	// The newest point arrives first; a late backfill then overflows the
	// window. The backfilled stragglers must be evicted, not the newest point.
	newestTs := int64(maxWindowPoints + 500)
	w.Insert("d", "t", newestTs, 99)
	for i := 1; i <= maxWindowPoints; i++ {
		w.Insert("d", "t", int64(i), float64(i))
	}

	assert.Equal(t, maxWindowPoints, w.Points("d", "t"))
	st := w.Stats("d", "t", newestTs, maxWindowAgeMs)
	assert.Equal(t, 99.0, st.Last, "the newest point survives the trim")
	assert.Equal(t, 2.0, st.First, "ts 1 was the oldest and went first")
}

func TestWindowBoundedByAge(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 1000, 1)
	w.Insert("d", "t", 1000+maxWindowAgeMs+1, 2)
	assert.Equal(t, 1, w.Points("d", "t"), "points older than an hour from the newest are trimmed")
}

func TestRateOfChange(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 1000, 100)
	w.Insert("d", "t", 11_000, 130)

	rc := w.GetRateOfChange("d", "t", 11_000, 60_000)
	assert.Equal(t, 2, rc.Count)
	assert.InDelta(t, 30.0, rc.AbsoluteChange, 1e-9)
	assert.InDelta(t, 30.0, rc.PercentChange, 1e-9)
}

func TestRateOfChangeZeroFirstValue(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 1000, 0)
	w.Insert("d", "t", 2000, 10)

	rc := w.GetRateOfChange("d", "t", 2000, 60_000)
	assert.Equal(t, 10.0, rc.AbsoluteChange)
	assert.Equal(t, 0.0, rc.PercentChange, "division by a near-zero first value is not attempted")
}

func TestRateOfChangeSinglePoint(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d", "t", 1000, 42)
	rc := w.GetRateOfChange("d", "t", 1000, 60_000)
	assert.Equal(t, 1, rc.Count)
	assert.Equal(t, 0.0, rc.AbsoluteChange)
}

func TestWindowKeysDoNotInterfere(t *testing.T) {
	w := NewWindowStore()
	w.Insert("d1", "t", 1000, 1)
	w.Insert("d2", "t", 1000, 2)
	assert.Equal(t, 1, w.Points("d1", "t"))
	assert.Equal(t, 2, w.Size())
}
