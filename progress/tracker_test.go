package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerMonotonicUntilDone(t *testing.T) {
	tracker := NewTracker()

	update := tracker.Observe(Event{Kind: KindTotalPages, Number: 4})
	assert.True(t, update.Determinate)
	assert.Zero(t, update.Fraction)

	last := 0.0
	for _, page := range []int{2, 1, 2, 4, 3} {
		update = tracker.Observe(Event{Kind: KindPageCompleted, Number: page})
		assert.GreaterOrEqual(t, update.Fraction, last)
		assert.Less(t, update.Fraction, 1.0)
		last = update.Fraction
	}
	assert.Equal(t, 4, update.PagesDone)
	assert.InDelta(t, PageWeight, update.Fraction, 1e-9)

	update = tracker.Observe(Event{Kind: KindWarning, Text: "slow page"})
	assert.Equal(t, last, update.Fraction)

	update = tracker.Observe(Event{Kind: KindDone})
	assert.Equal(t, 1.0, update.Fraction)
}

func TestTrackerIndeterminateWithoutTotal(t *testing.T) {
	tracker := NewTracker()

	update := tracker.Observe(Event{Kind: KindPageCompleted, Number: 1})
	assert.False(t, update.Determinate)
	assert.Zero(t, update.Fraction)

	// A late total does not retroactively trust earlier pages.
	update = tracker.Observe(Event{Kind: KindTotalPages, Number: 2})
	assert.True(t, update.Determinate)
	assert.Zero(t, update.Fraction)

	update = tracker.Observe(Event{Kind: KindPageCompleted, Number: 2})
	assert.InDelta(t, 0.5*PageWeight, update.Fraction, 1e-9)
}

func TestTrackerIgnoresOutOfRangePages(t *testing.T) {
	var tracker Tracker
	tracker.Observe(Event{Kind: KindTotalPages, Number: 2})

	update := tracker.Observe(Event{Kind: KindPageCompleted, Number: 7})
	assert.Zero(t, update.Fraction)
	assert.Zero(t, update.PagesDone)

	// A second total never shrinks the denominator.
	tracker.Observe(Event{Kind: KindTotalPages, Number: 1})
	update = tracker.Observe(Event{Kind: KindPageCompleted, Number: 1})
	assert.Equal(t, 2, update.TotalPages)
	assert.InDelta(t, 0.5*PageWeight, update.Fraction, 1e-9)
}
