package progress

// PageWeight is the share of the progress bar covered by page events. The
// remainder is reached only when the stream reports completion.
const PageWeight = 0.95

// Update is the progress state after observing one event.
type Update struct {
	Event Event
	// Determinate is false until the total page count is known.
	Determinate bool
	Fraction    float64
	PagesDone   int
	TotalPages  int
}

// Tracker folds progress events into a monotonic completion fraction.
// It is not safe for concurrent use.
type Tracker struct {
	total    int
	seen     map[int]struct{}
	fraction float64
	finished bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[int]struct{})}
}

// Observe records ev and returns the resulting progress.
func (t *Tracker) Observe(ev Event) Update {
	if t.seen == nil {
		t.seen = make(map[int]struct{})
	}

	switch ev.Kind {
	case KindTotalPages:
		if t.total == 0 {
			t.total = ev.Number
		}
	case KindPageCompleted:
		// Pages reported before the total is known are not trusted.
		if t.total > 0 && ev.Number <= t.total {
			t.seen[ev.Number] = struct{}{}
			if f := float64(len(t.seen)) / float64(t.total) * PageWeight; f > t.fraction {
				t.fraction = f
			}
		}
	case KindDone:
		t.finished = true
		t.fraction = 1.0
	}

	return Update{
		Event:       ev,
		Determinate: t.total > 0 || t.finished,
		Fraction:    t.fraction,
		PagesDone:   len(t.seen),
		TotalPages:  t.total,
	}
}

// Fraction returns the current completion fraction.
func (t *Tracker) Fraction() float64 { return t.fraction }
