package conversion

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is a step of a job's lifecycle.
type State int

const (
	StateCreated State = iota
	StateCheckingAvailability
	StateInstallingImage
	StateSpawning
	StateStreamingProgress
	StateAssembling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateCheckingAvailability:
		return "checking_availability"
	case StateInstallingImage:
		return "installing_image"
	case StateSpawning:
		return "spawning"
	case StateStreamingProgress:
		return "streaming_progress"
	case StateAssembling:
		return "assembling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the allowed successors of each state. Every
// non-terminal state may also fail.
var transitions = map[State][]State{
	StateCreated:              {StateCheckingAvailability},
	StateCheckingAvailability: {StateInstallingImage, StateSpawning},
	StateInstallingImage:      {StateSpawning},
	StateSpawning:             {StateStreamingProgress},
	StateStreamingProgress:    {StateAssembling},
	StateAssembling:           {StateCompleted},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one document moving through the conversion pipeline.
type Job struct {
	ID         string
	InputPath  string
	OutputPath string
	// DeclaredPages is the page count known up front, 0 if the sandbox is
	// to report it.
	DeclaredPages int

	mu      sync.Mutex
	state   State
	err     error
	pages   int
	history []State
}

// NewJob creates a job in StateCreated with a fresh ID.
func NewJob(inputPath, outputPath string, declaredPages int) *Job {
	return &Job{
		ID:            uuid.NewString(),
		InputPath:     inputPath,
		OutputPath:    outputPath,
		DeclaredPages: declaredPages,
		state:         StateCreated,
		history:       []State{StateCreated},
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure of a failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Pages returns the number of pages of a completed job.
func (j *Job) Pages() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pages
}

// History returns every state the job has been in, in order.
func (j *Job) History() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]State, len(j.history))
	copy(out, j.history)
	return out
}

func (j *Job) transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, to) {
		return fmt.Errorf("invalid job transition %s -> %s", j.state, to)
	}
	j.state = to
	j.history = append(j.history, to)
	return nil
}

// advanceIf moves from one state to the next only if the job is still in from.
func (j *Job) advanceIf(from, to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != from || !canTransition(from, to) {
		return false
	}
	j.state = to
	j.history = append(j.history, to)
	return true
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateFailed
	j.err = err
	j.history = append(j.history, StateFailed)
}

func (j *Job) complete(pages int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, StateCompleted) {
		return fmt.Errorf("invalid job transition %s -> %s", j.state, StateCompleted)
	}
	j.state = StateCompleted
	j.pages = pages
	j.history = append(j.history, StateCompleted)
	return nil
}
