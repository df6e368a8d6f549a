package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Turn is one scripted response Scripted will hand back for the Nth call to
// Complete.
type Turn struct {
	Text   string
	Deltas []string
	Err    error
	// TimeoutAfter, if non-zero, makes Complete wait this long before
	// handling the turn; if ctx is done first, Complete returns an error
	// containing "cancel" instead, to exercise cancellation classification
	// in callers.
	TimeoutAfter time.Duration
}

// Scripted is a deterministic Transport that replays a caller-supplied queue
// of turns. It plays the same role a real provider adapter plays in the
// reference daemon's runtime package, without committing this module to any
// one provider's wire format.
type Scripted struct {
	mu    sync.Mutex
	turns []Turn
	calls int
}

// NewScripted returns a Scripted that yields turns in order, one per call to
// Complete. Calling Complete more times than len(turns) returns an error.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Calls returns how many times Complete has been invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Complete(ctx context.Context, input CompleteInput) (CompleteOutput, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if idx >= len(s.turns) {
		return CompleteOutput{}, fmt.Errorf("scripted transport: no turn scripted for call %d", idx)
	}
	turn := s.turns[idx]

	if turn.TimeoutAfter > 0 {
		select {
		case <-ctx.Done():
			return CompleteOutput{}, errors.New("cancel: context cancelled while waiting")
		case <-time.After(turn.TimeoutAfter):
		}
	}

	if turn.Err != nil {
		return CompleteOutput{}, turn.Err
	}

	if input.OnDelta != nil {
		for i, d := range turn.Deltas {
			input.OnDelta(Delta{Text: d, Done: i == len(turn.Deltas)-1 && turn.Text == ""})
		}
	}

	return CompleteOutput{Text: turn.Text}, nil
}
