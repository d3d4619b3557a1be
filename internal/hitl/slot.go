// Package hitl implements the human-in-the-loop approval gate: a turn
// suspends on a single-slot rendezvous until the client decides, the wait
// times out, or the task is cancelled.
package hitl

import (
	"sync"

	"github.com/parley/parley/pkg/wsproto"
)

// Slot is the single-consumer rendezvous for one approval decision. It
// resolves exactly once: with the client's decision or with a cancellation
// cause. A displaced or disconnected slot is cancelled, never resolved, so a
// stale decision can't reach an unrelated waiter.
type Slot struct {
	decision  chan wsproto.Decision
	cancelled chan struct{}

	mu    sync.Mutex
	done  bool
	cause string
}

// NewSlot creates an unresolved slot.
func NewSlot() *Slot {
	return &Slot{
		decision:  make(chan wsproto.Decision, 1),
		cancelled: make(chan struct{}),
	}
}

// Resolve delivers the client's decision to the waiter. It reports false when
// the slot was already resolved or cancelled.
func (s *Slot) Resolve(decision wsproto.Decision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.decision <- decision
	return true
}

// Cancel closes the slot with a cause. Only the first cancellation counts.
func (s *Slot) Cancel(cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.cause = cause
	close(s.cancelled)
}

// Decision receives the resolved decision.
func (s *Slot) Decision() <-chan wsproto.Decision { return s.decision }

// Cancelled is closed when the slot is cancelled.
func (s *Slot) Cancelled() <-chan struct{} { return s.cancelled }

// Cause returns the cancellation cause, empty while the slot is live.
func (s *Slot) Cause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}
