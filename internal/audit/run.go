package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/errx"
)

// Status is the lifecycle state of one audit run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCrawling  Status = "crawling"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCrawling
	case StatusCrawling:
		return next == StatusAnalyzing || next == StatusFailed
	case StatusAnalyzing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Run represents one execution of the audit pipeline for an account.
// A Run is mutated only by the scheduler while in flight and becomes
// immutable once terminal; a new trigger always creates a new Run.
type Run struct {
	ID           uuid.UUID
	AccountID    uuid.UUID
	Status       Status
	LinksFound   int
	LinksChecked int
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string // set only on terminal failure
}

// Transition advances the run to next, enforcing the state machine.
func (r *Run) Transition(next Status) error {
	const op = "audit.Run.Transition"

	if !r.Status.CanTransitionTo(next) {
		return errx.E(op, errx.Invalid,
			fmt.Errorf("illegal transition %s -> %s", r.Status, next))
	}
	r.Status = next
	if next.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}
