// Package healthstate holds the destination health table shared between
// the audit pipeline (writer) and the redirect resolver (reader).
//
// Records are immutable once published: a write swaps in a whole new
// record, so the resolver never observes a partially updated record and
// never blocks on in-flight audit work.
package healthstate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the health classification of one destination.
type State uint8

const (
	StateUnknown State = iota
	StateHealthy
	StateDegraded
	StateBroken
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// ParseState maps a stored string back to a State. Unrecognized values
// come back as StateUnknown so stale rows degrade gracefully.
func ParseState(s string) State {
	switch s {
	case "healthy":
		return StateHealthy
	case "degraded":
		return StateDegraded
	case "broken":
		return StateBroken
	default:
		return StateUnknown
	}
}

// Record is the last-committed health of one destination. Values are
// copied out on read; callers never share memory with the table.
type Record struct {
	DestinationID      uuid.UUID
	State              State
	ConsecutiveHealthy int // completed audit cycles in a row the destination was healthy
	LastCheckedAt      time.Time
	LastOutcome        string // probe status string, for operators
}

// Table maps destination IDs to their current health record.
// Reads are lock-free once the record pointer is loaded; writes swap
// whole records under a short mutex that only guards the map itself.
type Table struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewTable returns an empty health table.
func NewTable() *Table {
	return &Table{records: make(map[uuid.UUID]*Record)}
}

// Get returns the record for a destination and whether one exists.
// A destination never audited has no record; callers treat that as
// StateUnknown.
func (t *Table) Get(id uuid.UUID) (Record, bool) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Put publishes a new record for a destination, replacing any prior one.
// Only the audit pipeline calls this.
func (t *Table) Put(rec Record) {
	copied := rec
	t.mu.Lock()
	t.records[rec.DestinationID] = &copied
	t.mu.Unlock()
}

// Observe folds one audit outcome into the table: healthy outcomes extend
// the consecutive-healthy streak, anything else resets it. Returns the
// published record.
func (t *Table) Observe(destinationID uuid.UUID, state State, outcome string, checkedAt time.Time) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	streak := 0
	if prev, ok := t.records[destinationID]; ok && state == StateHealthy {
		streak = prev.ConsecutiveHealthy
	}
	if state == StateHealthy {
		streak++
	}

	rec := &Record{
		DestinationID:      destinationID,
		State:              state,
		ConsecutiveHealthy: streak,
		LastCheckedAt:      checkedAt,
		LastOutcome:        outcome,
	}
	t.records[destinationID] = rec
	return *rec
}

// Snapshot returns a copy of every record, for bulk persistence after an
// audit run.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}
