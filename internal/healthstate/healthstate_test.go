package healthstate

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTable_GetPut(t *testing.T) {
	table := NewTable()
	id := uuid.New()

	t.Run("missing record", func(t *testing.T) {
		if _, ok := table.Get(id); ok {
			t.Error("Get() on empty table should report no record")
		}
	})

	t.Run("put then get returns a copy", func(t *testing.T) {
		table.Put(Record{DestinationID: id, State: StateHealthy, ConsecutiveHealthy: 3})

		rec, ok := table.Get(id)
		if !ok {
			t.Fatal("Get() should find the record")
		}
		rec.State = StateBroken // must not leak back into the table

		again, _ := table.Get(id)
		if again.State != StateHealthy {
			t.Error("mutating a returned record changed the table")
		}
	})
}

func TestTable_Observe(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	now := time.Now()

	t.Run("first healthy observation starts streak at 1", func(t *testing.T) {
		rec := table.Observe(id, StateHealthy, "healthy", now)
		if rec.ConsecutiveHealthy != 1 {
			t.Errorf("ConsecutiveHealthy = %d, want 1", rec.ConsecutiveHealthy)
		}
	})

	t.Run("consecutive healthy observations extend streak", func(t *testing.T) {
		rec := table.Observe(id, StateHealthy, "healthy", now)
		if rec.ConsecutiveHealthy != 2 {
			t.Errorf("ConsecutiveHealthy = %d, want 2", rec.ConsecutiveHealthy)
		}
	})

	t.Run("broken observation resets streak", func(t *testing.T) {
		rec := table.Observe(id, StateBroken, "broken", now)
		if rec.ConsecutiveHealthy != 0 {
			t.Errorf("ConsecutiveHealthy = %d, want 0", rec.ConsecutiveHealthy)
		}
		if rec.State != StateBroken {
			t.Errorf("State = %v, want StateBroken", rec.State)
		}
	})

	t.Run("recovery restarts streak from 1", func(t *testing.T) {
		rec := table.Observe(id, StateHealthy, "healthy", now)
		if rec.ConsecutiveHealthy != 1 {
			t.Errorf("ConsecutiveHealthy = %d, want 1", rec.ConsecutiveHealthy)
		}
	})
}

func TestTable_ConcurrentAccess(t *testing.T) {
	table := NewTable()
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := range 100 {
				table.Observe(ids[(n+j)%len(ids)], StateHealthy, "healthy", time.Now())
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := range 100 {
				table.Get(ids[(n+j)%len(ids)])
			}
		}(i)
	}
	wg.Wait()

	if got := len(table.Snapshot()); got != len(ids) {
		t.Errorf("Snapshot() returned %d records, want %d", got, len(ids))
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"healthy", StateHealthy},
		{"degraded", StateDegraded},
		{"broken", StateBroken},
		{"unknown", StateUnknown},
		{"garbage", StateUnknown},
		{"", StateUnknown},
	}

	for _, tt := range tests {
		if got := ParseState(tt.in); got != tt.want {
			t.Errorf("ParseState(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	for _, s := range []State{StateUnknown, StateHealthy, StateDegraded, StateBroken} {
		if ParseState(s.String()) != s {
			t.Errorf("ParseState(%q) did not round-trip state %d", s.String(), s)
		}
	}
}
