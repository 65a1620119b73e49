package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/healthstate"
)

// mockRepository implements Repository with function fields for testing.
type mockRepository struct {
	mu sync.Mutex

	CreateFunc              func(ctx context.Context, link SmartLink) (SmartLink, error)
	GetByCodeFunc           func(ctx context.Context, code string) (SmartLink, error)
	ListByAccountFunc       func(ctx context.Context, accountID uuid.UUID) ([]SmartLink, error)
	ReplaceDestinationsFunc func(ctx context.Context, linkID uuid.UUID, dests []Destination) (SmartLink, error)
	DeactivateFunc          func(ctx context.Context, code string) error
	SetFallbackActiveFunc   func(ctx context.Context, linkID uuid.UUID, active bool) error
	AddClicksFunc           func(ctx context.Context, linkID uuid.UUID, n int64) error

	fallbackCalls []bool
	clicks        map[uuid.UUID]int64
}

func (m *mockRepository) Create(ctx context.Context, link SmartLink) (SmartLink, error) {
	return m.CreateFunc(ctx, link)
}

func (m *mockRepository) GetByCode(ctx context.Context, code string) (SmartLink, error) {
	return m.GetByCodeFunc(ctx, code)
}

func (m *mockRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]SmartLink, error) {
	return m.ListByAccountFunc(ctx, accountID)
}

func (m *mockRepository) ReplaceDestinations(ctx context.Context, linkID uuid.UUID, dests []Destination) (SmartLink, error) {
	return m.ReplaceDestinationsFunc(ctx, linkID, dests)
}

func (m *mockRepository) Deactivate(ctx context.Context, code string) error {
	return m.DeactivateFunc(ctx, code)
}

func (m *mockRepository) SetFallbackActive(ctx context.Context, linkID uuid.UUID, active bool) error {
	m.mu.Lock()
	m.fallbackCalls = append(m.fallbackCalls, active)
	m.mu.Unlock()
	if m.SetFallbackActiveFunc != nil {
		return m.SetFallbackActiveFunc(ctx, linkID, active)
	}
	return nil
}

func (m *mockRepository) AddClicks(ctx context.Context, linkID uuid.UUID, n int64) error {
	if m.AddClicksFunc != nil {
		if err := m.AddClicksFunc(ctx, linkID, n); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if m.clicks == nil {
		m.clicks = make(map[uuid.UUID]int64)
	}
	m.clicks[linkID] += n
	m.mu.Unlock()
	return nil
}

func (m *mockRepository) fallbackHistory() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.fallbackCalls...)
}

func (m *mockRepository) clickTotal(linkID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clicks[linkID]
}

// mockIssueResolver records auto-fallback resolutions.
type mockIssueResolver struct {
	mu       sync.Mutex
	resolved []uuid.UUID
	err      error
}

func (m *mockIssueResolver) ResolveAutoFallback(_ context.Context, destinationID uuid.UUID) error {
	m.mu.Lock()
	m.resolved = append(m.resolved, destinationID)
	m.mu.Unlock()
	return m.err
}

func (m *mockIssueResolver) resolvedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.resolved...)
}

func testLink(destStates ...healthstate.State) (SmartLink, []Destination) {
	linkID := uuid.New()
	dests := make([]Destination, 0, len(destStates))
	for i, st := range destStates {
		dests = append(dests, Destination{
			ID:       uuid.New(),
			LinkID:   linkID,
			URL:      "https://retailer" + string(rune('a'+i)) + ".example/product",
			Priority: i + 1,
			Health:   st,
		})
	}
	return SmartLink{
		ID:           linkID,
		AccountID:    uuid.New(),
		Code:         "deal42",
		AutoFallback: true,
		Active:       true,
		Destinations: dests,
	}, dests
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestResolver(repo Repository, table *healthstate.Table, issues IssueResolver, rec *ClickRecorder) *Resolver {
	return NewResolver(ResolverConfig{
		Repository:       repo,
		Table:            table,
		Issues:           issues,
		Recorder:         rec,
		MinHealthyCycles: 2,
		Logger:           quietLogger(),
	})
}

func TestResolverWaterfallOrder(t *testing.T) {
	tests := []struct {
		name       string
		states     []healthstate.State
		wantIndex  int
		wantActive bool // fallback flag set during resolve
	}{
		{
			name:      "primary healthy serves primary",
			states:    []healthstate.State{healthstate.StateHealthy, healthstate.StateHealthy},
			wantIndex: 0,
		},
		{
			name:       "broken primary falls to second",
			states:     []healthstate.State{healthstate.StateBroken, healthstate.StateHealthy},
			wantIndex:  1,
			wantActive: true,
		},
		{
			name:       "broken and degraded skip to third",
			states:     []healthstate.State{healthstate.StateBroken, healthstate.StateDegraded, healthstate.StateHealthy},
			wantIndex:  2,
			wantActive: true,
		},
		{
			name:      "unknown primary is served optimistically",
			states:    []healthstate.State{healthstate.StateUnknown, healthstate.StateHealthy},
			wantIndex: 0,
		},
		{
			name:      "all broken still serves primary",
			states:    []healthstate.State{healthstate.StateBroken, healthstate.StateBroken},
			wantIndex: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, dests := testLink(tt.states...)

			table := healthstate.NewTable()
			now := time.Now().UTC()
			for i, d := range dests {
				table.Put(healthstate.Record{
					DestinationID: d.ID,
					State:         tt.states[i],
					LastCheckedAt: now,
				})
			}

			repo := &mockRepository{
				GetByCodeFunc: func(_ context.Context, code string) (SmartLink, error) {
					if code != l.Code {
						return SmartLink{}, errx.E("test", errx.NotFound, errors.New("no such link"))
					}
					return l, nil
				},
			}
			issues := &mockIssueResolver{}
			r := newTestResolver(repo, table, issues, nil)

			got, err := r.Resolve(context.Background(), l.Code)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != dests[tt.wantIndex].URL {
				t.Errorf("Resolve() = %q, want destination %d (%q)", got, tt.wantIndex, dests[tt.wantIndex].URL)
			}

			calls := repo.fallbackHistory()
			if tt.wantActive {
				if len(calls) != 1 || !calls[0] {
					t.Errorf("expected fallback flag set, got calls %v", calls)
				}
				resolved := issues.resolvedIDs()
				if len(resolved) != 1 || resolved[0] != dests[0].ID {
					t.Errorf("expected auto-fallback resolution for primary %s, got %v", dests[0].ID, resolved)
				}
			} else if len(calls) != 0 {
				t.Errorf("expected no fallback flag change, got calls %v", calls)
			}
		})
	}
}

func TestResolverNotFoundOnlyForMissingOrInactive(t *testing.T) {
	t.Run("missing code", func(t *testing.T) {
		repo := &mockRepository{
			GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) {
				return SmartLink{}, errx.E("test", errx.NotFound, errors.New("no such link"))
			},
		}
		r := newTestResolver(repo, healthstate.NewTable(), nil, nil)

		_, err := r.Resolve(context.Background(), "nope123")
		if errx.KindOf(err) != errx.NotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("inactive link", func(t *testing.T) {
		l, _ := testLink(healthstate.StateHealthy)
		l.Active = false
		repo := &mockRepository{
			GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) {
				return l, nil
			},
		}
		r := newTestResolver(repo, healthstate.NewTable(), nil, nil)

		_, err := r.Resolve(context.Background(), l.Code)
		if errx.KindOf(err) != errx.NotFound {
			t.Errorf("expected NotFound for inactive link, got %v", err)
		}
	})

	t.Run("all destinations broken is not an error", func(t *testing.T) {
		l, dests := testLink(healthstate.StateBroken, healthstate.StateBroken)
		repo := &mockRepository{
			GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) { return l, nil },
		}
		r := newTestResolver(repo, healthstate.NewTable(), nil, nil)

		got, err := r.Resolve(context.Background(), l.Code)
		if err != nil {
			t.Fatalf("Resolve() should never fail over health, got %v", err)
		}
		if got != dests[0].URL {
			t.Errorf("expected primary %q as last resort, got %q", dests[0].URL, got)
		}
	})
}

func TestResolverUsesTableOverPersistedHealth(t *testing.T) {
	// The persisted column says healthy, but the in-memory table has a
	// fresher broken record from the latest audit.
	l, dests := testLink(healthstate.StateHealthy, healthstate.StateHealthy)

	table := healthstate.NewTable()
	table.Put(healthstate.Record{
		DestinationID: dests[0].ID,
		State:         healthstate.StateBroken,
		LastCheckedAt: time.Now().UTC(),
	})

	repo := &mockRepository{
		GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) { return l, nil },
	}
	r := newTestResolver(repo, table, &mockIssueResolver{}, nil)

	got, err := r.Resolve(context.Background(), l.Code)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != dests[1].URL {
		t.Errorf("expected fallback %q, got %q", dests[1].URL, got)
	}
}

func TestResolverHysteresis(t *testing.T) {
	l, dests := testLink(healthstate.StateHealthy, healthstate.StateHealthy)
	l.FallbackActive = true

	table := healthstate.NewTable()
	repo := &mockRepository{
		GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) { return l, nil },
	}
	r := newTestResolver(repo, table, &mockIssueResolver{}, nil)

	now := time.Now().UTC()

	// One healthy cycle: below the two-cycle threshold, traffic stays on
	// the fallback and the flag stays set.
	table.Observe(dests[0].ID, healthstate.StateHealthy, "healthy", now)
	table.Observe(dests[1].ID, healthstate.StateHealthy, "healthy", now)

	got, err := r.Resolve(context.Background(), l.Code)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != dests[1].URL {
		t.Errorf("after one healthy cycle expected fallback %q, got %q", dests[1].URL, got)
	}
	if calls := repo.fallbackHistory(); len(calls) != 0 {
		t.Errorf("flag should not change mid-hysteresis, got %v", calls)
	}

	// Second healthy cycle reaches the threshold: primary again, flag
	// cleared.
	table.Observe(dests[0].ID, healthstate.StateHealthy, "healthy", now)

	got, err = r.Resolve(context.Background(), l.Code)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != dests[0].URL {
		t.Errorf("after streak expected primary %q, got %q", dests[0].URL, got)
	}
	calls := repo.fallbackHistory()
	if len(calls) != 1 || calls[0] {
		t.Errorf("expected single clear call, got %v", calls)
	}
}

func TestResolverHysteresisResetOnRelapse(t *testing.T) {
	l, dests := testLink(healthstate.StateHealthy, healthstate.StateHealthy)
	l.FallbackActive = true

	table := healthstate.NewTable()
	now := time.Now().UTC()

	// healthy, broken, healthy: the relapse resets the streak, so one
	// trailing healthy cycle is not enough.
	table.Observe(dests[0].ID, healthstate.StateHealthy, "healthy", now)
	table.Observe(dests[0].ID, healthstate.StateBroken, "broken: http_5xx", now)
	table.Observe(dests[0].ID, healthstate.StateHealthy, "healthy", now)
	table.Observe(dests[1].ID, healthstate.StateHealthy, "healthy", now)

	repo := &mockRepository{
		GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) { return l, nil },
	}
	r := newTestResolver(repo, table, &mockIssueResolver{}, nil)

	got, err := r.Resolve(context.Background(), l.Code)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != dests[1].URL {
		t.Errorf("streak reset should keep traffic on fallback %q, got %q", dests[1].URL, got)
	}
	if calls := repo.fallbackHistory(); len(calls) != 0 {
		t.Errorf("flag should stay set after relapse, got %v", calls)
	}
}

func TestResolverNoAutoFallbackFlag(t *testing.T) {
	// AutoFallback disabled: routing still walks the waterfall but the
	// flag never changes and no issue is resolved.
	l, dests := testLink(healthstate.StateBroken, healthstate.StateHealthy)
	l.AutoFallback = false

	repo := &mockRepository{
		GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) { return l, nil },
	}
	issues := &mockIssueResolver{}
	r := newTestResolver(repo, healthstate.NewTable(), issues, nil)

	got, err := r.Resolve(context.Background(), l.Code)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != dests[1].URL {
		t.Errorf("expected fallback %q, got %q", dests[1].URL, got)
	}
	if calls := repo.fallbackHistory(); len(calls) != 0 {
		t.Errorf("flag must not change when auto-fallback is off, got %v", calls)
	}
	if resolved := issues.resolvedIDs(); len(resolved) != 0 {
		t.Errorf("no issues should be resolved when auto-fallback is off, got %v", resolved)
	}
}

func TestResolverConcurrentClicksAllCounted(t *testing.T) {
	l, dests := testLink(healthstate.StateHealthy)

	repo := &mockRepository{
		GetByCodeFunc: func(_ context.Context, _ string) (SmartLink, error) { return l, nil },
	}
	recorder := NewClickRecorder(repo, ClickRecorderConfig{
		FlushSize:  16,
		FlushEvery: 50 * time.Millisecond,
		Workers:    2,
	}, quietLogger())
	recorder.Start()

	r := newTestResolver(repo, healthstate.NewTable(), nil, recorder)

	const n = 200
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(context.Background(), l.Code)
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			if got != dests[0].URL {
				t.Errorf("Resolve() = %q, want %q", got, dests[0].URL)
			}
		}()
	}
	wg.Wait()
	recorder.Stop()

	if total := repo.clickTotal(l.ID); total != n {
		t.Errorf("click total = %d, want %d", total, n)
	}
}

func TestResolverEmptyCode(t *testing.T) {
	r := newTestResolver(&mockRepository{}, healthstate.NewTable(), nil, nil)

	_, err := r.Resolve(context.Background(), "")
	if errx.KindOf(err) != errx.Invalid {
		t.Errorf("expected Invalid for empty code, got %v", err)
	}
}
