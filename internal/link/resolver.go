package link

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/healthstate"
)

// lockShards bounds resolver lock memory: links hash onto a fixed set of
// mutexes instead of one lock per link.
const lockShards = 64

// IssueResolver closes open issues when the resolver activates a
// fallback. Implemented by the audit layer.
type IssueResolver interface {
	ResolveAutoFallback(ctx context.Context, destinationID uuid.UUID) error
}

// Resolver serves the redirect hot path: it picks the destination for an
// incoming click from the last-committed health state. It never waits on
// audit work and never fails a click over destination health.
type Resolver struct {
	repo             Repository
	table            *healthstate.Table
	issues           IssueResolver
	recorder         *ClickRecorder
	minHealthyCycles int
	logger           *slog.Logger
	locks            [lockShards]sync.Mutex
}

// ResolverConfig holds dependencies and tuning for the resolver.
type ResolverConfig struct {
	Repository       Repository
	Table            *healthstate.Table
	Issues           IssueResolver
	Recorder         *ClickRecorder
	MinHealthyCycles int // consecutive healthy audit cycles before reverting to primary
	Logger           *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	min := cfg.MinHealthyCycles
	if min < 1 {
		min = 1
	}
	return &Resolver{
		repo:             cfg.Repository,
		table:            cfg.Table,
		issues:           cfg.Issues,
		recorder:         cfg.Recorder,
		minHealthyCycles: min,
		logger:           logger,
	}
}

// Resolve picks the destination URL to serve for a short code. NotFound
// is returned only when the code does not exist or the link is inactive,
// never because of destination health.
func (r *Resolver) Resolve(ctx context.Context, code string) (string, error) {
	const op = "link.Resolver.Resolve"

	if code == "" {
		return "", errx.E(op, errx.Invalid, errors.New("code cannot be empty"))
	}

	l, err := r.repo.GetByCode(ctx, code)
	if err != nil {
		return "", errx.E(op, errx.KindOf(err), err)
	}
	if !l.Active {
		return "", errx.E(op, errx.NotFound, errors.New("link is inactive"))
	}
	primary, ok := l.Primary()
	if !ok {
		return "", errx.E(op, errx.NotFound, errors.New("link has no destinations"))
	}

	// Fallback-flag transitions and the click increment for one link are
	// serialized; resolutions of different links proceed independently.
	lock := r.lockFor(l.ID)
	lock.Lock()
	defer lock.Unlock()

	selected, allDown := r.selectDestination(l)

	if allDown {
		// Serving a possibly-broken primary beats a dead redirect. The
		// failure is an operational signal, not a user-facing error.
		r.logger.WarnContext(ctx, "no live destination, serving primary",
			"code", l.Code,
			"link_id", l.ID,
		)
	}

	r.applyFallbackFlag(ctx, l, primary, selected)

	if r.recorder != nil {
		r.recorder.Record(ClickEvent{LinkID: l.ID, At: time.Now().UTC()})
	}

	return selected.URL, nil
}

// selectDestination walks the waterfall in priority order and returns the
// first live destination. Unknown health is treated optimistically. When
// everything is down it returns the primary and reports allDown.
func (r *Resolver) selectDestination(l SmartLink) (selected Destination, allDown bool) {
	primary := l.Destinations[0]
	holdPrimary := l.FallbackActive && !r.primaryStable(primary)

	for i, d := range l.Destinations {
		state := r.stateOf(d)
		if state != healthstate.StateHealthy && state != healthstate.StateUnknown {
			continue
		}
		if i == 0 && holdPrimary {
			// Hysteresis: the primary must stay healthy for a minimum
			// number of audit cycles before traffic flips back.
			continue
		}
		return d, false
	}

	if holdPrimary && r.stateOf(primary) == healthstate.StateHealthy {
		// The primary is the only live destination; the hold is moot.
		return primary, false
	}
	return primary, true
}

// primaryStable reports whether the primary has been healthy long enough
// to clear an active fallback.
func (r *Resolver) primaryStable(primary Destination) bool {
	rec, ok := r.table.Get(primary.ID)
	if !ok {
		return false
	}
	return rec.State == healthstate.StateHealthy &&
		rec.ConsecutiveHealthy >= r.minHealthyCycles
}

// applyFallbackFlag reconciles the stored fallback-active flag with the
// destination actually being served.
func (r *Resolver) applyFallbackFlag(ctx context.Context, l SmartLink, primary, selected Destination) {
	if !l.AutoFallback {
		return
	}

	servingFallback := selected.ID != primary.ID

	switch {
	case servingFallback && !l.FallbackActive:
		if err := r.repo.SetFallbackActive(ctx, l.ID, true); err != nil {
			r.logger.ErrorContext(ctx, "failed to set fallback flag", "link_id", l.ID, "error", err)
			return
		}
		// The primary's open issue gets its resolution stamped: traffic
		// has been rerouted, the revenue bleed is stanched.
		if r.issues != nil {
			if err := r.issues.ResolveAutoFallback(ctx, primary.ID); err != nil {
				r.logger.ErrorContext(ctx, "failed to resolve issue on fallback", "destination_id", primary.ID, "error", err)
			}
		}
		r.logger.InfoContext(ctx, "auto-fallback activated",
			"code", l.Code,
			"from_priority", primary.Priority,
			"to_priority", selected.Priority,
		)

	case !servingFallback && l.FallbackActive && r.primaryStable(primary):
		if err := r.repo.SetFallbackActive(ctx, l.ID, false); err != nil {
			r.logger.ErrorContext(ctx, "failed to clear fallback flag", "link_id", l.ID, "error", err)
			return
		}
		r.logger.InfoContext(ctx, "primary recovered, fallback cleared", "code", l.Code)
	}
}

// stateOf reads a destination's health, preferring the in-memory table
// over the persisted column loaded with the link.
func (r *Resolver) stateOf(d Destination) healthstate.State {
	if rec, ok := r.table.Get(d.ID); ok {
		return rec.State
	}
	return d.Health
}

func (r *Resolver) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &r.locks[h.Sum32()%lockShards]
}
