// Package scoring turns audit results into a 0-100 revenue health score
// and an estimated-loss range. The loss numbers are estimates built from
// configured business assumptions and are always carried as a range,
// never a single figure.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/idgen"
)

// Trend compares a snapshot to the one before it.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// Snapshot is one computed health score for an account. Snapshots are
// immutable; each completed audit run supersedes the previous one.
type Snapshot struct {
	ID               uuid.UUID
	AccountID        uuid.UUID
	Score            int
	Trend            Trend
	Change           int // signed difference vs the prior snapshot
	LossLow          float64
	LossHigh         float64
	InsufficientData bool
	CreatedAt        time.Time
}

// SnapshotRepository persists score snapshots.
type SnapshotRepository interface {
	Create(ctx context.Context, snap Snapshot) (Snapshot, error)
	Latest(ctx context.Context, accountID uuid.UUID) (Snapshot, error)
}

// Inputs aggregates an account's audit state for one score computation.
type Inputs struct {
	TrackedLinks       int
	HealthyLinks       int
	UnresolvedCritical int
	UnresolvedWarning  int
	LossLow            float64
	LossHigh           float64
}

// Engine computes health scores. The computation itself is pure; only
// ScoreAndStore touches persistence.
type Engine struct {
	cfg       config.ScoringConfig
	snapshots SnapshotRepository
	ids       idgen.Generator
}

// NewEngine creates a scoring engine.
func NewEngine(cfg config.ScoringConfig, snapshots SnapshotRepository, ids idgen.Generator) *Engine {
	if ids == nil {
		ids = idgen.NewV7()
	}
	return &Engine{cfg: cfg, snapshots: snapshots, ids: ids}
}

// Window returns the scoring window.
func (e *Engine) Window() time.Duration { return e.cfg.Window }

// MonthlyLoss returns the per-issue estimated monthly loss range from the
// configured click, conversion, order-value, and commission assumptions.
func (e *Engine) MonthlyLoss() (low, high float64) {
	point := e.cfg.MonthlyClicks * e.cfg.ConversionRate * e.cfg.AvgOrderValue * e.cfg.CommissionRate
	return point * (1 - e.cfg.EstimateBand), point * (1 + e.cfg.EstimateBand)
}

// AccruedLoss returns the loss range accrued while an issue has been open,
// scaling the monthly estimate by the open duration.
func (e *Engine) AccruedLoss(openFor time.Duration) (low, high float64) {
	if openFor < 0 {
		openFor = 0
	}
	monthlyLow, monthlyHigh := e.MonthlyLoss()
	fraction := openFor.Hours() / (30 * 24)
	return monthlyLow * fraction, monthlyHigh * fraction
}

// Compute derives a snapshot from inputs and the prior snapshot. It is a
// pure function: the same inputs and prior snapshot always produce the
// same score, trend, and loss range.
func (e *Engine) Compute(in Inputs, prev *Snapshot) (Snapshot, error) {
	const op = "scoring.Engine.Compute"

	if err := validateInputs(in); err != nil {
		return Snapshot{}, errx.E(op, errx.Invalid, err)
	}

	snap := Snapshot{
		LossLow:  in.LossLow,
		LossHigh: in.LossHigh,
	}

	if in.TrackedLinks == 0 {
		// No data is not a bad score; it is no score. Flag it instead of
		// reporting a vacuous 100.
		snap.Score = 100
		snap.InsufficientData = true
	} else {
		score := 100 -
			in.UnresolvedCritical*e.cfg.CriticalWeight -
			in.UnresolvedWarning*e.cfg.WarningWeight
		if score < 0 {
			score = 0
		}
		snap.Score = score
	}

	snap.Trend = TrendStable
	if prev != nil {
		snap.Change = snap.Score - prev.Score
		switch {
		case snap.Change > 0:
			snap.Trend = TrendUp
		case snap.Change < 0:
			snap.Trend = TrendDown
		}
	}

	return snap, nil
}

// ScoreAndStore computes a snapshot for the account and persists it as
// the new latest. Called as a side effect of a completed audit run, never
// on the read path.
func (e *Engine) ScoreAndStore(ctx context.Context, accountID uuid.UUID, in Inputs) (Snapshot, error) {
	const op = "scoring.Engine.ScoreAndStore"

	var prev *Snapshot
	latest, err := e.snapshots.Latest(ctx, accountID)
	switch {
	case err == nil:
		prev = &latest
	case errx.KindOf(err) == errx.NotFound:
		// First score for this account.
	default:
		return Snapshot{}, errx.E(op, errx.KindOf(err), err)
	}

	snap, err := e.Compute(in, prev)
	if err != nil {
		return Snapshot{}, err
	}

	id, err := e.ids.Generate()
	if err != nil {
		return Snapshot{}, errx.E(op, errx.Unavailable, err)
	}
	snap.ID = id
	snap.AccountID = accountID
	snap.CreatedAt = time.Now().UTC()

	stored, err := e.snapshots.Create(ctx, snap)
	if err != nil {
		return Snapshot{}, errx.E(op, errx.KindOf(err), err)
	}
	return stored, nil
}

// Latest returns the most recent snapshot for an account.
func (e *Engine) Latest(ctx context.Context, accountID uuid.UUID) (Snapshot, error) {
	const op = "scoring.Engine.Latest"

	snap, err := e.snapshots.Latest(ctx, accountID)
	if err != nil {
		return Snapshot{}, errx.E(op, errx.KindOf(err), err)
	}
	return snap, nil
}

func validateInputs(in Inputs) error {
	if in.TrackedLinks < 0 || in.HealthyLinks < 0 ||
		in.UnresolvedCritical < 0 || in.UnresolvedWarning < 0 {
		return errors.New("counts cannot be negative")
	}
	if in.HealthyLinks > in.TrackedLinks {
		return fmt.Errorf("healthy links (%d) cannot exceed tracked links (%d)", in.HealthyLinks, in.TrackedLinks)
	}
	if in.LossLow < 0 || in.LossHigh < 0 {
		return errors.New("loss estimates cannot be negative")
	}
	if in.LossLow > in.LossHigh {
		return fmt.Errorf("loss low (%f) cannot exceed loss high (%f)", in.LossLow, in.LossHigh)
	}
	return nil
}
