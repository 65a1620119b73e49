// Package audit runs the link health pipeline: it fans destinations
// across a bounded worker pool, classifies probe outcomes into the issue
// ledger, publishes destination health, and hands the aggregate to the
// scoring engine.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/healthstate"
	"github.com/linkpulse/linkpulse/internal/idgen"
	"github.com/linkpulse/linkpulse/internal/probe"
	"github.com/linkpulse/linkpulse/internal/scoring"
)

// Checker probes one destination URL. Implemented by probe.Checker.
type Checker interface {
	Check(ctx context.Context, rawURL string) (probe.Outcome, error)
}

// Target is one destination to audit, as handed over by the link layer.
type Target struct {
	LinkID        uuid.UUID
	DestinationID uuid.UUID
	URL           string
}

// result pairs a target with its collected outcome. checked is false for
// targets the run deadline cut off before they were probed.
type result struct {
	target  Target
	outcome probe.Outcome
	checked bool
}

// Scheduler executes audit runs. Safe for concurrent use; concurrent
// runs for the same account are independent by design.
type Scheduler struct {
	checker Checker
	repo    Repository
	table   *healthstate.Table
	engine  *scoring.Engine
	cfg     config.AuditConfig
	logger  *slog.Logger
	ids     idgen.Generator

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    map[string]chan struct{}
}

// NewScheduler creates an audit scheduler.
func NewScheduler(checker Checker, repo Repository, table *healthstate.Table, engine *scoring.Engine, cfg config.AuditConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		checker:  checker,
		repo:     repo,
		table:    table,
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		ids:      idgen.NewV7(),
		limiters: make(map[string]*rate.Limiter),
		slots:    make(map[string]chan struct{}),
	}
}

// Run creates an audit run in pending state, kicks off the pipeline in
// the background, and returns immediately. Callers poll GetStatus.
func (s *Scheduler) Run(ctx context.Context, accountID uuid.UUID, targets []Target) (Run, error) {
	const op = "audit.Scheduler.Run"

	if accountID == uuid.Nil {
		return Run{}, errx.E(op, errx.Invalid, errors.New("account id is required"))
	}

	id, err := s.ids.Generate()
	if err != nil {
		return Run{}, errx.E(op, errx.Unavailable, err)
	}

	run := Run{
		ID:         id,
		AccountID:  accountID,
		Status:     StatusPending,
		LinksFound: len(targets),
		StartedAt:  time.Now().UTC(),
	}

	created, err := s.repo.CreateRun(ctx, run)
	if err != nil {
		return Run{}, errx.E(op, errx.KindOf(err), err)
	}

	// The run outlives the triggering request.
	go s.execute(context.WithoutCancel(ctx), created, targets)

	return created, nil
}

// GetStatus returns the current state of a run. Read-only and cheap:
// it is the poll target for external UIs.
func (s *Scheduler) GetStatus(ctx context.Context, runID uuid.UUID) (Run, error) {
	const op = "audit.Scheduler.GetStatus"

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return Run{}, errx.E(op, errx.KindOf(err), err)
	}
	return run, nil
}

// LatestRun returns the most recently started run for an account.
func (s *Scheduler) LatestRun(ctx context.Context, accountID uuid.UUID) (Run, error) {
	const op = "audit.Scheduler.LatestRun"

	run, err := s.repo.LatestRun(ctx, accountID)
	if err != nil {
		return Run{}, errx.E(op, errx.KindOf(err), err)
	}
	return run, nil
}

// ListIssues returns the issue ledger for an account.
func (s *Scheduler) ListIssues(ctx context.Context, accountID uuid.UUID, unresolvedOnly bool) ([]Issue, error) {
	const op = "audit.Scheduler.ListIssues"

	issues, err := s.repo.ListIssues(ctx, accountID, unresolvedOnly)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return issues, nil
}

// execute drives one run through crawling, analyzing, and a terminal
// state. Partial progress is persisted even when the deadline fails the
// run.
func (s *Scheduler) execute(ctx context.Context, run Run, targets []Target) {
	logger := s.logger.With("run_id", run.ID, "account_id", run.AccountID)

	if err := s.advance(ctx, &run, StatusCrawling); err != nil {
		logger.Error("failed to start crawling", "error", err)
		return
	}

	results := s.crawl(ctx, &run, logger, targets)

	if err := s.advance(ctx, &run, StatusAnalyzing); err != nil {
		logger.Error("failed to start analyzing", "error", err)
		return
	}

	// Reconciliation uses the parent context: the run deadline bounds
	// probing, not persistence of what probing already found.
	healthy := s.reconcile(ctx, &run, logger, results)

	unchecked := run.LinksFound - run.LinksChecked
	if unchecked > 0 {
		run.ErrorMessage = fmt.Sprintf("run deadline elapsed with %d of %d destinations unchecked", unchecked, run.LinksFound)
		if err := s.advance(ctx, &run, StatusFailed); err != nil {
			logger.Error("failed to mark run failed", "error", err)
		}
		logger.Warn("audit run failed", "links_checked", run.LinksChecked, "links_found", run.LinksFound)
		return
	}

	// Only a completed run produces a score snapshot: a failed run saw an
	// incomplete picture and must not supersede the prior snapshot.
	if err := s.scoreAccount(ctx, &run, healthy); err != nil {
		logger.Error("failed to recompute health score", "error", err)
	}

	if err := s.advance(ctx, &run, StatusCompleted); err != nil {
		logger.Error("failed to complete run", "error", err)
		return
	}
	logger.Info("audit run completed", "links_checked", run.LinksChecked)
}

// crawl probes every target through the bounded pool and returns the
// collected results. LinksChecked is updated on the run as it goes.
func (s *Scheduler) crawl(ctx context.Context, run *Run, logger *slog.Logger, targets []Target) []result {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunDeadline)
	defer cancel()

	results := make([]result, len(targets))
	var checked atomic.Int64

	g := &errgroup.Group{}
	g.SetLimit(s.cfg.Workers)

	for i, target := range targets {
		g.Go(func() error {
			res := result{target: target}
			defer func() { results[i] = res }()

			host := domainOf(target.URL)
			if !s.acquireSlot(runCtx, host) {
				return nil // deadline hit before this target started
			}
			defer s.releaseSlot(host)

			if err := s.limiterFor(host).Wait(runCtx); err != nil {
				return nil
			}

			outcome, err := s.checkWithRetry(runCtx, target.URL)
			if err != nil {
				// A malformed URL is isolated to its destination: it is
				// counted as checked but produces no ledger entry.
				logger.Warn("destination has invalid url",
					"destination_id", target.DestinationID,
					"error", err)
			} else {
				res.outcome = outcome
				res.checked = true
			}

			n := int(checked.Add(1))
			if err := s.repo.UpdateRunProgress(ctx, run.ID, n); err != nil {
				logger.Warn("failed to update run progress", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	run.LinksChecked = int(checked.Load())
	return results
}

// checkWithRetry probes one URL, retrying transient outcomes with
// exponential backoff. Non-transient outcomes are accepted on first
// attempt; configuration errors are returned without consuming retries.
func (s *Scheduler) checkWithRetry(ctx context.Context, rawURL string) (probe.Outcome, error) {
	backoff := s.cfg.BackoffBase

	for attempt := 0; ; attempt++ {
		outcome, err := s.checker.Check(ctx, rawURL)
		if err != nil {
			return probe.Outcome{}, err
		}
		if !outcome.Transient() || attempt >= s.cfg.MaxRetries {
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			// Deadline hit mid-retry: report the last outcome rather
			// than dropping the destination.
			return outcome, nil
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * s.cfg.BackoffFactor)
	}
}

// reconcile folds results into the health table, the destinations table,
// and the issue ledger. Returns the count of healthy destinations. One
// destination's persistence failure never aborts the rest.
func (s *Scheduler) reconcile(ctx context.Context, run *Run, logger *slog.Logger, results []result) int {
	healthy := 0
	now := time.Now().UTC()

	for _, res := range results {
		if !res.checked {
			continue
		}
		if res.outcome.Status == probe.StatusHealthy {
			healthy++
		}

		if err := s.reconcileDestination(ctx, run, res, now); err != nil {
			logger.Warn("failed to reconcile destination",
				"destination_id", res.target.DestinationID,
				"error", err)
		}
	}
	return healthy
}

func (s *Scheduler) reconcileDestination(ctx context.Context, run *Run, res result, now time.Time) error {
	const op = "audit.Scheduler.reconcileDestination"

	out := res.outcome
	state := stateOf(out.Status)

	s.table.Observe(res.target.DestinationID, state, out.Status.String(), out.CheckedAt)
	if err := s.repo.UpdateDestinationHealth(ctx, res.target.DestinationID, state.String(), out.CheckedAt); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}

	open, err := s.repo.OpenIssuesForDestination(ctx, res.target.DestinationID)
	if err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}

	if out.Status == probe.StatusHealthy {
		for _, issue := range open {
			if err := s.repo.ResolveIssue(ctx, issue.ID, ResolutionAutoRecovered, now); err != nil {
				return errx.E(op, errx.KindOf(err), err)
			}
		}
		return nil
	}

	issueType, severity, ok := classifyOutcome(out)
	if !ok {
		return nil
	}

	for _, issue := range open {
		if issue.Type != issueType {
			continue
		}
		// Same problem still present: keep the issue open and refresh
		// its accrued loss for the time it has been open.
		low, high := s.engine.AccruedLoss(now.Sub(issue.DetectedAt))
		if err := s.repo.UpdateIssueLoss(ctx, issue.ID, low, high); err != nil {
			return errx.E(op, errx.KindOf(err), err)
		}
		return nil
	}

	id, err := s.ids.Generate()
	if err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	_, err = s.repo.CreateIssue(ctx, Issue{
		ID:            id,
		AccountID:     run.AccountID,
		LinkID:        res.target.LinkID,
		DestinationID: res.target.DestinationID,
		Type:          issueType,
		Severity:      severity,
		DetectedAt:    now,
	})
	if err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

// scoreAccount aggregates the scoring window's issues and stores a fresh
// snapshot.
func (s *Scheduler) scoreAccount(ctx context.Context, run *Run, healthy int) error {
	const op = "audit.Scheduler.scoreAccount"

	since := time.Now().UTC().Add(-s.engine.Window())
	issues, err := s.repo.IssuesSince(ctx, run.AccountID, since)
	if err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}

	in := scoring.Inputs{
		TrackedLinks: run.LinksFound,
		HealthyLinks: healthy,
	}
	for _, issue := range issues {
		if !issue.Open() {
			continue
		}
		switch issue.Severity {
		case SeverityCritical:
			in.UnresolvedCritical++
		case SeverityWarning:
			in.UnresolvedWarning++
		}
		low, high := s.engine.MonthlyLoss()
		in.LossLow += low
		in.LossHigh += high
	}

	if _, err := s.engine.ScoreAndStore(ctx, run.AccountID, in); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

// advance persists a state transition.
func (s *Scheduler) advance(ctx context.Context, run *Run, next Status) error {
	const op = "audit.Scheduler.advance"

	if err := run.Transition(next); err != nil {
		return err
	}
	updated, err := s.repo.UpdateRun(ctx, *run)
	if err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	*run = updated
	return nil
}

// acquireSlot takes a per-domain concurrency slot, bounding how many
// workers hit the same retailer at once independent of the global pool.
func (s *Scheduler) acquireSlot(ctx context.Context, host string) bool {
	s.mu.Lock()
	slot, ok := s.slots[host]
	if !ok {
		slot = make(chan struct{}, s.cfg.PerDomainWorkers)
		s.slots[host] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) releaseSlot(host string) {
	s.mu.Lock()
	slot := s.slots[host]
	s.mu.Unlock()
	<-slot
}

// limiterFor returns the request rate limiter for a retailer domain.
func (s *Scheduler) limiterFor(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.PerDomainRate), s.cfg.PerDomainWorkers)
		s.limiters[host] = limiter
	}
	return limiter
}

// stateOf maps a probe status to the destination health state the
// resolver consumes. Critical outcomes mark the destination broken;
// warning-level ones degrade it.
func stateOf(status probe.Status) healthstate.State {
	switch status {
	case probe.StatusHealthy:
		return healthstate.StateHealthy
	case probe.StatusBroken, probe.StatusOutOfStock:
		return healthstate.StateBroken
	case probe.StatusRedirectError, probe.StatusMissingTag:
		return healthstate.StateDegraded
	default:
		return healthstate.StateUnknown
	}
}

// domainOf extracts the rate-limiting key for a destination URL.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
