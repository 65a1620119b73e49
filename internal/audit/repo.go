package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for audit runs, the issue ledger, and
// the durable copy of destination health.
type Repository interface {
	CreateRun(ctx context.Context, run Run) (Run, error)
	UpdateRun(ctx context.Context, run Run) (Run, error)
	UpdateRunProgress(ctx context.Context, runID uuid.UUID, linksChecked int) error
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	LatestRun(ctx context.Context, accountID uuid.UUID) (Run, error)

	CreateIssue(ctx context.Context, issue Issue) (Issue, error)
	UpdateIssueLoss(ctx context.Context, issueID uuid.UUID, lossLow, lossHigh float64) error
	ResolveIssue(ctx context.Context, issueID uuid.UUID, resolution ResolutionType, at time.Time) error
	OpenIssuesForDestination(ctx context.Context, destinationID uuid.UUID) ([]Issue, error)
	ListIssues(ctx context.Context, accountID uuid.UUID, unresolvedOnly bool) ([]Issue, error)
	IssuesSince(ctx context.Context, accountID uuid.UUID, since time.Time) ([]Issue, error)

	UpdateDestinationHealth(ctx context.Context, destinationID uuid.UUID, state string, checkedAt time.Time) error
}
