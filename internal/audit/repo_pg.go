package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkpulse/linkpulse/internal/errx"
)

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a Postgres-backed Repository.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func mapRepoError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errx.E(op, errx.NotFound, err)
	}
	return errx.E(op, errx.Unavailable, err)
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func tsOrNull(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

const insertRunSQL = `
INSERT INTO audit_runs (id, account_id, status, links_found, links_checked, started_at, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (r *pgRepo) CreateRun(ctx context.Context, run Run) (Run, error) {
	const op = "audit.pgRepo.CreateRun"

	_, err := r.pool.Exec(ctx, insertRunSQL,
		run.ID, run.AccountID, string(run.Status),
		run.LinksFound, run.LinksChecked, run.StartedAt, run.ErrorMessage)
	if err != nil {
		return Run{}, mapRepoError(op, err)
	}
	return run, nil
}

const updateRunSQL = `
UPDATE audit_runs
SET status = $2, links_found = $3, links_checked = $4, completed_at = $5, error_message = $6
WHERE id = $1`

func (r *pgRepo) UpdateRun(ctx context.Context, run Run) (Run, error) {
	const op = "audit.pgRepo.UpdateRun"

	tag, err := r.pool.Exec(ctx, updateRunSQL,
		run.ID, string(run.Status), run.LinksFound, run.LinksChecked,
		tsOrNull(run.CompletedAt), run.ErrorMessage)
	if err != nil {
		return Run{}, mapRepoError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return Run{}, errx.E(op, errx.NotFound, fmt.Errorf("run %s does not exist", run.ID))
	}
	return run, nil
}

func (r *pgRepo) UpdateRunProgress(ctx context.Context, runID uuid.UUID, linksChecked int) error {
	const op = "audit.pgRepo.UpdateRunProgress"

	_, err := r.pool.Exec(ctx,
		`UPDATE audit_runs SET links_checked = $2 WHERE id = $1`, runID, linksChecked)
	if err != nil {
		return mapRepoError(op, err)
	}
	return nil
}

const selectRunSQL = `
SELECT id, account_id, status, links_found, links_checked, started_at, completed_at, error_message
FROM audit_runs
WHERE id = $1`

func (r *pgRepo) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	const op = "audit.pgRepo.GetRun"

	run, err := scanRun(r.pool.QueryRow(ctx, selectRunSQL, runID))
	if err != nil {
		return Run{}, mapRepoError(op, err)
	}
	return run, nil
}

const selectLatestRunSQL = `
SELECT id, account_id, status, links_found, links_checked, started_at, completed_at, error_message
FROM audit_runs
WHERE account_id = $1
ORDER BY started_at DESC
LIMIT 1`

func (r *pgRepo) LatestRun(ctx context.Context, accountID uuid.UUID) (Run, error) {
	const op = "audit.pgRepo.LatestRun"

	run, err := scanRun(r.pool.QueryRow(ctx, selectLatestRunSQL, accountID))
	if err != nil {
		return Run{}, mapRepoError(op, err)
	}
	return run, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run       Run
		status    string
		completed pgtype.Timestamptz
	)
	err := row.Scan(&run.ID, &run.AccountID, &status, &run.LinksFound,
		&run.LinksChecked, &run.StartedAt, &completed, &run.ErrorMessage)
	if err != nil {
		return Run{}, err
	}
	run.Status = Status(status)
	run.CompletedAt = timePtr(completed)
	return run, nil
}

const insertIssueSQL = `
INSERT INTO link_health_issues
  (id, account_id, link_id, destination_id, type, severity, detected_at, loss_low, loss_high)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *pgRepo) CreateIssue(ctx context.Context, issue Issue) (Issue, error) {
	const op = "audit.pgRepo.CreateIssue"

	_, err := r.pool.Exec(ctx, insertIssueSQL,
		issue.ID, issue.AccountID, issue.LinkID, issue.DestinationID,
		string(issue.Type), string(issue.Severity), issue.DetectedAt,
		issue.LossLow, issue.LossHigh)
	if err != nil {
		return Issue{}, mapRepoError(op, err)
	}
	return issue, nil
}

func (r *pgRepo) UpdateIssueLoss(ctx context.Context, issueID uuid.UUID, lossLow, lossHigh float64) error {
	const op = "audit.pgRepo.UpdateIssueLoss"

	_, err := r.pool.Exec(ctx,
		`UPDATE link_health_issues SET loss_low = $2, loss_high = $3 WHERE id = $1`,
		issueID, lossLow, lossHigh)
	if err != nil {
		return mapRepoError(op, err)
	}
	return nil
}

func (r *pgRepo) ResolveIssue(ctx context.Context, issueID uuid.UUID, resolution ResolutionType, at time.Time) error {
	const op = "audit.pgRepo.ResolveIssue"

	// Resolution is write-once: an already-resolved issue keeps its
	// original resolution and timestamp.
	_, err := r.pool.Exec(ctx,
		`UPDATE link_health_issues SET resolved_at = $2, resolution = $3
		 WHERE id = $1 AND resolved_at IS NULL`,
		issueID, at, string(resolution))
	if err != nil {
		return mapRepoError(op, err)
	}
	return nil
}

const selectIssueColumns = `
SELECT id, account_id, link_id, destination_id, type, severity, detected_at, resolved_at, resolution, loss_low, loss_high
FROM link_health_issues`

func (r *pgRepo) OpenIssuesForDestination(ctx context.Context, destinationID uuid.UUID) ([]Issue, error) {
	const op = "audit.pgRepo.OpenIssuesForDestination"

	rows, err := r.pool.Query(ctx,
		selectIssueColumns+` WHERE destination_id = $1 AND resolved_at IS NULL ORDER BY detected_at`,
		destinationID)
	if err != nil {
		return nil, mapRepoError(op, err)
	}
	return scanIssues(op, rows)
}

func (r *pgRepo) ListIssues(ctx context.Context, accountID uuid.UUID, unresolvedOnly bool) ([]Issue, error) {
	const op = "audit.pgRepo.ListIssues"

	query := selectIssueColumns + ` WHERE account_id = $1`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, mapRepoError(op, err)
	}
	return scanIssues(op, rows)
}

func (r *pgRepo) IssuesSince(ctx context.Context, accountID uuid.UUID, since time.Time) ([]Issue, error) {
	const op = "audit.pgRepo.IssuesSince"

	rows, err := r.pool.Query(ctx,
		selectIssueColumns+` WHERE account_id = $1 AND detected_at >= $2 ORDER BY detected_at`,
		accountID, since)
	if err != nil {
		return nil, mapRepoError(op, err)
	}
	return scanIssues(op, rows)
}

func scanIssues(op string, rows pgx.Rows) ([]Issue, error) {
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var (
			is         Issue
			issueType  string
			severity   string
			resolution string
			resolved   pgtype.Timestamptz
		)
		err := rows.Scan(&is.ID, &is.AccountID, &is.LinkID, &is.DestinationID,
			&issueType, &severity, &is.DetectedAt, &resolved, &resolution,
			&is.LossLow, &is.LossHigh)
		if err != nil {
			return nil, mapRepoError(op, err)
		}
		is.Type = IssueType(issueType)
		is.Severity = Severity(severity)
		is.Resolution = ResolutionType(resolution)
		is.ResolvedAt = timePtr(resolved)
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		return nil, mapRepoError(op, err)
	}
	return issues, nil
}

func (r *pgRepo) UpdateDestinationHealth(ctx context.Context, destinationID uuid.UUID, state string, checkedAt time.Time) error {
	const op = "audit.pgRepo.UpdateDestinationHealth"

	_, err := r.pool.Exec(ctx,
		`UPDATE destinations SET health = $2, last_checked_at = $3 WHERE id = $1`,
		destinationID, state, checkedAt)
	if err != nil {
		return mapRepoError(op, err)
	}
	return nil
}
