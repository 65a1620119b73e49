package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/healthstate"
)

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a Postgres-backed Repository.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func isCodeUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" &&
		pgErr.ConstraintName == "smart_links_code_unique"
}

func mapRepoError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errx.E(op, errx.NotFound, err)

	case isCodeUniqueViolation(err):
		return errx.E(op, errx.Conflict, err)

	default:
		return errx.E(op, errx.Unavailable, err)
	}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

const insertLinkSQL = `
INSERT INTO smart_links (id, account_id, code, auto_fallback, fallback_active, active, click_count)
VALUES ($1, $2, $3, $4, false, $5, 0)
RETURNING created_at, updated_at`

const insertDestinationSQL = `
INSERT INTO destinations (id, link_id, url, retailer, priority, health)
VALUES ($1, $2, $3, $4, $5, $6)`

func (r *pgRepo) Create(ctx context.Context, link SmartLink) (SmartLink, error) {
	const op = "link.pgRepo.Create"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, insertLinkSQL,
		link.ID, link.AccountID, link.Code, link.AutoFallback, link.Active,
	).Scan(&link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}

	for i := range link.Destinations {
		d := &link.Destinations[i]
		d.LinkID = link.ID
		_, err = tx.Exec(ctx, insertDestinationSQL,
			d.ID, d.LinkID, d.URL, d.Retailer, d.Priority, d.Health.String())
		if err != nil {
			return SmartLink{}, mapRepoError(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}
	return link, nil
}

const selectLinkByCodeSQL = `
SELECT id, account_id, code, auto_fallback, fallback_active, active, click_count, created_at, updated_at
FROM smart_links
WHERE code = $1`

func (r *pgRepo) GetByCode(ctx context.Context, code string) (SmartLink, error) {
	const op = "link.pgRepo.GetByCode"

	var l SmartLink
	err := r.pool.QueryRow(ctx, selectLinkByCodeSQL, code).Scan(
		&l.ID, &l.AccountID, &l.Code, &l.AutoFallback, &l.FallbackActive,
		&l.Active, &l.ClickCount, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}

	l.Destinations, err = r.destinationsFor(ctx, l.ID)
	if err != nil {
		return SmartLink{}, errx.E(op, errx.KindOf(err), err)
	}
	return l, nil
}

const selectLinksByAccountSQL = `
SELECT id, account_id, code, auto_fallback, fallback_active, active, click_count, created_at, updated_at
FROM smart_links
WHERE account_id = $1
ORDER BY created_at`

func (r *pgRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]SmartLink, error) {
	const op = "link.pgRepo.ListByAccount"

	rows, err := r.pool.Query(ctx, selectLinksByAccountSQL, accountID)
	if err != nil {
		return nil, mapRepoError(op, err)
	}
	defer rows.Close()

	var links []SmartLink
	for rows.Next() {
		var l SmartLink
		if err := rows.Scan(
			&l.ID, &l.AccountID, &l.Code, &l.AutoFallback, &l.FallbackActive,
			&l.Active, &l.ClickCount, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, mapRepoError(op, err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapRepoError(op, err)
	}

	for i := range links {
		links[i].Destinations, err = r.destinationsFor(ctx, links[i].ID)
		if err != nil {
			return nil, errx.E(op, errx.KindOf(err), err)
		}
	}
	return links, nil
}

const selectDestinationsSQL = `
SELECT id, link_id, url, retailer, priority, health, last_checked_at
FROM destinations
WHERE link_id = $1
ORDER BY priority`

func (r *pgRepo) destinationsFor(ctx context.Context, linkID uuid.UUID) ([]Destination, error) {
	const op = "link.pgRepo.destinationsFor"

	rows, err := r.pool.Query(ctx, selectDestinationsSQL, linkID)
	if err != nil {
		return nil, mapRepoError(op, err)
	}
	defer rows.Close()

	var dests []Destination
	for rows.Next() {
		var (
			d       Destination
			health  string
			checked pgtype.Timestamptz
		)
		if err := rows.Scan(&d.ID, &d.LinkID, &d.URL, &d.Retailer, &d.Priority, &health, &checked); err != nil {
			return nil, mapRepoError(op, err)
		}
		d.Health = healthstate.ParseState(health)
		d.LastCheckedAt = timePtr(checked)
		dests = append(dests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapRepoError(op, err)
	}
	return dests, nil
}

func (r *pgRepo) ReplaceDestinations(ctx context.Context, linkID uuid.UUID, dests []Destination) (SmartLink, error) {
	const op = "link.pgRepo.ReplaceDestinations"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM destinations WHERE link_id = $1`, linkID); err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}
	for _, d := range dests {
		_, err := tx.Exec(ctx, insertDestinationSQL,
			d.ID, linkID, d.URL, d.Retailer, d.Priority, d.Health.String())
		if err != nil {
			return SmartLink{}, mapRepoError(op, err)
		}
	}

	// A waterfall swap invalidates any active fallback decision.
	tag, err := tx.Exec(ctx,
		`UPDATE smart_links SET fallback_active = false, updated_at = now() WHERE id = $1`, linkID)
	if err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return SmartLink{}, errx.E(op, errx.NotFound, fmt.Errorf("link %s does not exist", linkID))
	}

	if err := tx.Commit(ctx); err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}

	var code string
	if err := r.pool.QueryRow(ctx, `SELECT code FROM smart_links WHERE id = $1`, linkID).Scan(&code); err != nil {
		return SmartLink{}, mapRepoError(op, err)
	}
	return r.GetByCode(ctx, code)
}

func (r *pgRepo) Deactivate(ctx context.Context, code string) error {
	const op = "link.pgRepo.Deactivate"

	tag, err := r.pool.Exec(ctx,
		`UPDATE smart_links SET active = false, updated_at = now() WHERE code = $1`, code)
	if err != nil {
		return mapRepoError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errx.E(op, errx.NotFound, fmt.Errorf("link %q does not exist", code))
	}
	return nil
}

func (r *pgRepo) SetFallbackActive(ctx context.Context, linkID uuid.UUID, active bool) error {
	const op = "link.pgRepo.SetFallbackActive"

	tag, err := r.pool.Exec(ctx,
		`UPDATE smart_links SET fallback_active = $2, updated_at = now() WHERE id = $1`, linkID, active)
	if err != nil {
		return mapRepoError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errx.E(op, errx.NotFound, fmt.Errorf("link %s does not exist", linkID))
	}
	return nil
}

func (r *pgRepo) AddClicks(ctx context.Context, linkID uuid.UUID, n int64) error {
	const op = "link.pgRepo.AddClicks"

	_, err := r.pool.Exec(ctx,
		`UPDATE smart_links SET click_count = click_count + $2 WHERE id = $1`, linkID, n)
	if err != nil {
		return mapRepoError(op, err)
	}
	return nil
}
