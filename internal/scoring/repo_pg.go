package scoring

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkpulse/linkpulse/internal/errx"
)

type pgSnapshots struct {
	pool *pgxpool.Pool
}

// NewPGSnapshotRepository creates a Postgres-backed SnapshotRepository.
func NewPGSnapshotRepository(pool *pgxpool.Pool) SnapshotRepository {
	return &pgSnapshots{pool: pool}
}

func mapRepoError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errx.E(op, errx.NotFound, err)
	}
	return errx.E(op, errx.Unavailable, err)
}

const insertSnapshotSQL = `
INSERT INTO health_score_snapshots
  (id, account_id, score, trend, change, loss_low, loss_high, insufficient_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *pgSnapshots) Create(ctx context.Context, snap Snapshot) (Snapshot, error) {
	const op = "scoring.pgSnapshots.Create"

	_, err := r.pool.Exec(ctx, insertSnapshotSQL,
		snap.ID, snap.AccountID, snap.Score, string(snap.Trend), snap.Change,
		snap.LossLow, snap.LossHigh, snap.InsufficientData, snap.CreatedAt)
	if err != nil {
		return Snapshot{}, mapRepoError(op, err)
	}
	return snap, nil
}

const selectLatestSnapshotSQL = `
SELECT id, account_id, score, trend, change, loss_low, loss_high, insufficient_data, created_at
FROM health_score_snapshots
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT 1`

func (r *pgSnapshots) Latest(ctx context.Context, accountID uuid.UUID) (Snapshot, error) {
	const op = "scoring.pgSnapshots.Latest"

	var (
		snap  Snapshot
		trend string
	)
	err := r.pool.QueryRow(ctx, selectLatestSnapshotSQL, accountID).Scan(
		&snap.ID, &snap.AccountID, &snap.Score, &trend, &snap.Change,
		&snap.LossLow, &snap.LossHigh, &snap.InsufficientData, &snap.CreatedAt)
	if err != nil {
		return Snapshot{}, mapRepoError(op, err)
	}
	snap.Trend = Trend(trend)
	return snap, nil
}
