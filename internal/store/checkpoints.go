package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

// checkpointRow is the sqlx StructScan target for run_checkpoints.
type checkpointRow struct {
	RunID         string    `db:"run_id"`
	PausedState   string    `db:"paused_state"`
	ContextJSON   string    `db:"context_json"`
	AwaitMetaJSON string    `db:"await_meta_json"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	ExpiresAt     time.Time `db:"expires_at"`
}

// PutCheckpoint inserts or overwrites a Checkpoint keyed by RunID.
// Checkpoints have no optimistic-version field: a resumable run has
// exactly one owner at a time, enforced at the engine level, not here.
func (s *Store) PutCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	const op = "store.PutCheckpoint"
	start := time.Now()

	contextJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal context", err)
	}
	awaitJSON, err := json.Marshal(cp.AwaitMeta)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal await_meta", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, paused_state, context_json, await_meta_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			paused_state = excluded.paused_state,
			context_json = excluded.context_json,
			await_meta_json = excluded.await_meta_json,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		cp.RunID, cp.PausedState, string(contextJSON), string(awaitJSON), now, now, cp.ExpiresAt)
	s.recordQuery("upsert", "run_checkpoints", start, err)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to persist checkpoint", err)
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	return nil
}

// GetCheckpoint loads a Checkpoint by RunID. A checkpoint past its
// expires_at is treated as not found: resume after expiry must fail
// rather than silently replay a stale state.
func (s *Store) GetCheckpoint(ctx context.Context, runID string) (*domain.Checkpoint, error) {
	const op = "store.GetCheckpoint"
	start := time.Now()

	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM run_checkpoints WHERE run_id = ?`, runID)
	s.recordQuery("select", "run_checkpoints", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, openacterr.New(openacterr.KindNotFound, op, "checkpoint not found").WithDetails(map[string]any{"run_id": runID})
	}
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to query checkpoint", err)
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, openacterr.New(openacterr.KindNotFound, op, "checkpoint expired").WithDetails(map[string]any{"run_id": runID})
	}

	cp := &domain.Checkpoint{
		RunID:       row.RunID,
		PausedState: row.PausedState,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		ExpiresAt:   row.ExpiresAt,
	}
	if err := json.Unmarshal([]byte(row.ContextJSON), &cp.Context); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal context", err)
	}
	if err := json.Unmarshal([]byte(row.AwaitMetaJSON), &cp.AwaitMeta); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal await_meta", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes a Checkpoint by RunID. Called on successful
// resume (single-use) or explicit cancellation; missing rows are not an
// error, the delete is idempotent.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID string) error {
	const op = "store.DeleteCheckpoint"
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID)
	s.recordQuery("delete", "run_checkpoints", start, err)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to delete checkpoint", err)
	}
	return nil
}

// SweepExpiredCheckpoints deletes every checkpoint whose expires_at has
// passed, returning the count removed. Invoked by the cleanup sweeper on
// its configured interval so expired checkpoints are reclaimed rather
// than retained indefinitely.
func (s *Store) SweepExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.SweepExpiredCheckpoints"
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE expires_at <= ?`, now)
	s.recordQuery("delete", "run_checkpoints", start, err)
	if err != nil {
		return 0, openacterr.Wrap(openacterr.KindInternal, op, "failed to sweep expired checkpoints", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
	}
	return n, nil
}
