package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-sync-agent/internal/models"

	"github.com/jmoiron/sqlx"
)

// EnqueueMutation appends a queue entry and returns its assigned ID. The
// entry is built through models.NewQueueEntry so the pending/zero-attempts/
// createdAt defaults are always present.
func (s *Store) EnqueueMutation(ctx context.Context, entry *models.QueueEntry) (int64, error) {
	return enqueue(ctx, s.db, entry)
}

// EnqueueMutationTx appends a queue entry inside the same transaction as the
// entity write, so a crash can never leave a visible local mutation without
// its ledger record.
func (s *Store) EnqueueMutationTx(ctx context.Context, tx *sqlx.Tx, entry *models.QueueEntry) (int64, error) {
	return enqueue(ctx, tx, entry)
}

func enqueue(ctx context.Context, q sqlx.ExecerContext, entry *models.QueueEntry) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue (type, action, entity_id, data, status, attempts, last_error, created_at, last_attempt, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Type, entry.Action, entry.EntityID, string(entry.Data), entry.Status,
		entry.Attempts, entry.LastError, entry.CreatedAt, entry.LastAttempt, entry.NextRetryAt)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	return entry.ID, err
}

// ClaimPending atomically flips the oldest eligible pending entries to
// in_flight and returns them in FIFO order. Entries with a retry scheduled in
// the future are skipped. At most one entry per {type, entity_id} stream is
// claimed so delivery stays FIFO within a stream.
func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]models.QueueEntry, error) {
	var claimed []models.QueueEntry

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var entries []models.QueueEntry
		err := tx.SelectContext(ctx, &entries, `
			SELECT * FROM sync_queue
			WHERE status = ?
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND id = (
				SELECT MIN(q2.id) FROM sync_queue q2
				WHERE q2.type = sync_queue.type
				  AND q2.entity_id = sync_queue.entity_id
				  AND q2.status IN (?, ?)
			  )
			ORDER BY created_at, id
			LIMIT ?`,
			models.QueueStatusPending, now,
			models.QueueStatusPending, models.QueueStatusInFlight,
			limit)
		if err != nil {
			return fmt.Errorf("failed to select pending entries: %w", err)
		}

		for i := range entries {
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_queue SET status = ?, last_attempt = ? WHERE id = ? AND status = ?`,
				models.QueueStatusInFlight, now, entries[i].ID, models.QueueStatusPending)
			if err != nil {
				return fmt.Errorf("failed to claim entry %d: %w", entries[i].ID, err)
			}
			entries[i].Status = models.QueueStatusInFlight
			entries[i].LastAttempt = sql.NullTime{Time: now, Valid: true}
		}
		claimed = entries
		return nil
	})
	return claimed, err
}

// CollapseSuperseded marks earlier pending entries for the same entity stream
// as superseded, so only the final state is delivered. The entry identified
// by keepID must be the latest pending entry for that stream. Delete entries
// are never collapsed into, and creates are kept so the remote sees the
// document exist before updates land on its LWW store.
func (s *Store) CollapseSuperseded(ctx context.Context, entityType, entityID string, keepID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?
		WHERE type = ? AND entity_id = ? AND id < ? AND status = ? AND action = ?`,
		models.QueueStatusSuperseded, entityType, entityID, keepID,
		models.QueueStatusPending, models.ActionUpdate)
	if err != nil {
		return 0, fmt.Errorf("failed to collapse superseded entries: %w", err)
	}
	return res.RowsAffected()
}

// MarkDone flips an entry to done after a confirmed remote write.
func (s *Store) MarkDone(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ?, last_error = '', last_attempt = ? WHERE id = ?",
		models.QueueStatusDone, at, id)
	return err
}

// MarkFailed flips an entry to failed. Failed entries are retained for manual
// inspection and retry; nothing deletes them automatically.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ?, last_error = ?, last_attempt = ? WHERE id = ?",
		models.QueueStatusFailed, reason, at, id)
	return err
}

// ReleaseToPending returns an in-flight entry to pending after a transient
// failure, incrementing attempts and scheduling the next retry.
func (s *Store) ReleaseToPending(ctx context.Context, id int64, reason string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempts = attempts + 1, last_error = ?, next_retry_at = ?
		WHERE id = ?`,
		models.QueueStatusPending, reason, nextRetryAt, id)
	return err
}

// RequeueInFlight returns an in-flight entry to pending without counting an
// attempt, used when connectivity drops mid-drain or the engine stops.
func (s *Store) RequeueInFlight(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?",
		models.QueueStatusPending, id, models.QueueStatusInFlight)
	return err
}

// ReviveStaleInFlight resets in_flight entries whose last attempt is older
// than the liveness threshold back to pending. Run at engine start so a crash
// mid-drain never leaves entries stuck.
func (s *Store) ReviveStaleInFlight(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?
		WHERE status = ? AND (last_attempt IS NULL OR last_attempt < ?)`,
		models.QueueStatusPending, models.QueueStatusInFlight, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to revive stale entries: %w", err)
	}
	return res.RowsAffected()
}

// PruneDone deletes done entries older than the grace window, plus any
// superseded entries. Pending and failed entries are never pruned.
func (s *Store) PruneDone(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE (status = ? AND last_attempt < ?) OR status = ?`,
		models.QueueStatusDone, olderThan, models.QueueStatusSuperseded)
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount returns the number of entries still awaiting delivery.
// In-flight entries count as pending for status reporting.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sync_queue WHERE status IN (?, ?)",
		models.QueueStatusPending, models.QueueStatusInFlight)
	return count, err
}

// FailedCount returns the number of terminally failed entries.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sync_queue WHERE status = ?", models.QueueStatusFailed)
	return count, err
}

// ListFailed returns failed entries for the debug surface.
func (s *Store) ListFailed(ctx context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM sync_queue WHERE status = ? ORDER BY created_at",
		models.QueueStatusFailed)
	return entries, err
}

// GetQueueEntry retrieves a single queue entry.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry, "SELECT * FROM sync_queue WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RetryFailed resubmits a failed entry: back to pending with the retry
// schedule cleared. Attempts are kept as history.
func (s *Store) RetryFailed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, next_retry_at = NULL
		WHERE id = ? AND status = ?`,
		models.QueueStatusPending, id, models.QueueStatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue entry %d is not in failed state", id)
	}
	return nil
}

// NextRetryTime returns the earliest scheduled retry among pending entries,
// or the zero time when none is scheduled.
func (s *Store) NextRetryTime(ctx context.Context) (time.Time, error) {
	var next time.Time
	err := s.db.GetContext(ctx, &next, `
		SELECT next_retry_at FROM sync_queue
		WHERE status = ? AND next_retry_at IS NOT NULL
		ORDER BY next_retry_at LIMIT 1`,
		models.QueueStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// HasLiveEntry reports whether a pending, in-flight, or failed entry exists
// for the given entity stream. The startup self-heal scan uses this to avoid
// duplicate enqueues; failed counts as live so an entity parked behind a
// permanent error stays parked until an operator retries it.
func (s *Store) HasLiveEntry(ctx context.Context, entityType, entityID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sync_queue
		WHERE type = ? AND entity_id = ? AND status IN (?, ?, ?)`,
		entityType, entityID, models.QueueStatusPending, models.QueueStatusInFlight, models.QueueStatusFailed)
	return count > 0, err
}
