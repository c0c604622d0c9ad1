package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Op string

const (
	OpRename     Op = "rename"
	OpUpdateTags Op = "update-tags"
	OpDelete     Op = "delete"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxError      OutboxStatus = "error"
)

type OutboxItem struct {
	ID            int64
	SessionID     string
	Op            Op
	Payload       string // JSON
	CreatedAt     time.Time
	Attempts      int
	LastError     string
	Status        OutboxStatus
	NextAttemptAt time.Time
}

type renamePayload struct {
	Title string `json:"title"`
}

type tagsPayload struct {
	Tags []string `json:"tags"`
}

func (i *OutboxItem) Title() (string, error) {
	var p renamePayload
	if err := json.Unmarshal([]byte(i.Payload), &p); err != nil {
		return "", fmt.Errorf("decoding rename payload: %w", err)
	}
	return p.Title, nil
}

func (i *OutboxItem) Tags() ([]string, error) {
	var p tagsPayload
	if err := json.Unmarshal([]byte(i.Payload), &p); err != nil {
		return nil, fmt.Errorf("decoding tags payload: %w", err)
	}
	return p.Tags, nil
}

func enqueueTx(ctx context.Context, tx *sql.Tx, sessionID string, op Op, payload any) (int64, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding outbox payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (session_id, op, payload, created_at, status)
		VALUES (?, ?, ?, ?, 'pending')
	`, sessionID, string(op), string(encoded), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("enqueueing outbox item: %w", err)
	}
	return res.LastInsertId()
}

const outboxCols = `id, session_id, op, payload, created_at, attempts, COALESCE(last_error, ''), status, next_attempt_at`

// ClaimNext atomically picks the oldest eligible pending item and marks it
// processing. Eligible means its backoff delay has elapsed and no earlier
// item for the same session is still unsettled — pending, processing, or
// parked in error awaiting user intervention. Items for one session replay
// strictly in enqueue order, one at a time. Sessions named in busy are
// skipped (their drain is already in flight this pass).
func (s *Store) ClaimNext(ctx context.Context, now time.Time, busy []string) (*OutboxItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT ` + outboxCols + ` FROM outbox o
		WHERE status = 'pending'
		  AND next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.session_id = o.session_id
			  AND (p.status = 'processing' OR (p.status IN ('pending', 'error') AND p.id < o.id))
		  )`
	args := []any{now.Unix()}
	for _, id := range busy {
		query += ` AND session_id != ?`
		args = append(args, id)
	}
	query += ` ORDER BY id LIMIT 1`

	item, err := scanOutbox(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = 'processing' WHERE id = ?`, item.ID); err != nil {
		return nil, fmt.Errorf("claiming outbox item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	item.Status = OutboxProcessing
	return item, nil
}

// MarkDone purges a successfully replayed item.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purging outbox item: %w", err)
	}
	return nil
}

// MarkRetry reverts a failed attempt to pending with an incremented attempt
// count and a not-before timestamp.
func (s *Store) MarkRetry(ctx context.Context, id int64, lastErr string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', attempts = attempts + 1,
			last_error = ?, next_attempt_at = ? WHERE id = ?
	`, lastErr, nextAttempt.Unix(), id)
	if err != nil {
		return fmt.Errorf("rescheduling outbox item: %w", err)
	}
	return nil
}

// MarkExhausted parks an item in the terminal error state. It stays visible
// until the user retries or discards it.
func (s *Store) MarkExhausted(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'error', attempts = attempts + 1, last_error = ? WHERE id = ?
	`, lastErr, id)
	if err != nil {
		return fmt.Errorf("marking outbox item exhausted: %w", err)
	}
	return nil
}

// RetryItem re-arms a terminal error item (user intervention).
func (s *Store) RetryItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', attempts = 0, next_attempt_at = 0
		WHERE id = ? AND status = 'error'
	`, id)
	if err != nil {
		return fmt.Errorf("retrying outbox item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardItem drops a terminal error item.
func (s *Store) DiscardItem(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND status = 'error'`, id)
	if err != nil {
		return fmt.Errorf("discarding outbox item: %w", err)
	}
	return nil
}

// ReleaseProcessing reverts stale processing claims, e.g. after a crash
// mid-drain. Called once on startup.
func (s *Store) ReleaseProcessing(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return fmt.Errorf("releasing stale outbox claims: %w", err)
	}
	return nil
}

// PendingCount counts items still waiting for remote confirmation,
// exhausted ones included.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status IN ('pending', 'processing', 'error')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting outbox items: %w", err)
	}
	return n, nil
}

// ExhaustedItems lists terminal error items for user decision.
func (s *Store) ExhaustedItems(ctx context.Context) ([]*OutboxItem, error) {
	return s.listOutbox(ctx, `SELECT `+outboxCols+` FROM outbox WHERE status = 'error' ORDER BY id`)
}

// OutboxForSession lists a session's unconfirmed items in enqueue order.
func (s *Store) OutboxForSession(ctx context.Context, sessionID string) ([]*OutboxItem, error) {
	return s.listOutbox(ctx,
		`SELECT `+outboxCols+` FROM outbox WHERE session_id = ? ORDER BY id`, sessionID)
}

func (s *Store) listOutbox(ctx context.Context, query string, args ...any) ([]*OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var items []*OutboxItem
	for rows.Next() {
		item, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOutbox(row rowScanner) (*OutboxItem, error) {
	var item OutboxItem
	var op, status string
	var createdAt, nextAt int64
	if err := row.Scan(&item.ID, &item.SessionID, &op, &item.Payload, &createdAt,
		&item.Attempts, &item.LastError, &status, &nextAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning outbox item: %w", err)
	}
	item.Op = Op(op)
	item.Status = OutboxStatus(status)
	item.CreatedAt = time.Unix(createdAt, 0)
	item.NextAttemptAt = time.Unix(nextAt, 0)
	return &item, nil
}
