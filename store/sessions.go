package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusLocal      Status = "local"
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusLocal:      0,
	StatusQueued:     1,
	StatusUploading:  2,
	StatusProcessing: 3,
	StatusSynced:     4,
}

var ErrInvalidTransition = errors.New("store: invalid status transition")

// CanTransition enforces forward-only movement along
// local → queued → uploading → processing → synced. `failed` is reachable
// from any non-terminal state and retryable back to `queued`.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusFailed {
		return from != StatusSynced
	}
	if from == StatusFailed {
		return to == StatusQueued
	}
	fr, okFrom := statusRank[from]
	tr, okTo := statusRank[to]
	return okFrom && okTo && tr > fr
}

type Session struct {
	ID          string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DurationS   int
	Status      Status
	Tags        []string
	Scope       string // "personal" or "workspace:<id>"
	Transcript  string // empty until processed remotely
	Summary     string
	MicOnly     bool
	RemoteJobID string
}

// Filter narrows ListSessions. Zero values match everything.
type Filter struct {
	Query  string // free text against title, transcript, summary
	Tag    string
	Scope  string
	Status Status
}

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusLocal
	}
	if sess.Scope == "" {
		sess.Scope = "personal"
	}
	tags, err := json.Marshal(sess.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at, duration_s, status, tags, scope, transcript, summary, mic_only, remote_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Title, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(), sess.DurationS,
		string(sess.Status), string(tags), sess.Scope,
		nullable(sess.Transcript), nullable(sess.Summary), boolInt(sess.MicOnly), sess.RemoteJobID)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const sessionCols = `id, title, created_at, updated_at, duration_s, status, tags, scope, transcript, summary, mic_only, remote_job_id`

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, f Filter) ([]*Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions`
	var where []string
	var args []any
	if f.Query != "" {
		like := "%" + f.Query + "%"
		where = append(where, `(title LIKE ? OR transcript LIKE ? OR summary LIKE ?)`)
		args = append(args, like, like, like)
	}
	if f.Tag != "" {
		// Tags are stored as a JSON array of strings.
		where = append(where, `tags LIKE ?`)
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if f.Scope != "" {
		where = append(where, `scope = ?`)
		args = append(args, f.Scope)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateStatus moves a session along the lifecycle, rejecting backward
// transitions.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reading status: %w", err)
	}
	if !CanTransition(Status(cur), to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return tx.Commit()
}

// SetDuration records the final recording length at stop time.
func (s *Store) SetDuration(ctx context.Context, id string, seconds int) error {
	return s.touch(ctx, id, `duration_s = ?`, seconds)
}

func (s *Store) SetMicOnly(ctx context.Context, id string, micOnly bool) error {
	return s.touch(ctx, id, `mic_only = ?`, boolInt(micOnly))
}

func (s *Store) SetRemoteJob(ctx context.Context, id, jobID string) error {
	return s.touch(ctx, id, `remote_job_id = ?`, jobID)
}

// SetDerived fills transcript/summary fetched from the remote.
func (s *Store) SetDerived(ctx context.Context, id, transcript, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET transcript = ?, summary = ?, updated_at = ? WHERE id = ?`,
		nullable(transcript), nullable(summary), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating derived content: %w", err)
	}
	return nil
}

// RenameSession applies the optimistic local rename and, when withIntent,
// records the outbox item in the same transaction so a crash right after
// the user action still leaves durable intent.
func (s *Store) RenameSession(ctx context.Context, id, title string, withIntent bool) (int64, error) {
	return s.mutateWithIntent(ctx, id, withIntent, OpRename,
		renamePayload{Title: title},
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().Unix(), id)
}

// SetSessionTags replaces the tag set, optionally with durable intent.
func (s *Store) SetSessionTags(ctx context.Context, id string, tags []string, withIntent bool) (int64, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}
	return s.mutateWithIntent(ctx, id, withIntent, OpUpdateTags,
		tagsPayload{Tags: tags},
		`UPDATE sessions SET tags = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().Unix(), id)
}

// DeleteSession removes the session and (via cascade) its chunks. Local
// delete is always allowed; remote delete travels through the outbox.
func (s *Store) DeleteSession(ctx context.Context, id string, withIntent bool) (int64, error) {
	return s.mutateWithIntent(ctx, id, withIntent, OpDelete,
		struct{}{},
		`DELETE FROM sessions WHERE id = ?`, id)
}

func (s *Store) mutateWithIntent(ctx context.Context, id string, withIntent bool, op Op, payload any, query string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("applying local mutation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var itemID int64
	if withIntent {
		itemID, err = enqueueTx(ctx, tx, id, op, payload)
		if err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return itemID, nil
}

// UpsertFromRemote merges one remote session into the registry. It reports
// false without touching the row when an unconfirmed outbox item targets the
// session: pending local intent always outranks remote state.
func (s *Store) UpsertFromRemote(ctx context.Context, sess *Session) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE session_id = ? AND status IN ('pending', 'processing', 'error')`,
		sess.ID).Scan(&active); err != nil {
		return false, fmt.Errorf("checking pending intent: %w", err)
	}
	if active > 0 {
		return false, nil
	}

	tags, err := json.Marshal(sess.Tags)
	if err != nil {
		return false, fmt.Errorf("encoding tags: %w", err)
	}
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at, duration_s, status, tags, scope, transcript, summary, mic_only, remote_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			duration_s = excluded.duration_s,
			status = excluded.status,
			tags = excluded.tags,
			scope = excluded.scope,
			transcript = COALESCE(excluded.transcript, transcript),
			summary = COALESCE(excluded.summary, summary)
	`, sess.ID, sess.Title, sess.CreatedAt.Unix(), now, sess.DurationS,
		string(sess.Status), string(tags), sess.Scope,
		nullable(sess.Transcript), nullable(sess.Summary))
	if err != nil {
		return false, fmt.Errorf("upserting remote session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) touch(ctx context.Context, id, set string, val any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`, val, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdAt, updatedAt int64
	var status, tags string
	var transcript, summary sql.NullString
	var micOnly int
	if err := row.Scan(&sess.ID, &sess.Title, &createdAt, &updatedAt, &sess.DurationS,
		&status, &tags, &sess.Scope, &transcript, &summary, &micOnly, &sess.RemoteJobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(tags), &sess.Tags); err != nil {
		sess.Tags = nil
	}
	sess.Transcript = transcript.String
	sess.Summary = summary.String
	sess.MicOnly = micOnly != 0
	return &sess, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
