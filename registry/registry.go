// Package registry is the session-facing service layer: it owns session
// lifecycle on top of the store and broadcasts change events so the UI and
// the sync machinery stay current without polling.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"minute/events"
	"minute/store"
)

type Registry struct {
	db  *store.Store
	hub *events.Hub
}

func New(db *store.Store, hub *events.Hub) *Registry {
	return &Registry{db: db, hub: hub}
}

// Create registers a new local session. The title defaults to a timestamped
// name when empty, matching what the backend would generate.
func (r *Registry) Create(ctx context.Context, title, scope string) (*store.Session, error) {
	if title == "" {
		title = "Recording " + time.Now().Format("2006-01-02 15:04")
	}
	if scope == "" {
		scope = "personal"
	}
	sess := &store.Session{
		ID:     uuid.NewString(),
		Title:  title,
		Scope:  scope,
		Status: store.StatusLocal,
	}
	if err := r.db.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	r.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: sess.ID})
	return sess, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	return r.db.GetSession(ctx, id)
}

func (r *Registry) List(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	return r.db.ListSessions(ctx, f)
}

// Rename applies the new title locally and, when the session already exists
// on the backend, records a sync intent in the same transaction.
func (r *Registry) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("registry: title must not be empty")
	}
	sess, err := r.db.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.db.RenameSession(ctx, id, title, needsIntent(sess)); err != nil {
		return err
	}
	r.notifyMutation(id)
	return nil
}

func (r *Registry) SetTags(ctx context.Context, id string, tags []string) error {
	sess, err := r.db.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.db.SetSessionTags(ctx, id, normalizeTags(tags), needsIntent(sess)); err != nil {
		return err
	}
	r.notifyMutation(id)
	return nil
}

// Delete removes the session locally (chunks cascade). When the backend
// knows the session, a delete intent is enqueued so it disappears there too.
func (r *Registry) Delete(ctx context.Context, id string) error {
	sess, err := r.db.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.db.DeleteSession(ctx, id, needsIntent(sess)); err != nil {
		return err
	}
	r.notifyMutation(id)
	return nil
}

// DeleteAudio drops the locally stored chunks but keeps the session row and
// its derived content. Useful once a recording is synced and transcribed.
func (r *Registry) DeleteAudio(ctx context.Context, id string) error {
	if _, err := r.db.GetSession(ctx, id); err != nil {
		return err
	}
	if err := r.db.DeleteChunks(ctx, id); err != nil {
		return err
	}
	r.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: id})
	return nil
}

// MarkQueued puts a finished recording on the upload path.
func (r *Registry) MarkQueued(ctx context.Context, id string) error {
	if err := r.db.UpdateStatus(ctx, id, store.StatusQueued); err != nil {
		return err
	}
	r.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: id})
	return nil
}

// RetryFailed re-queues a failed session for another upload attempt.
func (r *Registry) RetryFailed(ctx context.Context, id string) error {
	sess, err := r.db.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusFailed {
		return fmt.Errorf("registry: session %s is %s, only failed sessions retry", id, sess.Status)
	}
	return r.MarkQueued(ctx, id)
}

// PendingIntents reports how many local edits still await delivery.
func (r *Registry) PendingIntents(ctx context.Context) (int, error) {
	return r.db.PendingCount(ctx)
}

func (r *Registry) notifyMutation(id string) {
	r.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: id})
	r.hub.Publish(events.Event{Kind: events.OutboxChanged, SessionID: id})
}

// needsIntent reports whether the backend already knows this session, in
// which case local edits must be mirrored through the outbox.
func needsIntent(s *store.Session) bool {
	switch s.Status {
	case store.StatusUploading, store.StatusProcessing, store.StatusSynced:
		return true
	case store.StatusFailed:
		// A failed upload may still have created the remote record.
		return s.RemoteJobID != ""
	default:
		return false
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
