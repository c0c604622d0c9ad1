// Package syncer moves local state to the backend and remote state into
// the local cache. A sync pass uploads queued recordings, drains the edit
// outbox, polls processing jobs and refreshes the remote cache. Passes are
// single-flight: triggers during a pass coalesce into exactly one
// follow-up pass.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"minute/backoff"
	"minute/events"
	"minute/log"
	"minute/outbox"
	"minute/remote"
	"minute/store"
)

const (
	defaultInterval = 60 * time.Second

	refreshBase = 10 * time.Second
	refreshCap  = 10 * time.Minute
)

type Syncer struct {
	db     *store.Store
	client remote.Client
	box    *outbox.Processor
	hub    *events.Hub
	scope  string

	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	rerun   bool

	trigger chan struct{}

	// refresh backoff state, separate from the outbox's per-item backoff:
	// a down backend should not hammer ListSessions every pass.
	refreshFails int
	refreshNext  time.Time
	refreshOff   backoff.Policy

	tagMu sync.Mutex
	tags  []string
}

func New(db *store.Store, client remote.Client, box *outbox.Processor, hub *events.Hub, scope string) *Syncer {
	return &Syncer{
		db:         db,
		client:     client,
		box:        box,
		hub:        hub,
		scope:      scope,
		interval:   defaultInterval,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		refreshOff: backoff.Policy{Base: refreshBase, Cap: refreshCap},
	}
}

// Start runs the periodic loop until ctx is canceled. An immediate first
// pass picks up whatever the previous run left behind.
func (s *Syncer) Start(ctx context.Context) {
	s.Sync(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx)
		case <-s.trigger:
			s.Sync(ctx)
		}
	}
}

// SyncNow requests a pass from outside the loop (UI keybind, recording
// stop). Non-blocking.
func (s *Syncer) SyncNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Sync executes one pass. When a pass is already running it only marks a
// follow-up: however many triggers arrive mid-pass, one more pass runs.
func (s *Syncer) Sync(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.pass(ctx)

		s.mu.Lock()
		if !s.rerun || ctx.Err() != nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.rerun = false
		s.mu.Unlock()
	}
}

func (s *Syncer) pass(ctx context.Context) {
	started := time.Now()
	s.hub.Publish(events.Event{Kind: events.SyncStarted})

	uploaded, uploading, upErr := s.uploadQueued(ctx)

	drained, drainErr := s.box.Drain(ctx, uploading)

	pollErr := s.pollJobs(ctx)

	refreshed, refreshErr := s.refresh(ctx)

	err := errors.Join(upErr, drainErr, pollErr, refreshErr)
	log.SyncPass(uploaded, drained, refreshed, float64(time.Since(started).Milliseconds()), err)

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	pending, _ := s.db.PendingCount(ctx)
	s.hub.Publish(events.Event{Kind: events.SyncFinished, Detail: detail, Pending: pending})
	if uploaded > 0 || refreshed > 0 {
		s.hub.Publish(events.Event{Kind: events.SessionsChanged})
	}
}

// uploadQueued pushes every queued recording to the backend. Returns how
// many uploads completed and which sessions were touched (the outbox skips
// those this pass so an edit cannot race its own upload).
func (s *Syncer) uploadQueued(ctx context.Context) (int, []string, error) {
	queued, err := s.db.ListSessions(ctx, store.Filter{Status: store.StatusQueued})
	if err != nil {
		return 0, nil, fmt.Errorf("listing queued sessions: %w", err)
	}

	var (
		uploaded int
		touched  []string
		errs     []error
	)
	for _, sess := range queued {
		touched = append(touched, sess.ID)
		if err := s.uploadOne(ctx, sess); err != nil {
			errs = append(errs, fmt.Errorf("uploading %s: %w", sess.ID, err))
			continue
		}
		uploaded++
	}
	return uploaded, touched, errors.Join(errs...)
}

func (s *Syncer) uploadOne(ctx context.Context, sess *store.Session) error {
	if err := s.db.UpdateStatus(ctx, sess.ID, store.StatusUploading); err != nil {
		return err
	}
	fail := func(cause error) error {
		if err := s.db.UpdateStatus(ctx, sess.ID, store.StatusFailed); err != nil {
			log.Errorf("marking %s failed: %v", sess.ID, err)
		}
		s.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: sess.ID})
		return cause
	}

	streams, err := s.db.AssembleChunks(ctx, sess.ID)
	if err != nil {
		// Corrupt chunk sequences never upload silently-truncated audio.
		return fail(err)
	}
	if len(streams) == 0 {
		return fail(errors.New("no recorded audio"))
	}

	if sess.RemoteJobID == "" {
		if _, err := s.client.CreateSession(ctx, remote.CreateRequest{
			ID:    sess.ID,
			Title: sess.Title,
			Tags:  sess.Tags,
			Scope: sess.Scope,
		}); err != nil && !isConflict(err) {
			return fail(err)
		}
	}

	jobID, err := s.client.UploadRecording(ctx, sess.ID, streams)
	if err != nil {
		return fail(err)
	}
	if err := s.db.SetRemoteJob(ctx, sess.ID, jobID); err != nil {
		return fail(err)
	}
	if err := s.db.UpdateStatus(ctx, sess.ID, store.StatusProcessing); err != nil {
		return err
	}
	s.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: sess.ID})
	return nil
}

// isConflict: the remote session already exists, e.g. a retried upload
// whose create landed the first time.
func isConflict(err error) bool {
	var apiErr *remote.APIError
	return errors.As(err, &apiErr) && apiErr.Status == 409
}

// pollJobs checks processing sessions against their backend job and pulls
// derived content in when done.
func (s *Syncer) pollJobs(ctx context.Context) error {
	processing, err := s.db.ListSessions(ctx, store.Filter{Status: store.StatusProcessing})
	if err != nil {
		return fmt.Errorf("listing processing sessions: %w", err)
	}

	var errs []error
	for _, sess := range processing {
		if sess.RemoteJobID == "" {
			continue
		}
		state, err := s.client.JobStatus(ctx, sess.RemoteJobID)
		if err != nil {
			if !remote.IsTemporary(err) {
				errs = append(errs, s.failSession(ctx, sess.ID, err))
			}
			continue
		}
		switch state.Phase {
		case remote.JobDone:
			if err := s.db.SetDerived(ctx, sess.ID, state.Transcript, state.Summary); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := s.db.UpdateStatus(ctx, sess.ID, store.StatusSynced); err != nil {
				errs = append(errs, err)
				continue
			}
			s.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: sess.ID})
		case remote.JobError:
			errs = append(errs, s.failSession(ctx, sess.ID, errors.New(state.Error)))
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) failSession(ctx context.Context, id string, cause error) error {
	if err := s.db.UpdateStatus(ctx, id, store.StatusFailed); err != nil {
		return err
	}
	s.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: id})
	return fmt.Errorf("session %s: %w", id, cause)
}

// Tags returns the cached remote tag list.
func (s *Syncer) Tags() []string {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}
