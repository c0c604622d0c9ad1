package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"minute/log"
	"minute/remote"
	"minute/store"
)

const (
	cacheFreshFor = 5 * time.Minute
	detailWorkers = 3
)

// refresh reconciles the local cache with the backend: upsert the remote
// session list, fetch missing transcripts, mirror remote deletions and
// update the tag list. Skipped while the cache is fresh or while a failed
// backend is in its backoff window.
func (s *Syncer) refresh(ctx context.Context) (int, error) {
	if !s.refreshNext.IsZero() && s.now().Before(s.refreshNext) {
		return 0, nil
	}
	stale, err := s.db.CacheStale(ctx, store.CacheRemoteSessions, cacheFreshFor)
	if err != nil {
		return 0, err
	}
	if !stale {
		return 0, nil
	}

	applied, err := s.reconcileSessions(ctx)
	if err != nil {
		s.refreshFails++
		s.refreshNext = s.now().Add(s.refreshOff.Delay(s.refreshFails - 1))
		return applied, err
	}
	s.refreshFails = 0
	s.refreshNext = time.Time{}

	if err := s.refreshTags(ctx); err != nil {
		log.Warnf("refreshing tag list: %v", err)
	}
	if err := s.db.TouchCache(ctx, store.CacheRemoteSessions, time.Time{}); err != nil {
		log.Errorf("touching session cache: %v", err)
	}
	return applied, nil
}

func (s *Syncer) reconcileSessions(ctx context.Context) (int, error) {
	remotes, err := s.client.ListSessions(ctx, s.scope)
	if err != nil {
		return 0, fmt.Errorf("listing remote sessions: %w", err)
	}

	applied := 0
	seen := make(map[string]bool, len(remotes))
	var fill []remote.RemoteSession

	for _, rs := range remotes {
		seen[rs.ID] = true
		local, err := s.db.GetSession(ctx, rs.ID)
		switch {
		case err == nil && local.Status != store.StatusSynced:
			// Local upload still in flight; its own path will promote it.
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return applied, err
		}

		ok, err := s.db.UpsertFromRemote(ctx, &store.Session{
			ID:        rs.ID,
			Title:     rs.Title,
			CreatedAt: rs.CreatedAt,
			DurationS: rs.DurationS,
			Status:    store.StatusSynced,
			Tags:      rs.Tags,
			Scope:     rs.Scope,
		})
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			if rs.HasTranscript || rs.HasSummary {
				fill = append(fill, rs)
			}
		}
	}

	if err := s.fillMissingDetails(ctx, fill); err != nil {
		log.Warnf("filling session details: %v", err)
	}
	if err := s.dropRemotelyDeleted(ctx, seen); err != nil {
		return applied, err
	}
	return applied, nil
}

// fillMissingDetails fetches transcript and summary for sessions where the
// lightweight list said content exists but the local row has none yet.
// Bounded fan-out so a large backlog cannot flood the backend.
func (s *Syncer) fillMissingDetails(ctx context.Context, candidates []remote.RemoteSession) error {
	sem := semaphore.NewWeighted(detailWorkers)
	results := make(chan error, len(candidates))
	var errs []error
	for _, rs := range candidates {
		local, err := s.db.GetSession(ctx, rs.ID)
		if err != nil {
			continue
		}
		if local.Transcript != "" && local.Summary != "" {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(id string) {
			defer sem.Release(1)
			detail, err := s.client.GetSession(ctx, id)
			if err != nil {
				results <- fmt.Errorf("fetching %s: %w", id, err)
				return
			}
			if err := s.db.SetDerived(ctx, id, detail.Transcript, detail.Summary); err != nil {
				results <- err
				return
			}
			results <- nil
		}(rs.ID)
	}
	if err := sem.Acquire(ctx, detailWorkers); err != nil {
		return err
	}
	close(results)
	for err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dropRemotelyDeleted removes synced sessions the backend no longer lists,
// e.g. deleted from another device. Sessions with unconfirmed local intents
// stay: their delete or edit has not been spoken for yet.
func (s *Syncer) dropRemotelyDeleted(ctx context.Context, seen map[string]bool) error {
	locals, err := s.db.ListSessions(ctx, store.Filter{Scope: s.scope, Status: store.StatusSynced})
	if err != nil {
		return err
	}
	var errs []error
	for _, sess := range locals {
		if seen[sess.ID] {
			continue
		}
		items, err := s.db.OutboxForSession(ctx, sess.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(items) > 0 {
			continue
		}
		if _, err := s.db.DeleteSession(ctx, sess.ID, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) refreshTags(ctx context.Context) error {
	tags, err := s.client.ListTags(ctx)
	if err != nil {
		return err
	}
	s.tagMu.Lock()
	s.tags = tags
	s.tagMu.Unlock()
	return s.db.TouchCache(ctx, store.CacheRemoteTags, time.Time{})
}
