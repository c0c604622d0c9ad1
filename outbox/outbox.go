// Package outbox delivers locally recorded edit intents (rename, tag
// update, delete) to the backend. Delivery is at-least-once with capped
// exponential backoff; per-session ordering is guaranteed by the store's
// claim query, so a rename never lands after the delete that follows it.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"minute/backoff"
	"minute/events"
	"minute/log"
	"minute/remote"
	"minute/store"
)

const (
	defaultMaxAttempts = 8
	defaultBase        = 2 * time.Second
	defaultCap         = 5 * time.Minute
	drainWorkers       = 4
)

type Processor struct {
	db     *store.Store
	client remote.Client
	hub    *events.Hub

	policy      backoff.Policy
	maxAttempts int
	now         func() time.Time
}

func New(db *store.Store, client remote.Client, hub *events.Hub) *Processor {
	return &Processor{
		db:          db,
		client:      client,
		hub:         hub,
		policy:      backoff.Policy{Base: defaultBase, Cap: defaultCap},
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// ReleaseStale returns items stuck in processing (a previous run crashed
// mid-delivery) to pending. Call once at startup before the first drain.
func (p *Processor) ReleaseStale(ctx context.Context) error {
	return p.db.ReleaseProcessing(ctx)
}

// Drain delivers every currently eligible intent and returns how many were
// completed. Items whose backoff window has not elapsed are left alone.
// Sessions listed in busy (an upload in flight) are skipped this pass.
// Different sessions drain concurrently; within a session order is FIFO.
func (p *Processor) Drain(ctx context.Context, busy []string) (int, error) {
	var total int
	for {
		var (
			mu      sync.Mutex
			done    int
			claimed int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(drainWorkers)

		for {
			item, err := p.db.ClaimNext(ctx, p.now(), busy)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				g.Wait()
				return total + done, fmt.Errorf("claiming outbox item: %w", err)
			}
			// Claiming marked the item processing, which blocks further
			// claims for the same session until this one settles.
			claimed++
			g.Go(func() error {
				if p.process(gctx, item) {
					mu.Lock()
					done++
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
		total += done

		// A completed item unblocks the next one queued behind it for the
		// same session; claim again until a round comes up empty. Failed
		// items land in backoff or error, so every round shrinks the
		// eligible set and the loop terminates.
		if claimed == 0 {
			break
		}
	}
	if total > 0 {
		p.hub.Publish(events.Event{Kind: events.OutboxChanged})
	}
	return total, nil
}

// process attempts delivery of one claimed item and settles it: done,
// retry later, or exhausted. Reports whether the item completed.
func (p *Processor) process(ctx context.Context, item *store.OutboxItem) bool {
	err := p.deliver(ctx, item)
	log.OutboxAttempt(item.ID, item.SessionID, string(item.Op), item.Attempts+1, err)

	if err == nil {
		if err := p.db.MarkDone(ctx, item.ID); err != nil {
			log.Errorf("completing outbox item %d: %v", item.ID, err)
			return false
		}
		return true
	}

	// A deleted remote session makes a local delete intent moot.
	if errors.Is(err, remote.ErrNotFound) && item.Op == store.OpDelete {
		if err := p.db.MarkDone(ctx, item.ID); err != nil {
			log.Errorf("completing outbox item %d: %v", item.ID, err)
			return false
		}
		return true
	}

	attempts := item.Attempts + 1
	if !remote.IsTemporary(err) || attempts >= p.maxAttempts {
		p.exhaust(ctx, item, attempts, err)
		return false
	}
	next := p.now().Add(p.policy.Delay(item.Attempts))
	if err := p.db.MarkRetry(ctx, item.ID, err.Error(), next); err != nil {
		log.Errorf("scheduling retry for outbox item %d: %v", item.ID, err)
	}
	return false
}

func (p *Processor) deliver(ctx context.Context, item *store.OutboxItem) error {
	switch item.Op {
	case store.OpRename:
		title, err := item.Title()
		if err != nil {
			return err
		}
		return p.client.Rename(ctx, item.SessionID, title)
	case store.OpUpdateTags:
		tags, err := item.Tags()
		if err != nil {
			return err
		}
		return p.client.UpdateTags(ctx, item.SessionID, tags)
	case store.OpDelete:
		return p.client.Delete(ctx, item.SessionID)
	default:
		return fmt.Errorf("unknown outbox op %q", item.Op)
	}
}

func (p *Processor) exhaust(ctx context.Context, item *store.OutboxItem, attempts int, cause error) {
	if err := p.db.MarkExhausted(ctx, item.ID, cause.Error()); err != nil {
		log.Errorf("marking outbox item %d exhausted: %v", item.ID, err)
		return
	}
	log.OutboxExhausted(item.ID, item.SessionID, string(item.Op), attempts)
	p.hub.Publish(events.Event{
		Kind:      events.OutboxExhausted,
		SessionID: item.SessionID,
		Detail:    cause.Error(),
	})
}

// Retry returns an exhausted item to the pending queue for manual recovery.
func (p *Processor) Retry(ctx context.Context, id int64) error {
	if err := p.db.RetryItem(ctx, id); err != nil {
		return err
	}
	p.hub.Publish(events.Event{Kind: events.OutboxChanged})
	return nil
}

// Discard drops an exhausted item, abandoning the local edit remotely.
func (p *Processor) Discard(ctx context.Context, id int64) error {
	if err := p.db.DiscardItem(ctx, id); err != nil {
		return err
	}
	p.hub.Publish(events.Event{Kind: events.OutboxChanged})
	return nil
}
