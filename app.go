package main

import (
	"context"
	"fmt"
	"time"

	"github.com/atotto/clipboard"

	"minute/audio"
	"minute/capture"
	"minute/events"
	"minute/log"
	"minute/outbox"
	"minute/registry"
	"minute/store"
	"minute/syncer"
)

// App ties the core together and is the surface the TUI calls into. Every
// method is safe from the Bubble Tea update loop.
type App struct {
	db       *store.Store
	registry *registry.Registry
	engine   *capture.Engine
	box      *outbox.Processor
	sync     *syncer.Syncer
	hub      *events.Hub

	scope  string
	device *audio.DeviceInfo
}

// ToggleRecording starts a new session or stops the running one. On stop
// the session is queued for upload and a sync pass is kicked off.
func (a *App) ToggleRecording(ctx context.Context) (string, error) {
	if id := a.engine.Recording(); id != "" {
		if err := a.engine.Stop(ctx); err != nil {
			return "", err
		}
		if err := a.registry.MarkQueued(ctx, id); err != nil {
			return "", err
		}
		a.sync.SyncNow()
		return "", nil
	}

	sess, err := a.registry.Create(ctx, "", a.scope)
	if err != nil {
		return "", err
	}
	if _, err := a.engine.Start(ctx, sess.ID, a.device); err != nil {
		// The empty session is useless without audio; take it back out.
		if derr := a.registry.Delete(ctx, sess.ID); derr != nil {
			log.Errorf("removing unstarted session %s: %v", sess.ID, derr)
		}
		return "", err
	}
	return sess.ID, nil
}

func (a *App) Recording() string {
	return a.engine.Recording()
}

func (a *App) Sessions(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	f.Scope = a.scope
	return a.registry.List(ctx, f)
}

func (a *App) Rename(ctx context.Context, id, title string) error {
	return a.registry.Rename(ctx, id, title)
}

func (a *App) SetTags(ctx context.Context, id string, tags []string) error {
	return a.registry.SetTags(ctx, id, tags)
}

func (a *App) Delete(ctx context.Context, id string) error {
	if a.engine.Recording() == id {
		return fmt.Errorf("session is recording, stop it first")
	}
	return a.registry.Delete(ctx, id)
}

func (a *App) DeleteAudio(ctx context.Context, id string) error {
	if a.engine.Recording() == id {
		return fmt.Errorf("session is recording, stop it first")
	}
	return a.registry.DeleteAudio(ctx, id)
}

func (a *App) RetryFailed(ctx context.Context, id string) error {
	if err := a.registry.RetryFailed(ctx, id); err != nil {
		return err
	}
	a.sync.SyncNow()
	return nil
}

// CopyTranscript puts a session's transcript on the system clipboard.
func (a *App) CopyTranscript(ctx context.Context, id string) error {
	sess, err := a.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Transcript == "" {
		return fmt.Errorf("no transcript yet")
	}
	return clipboard.WriteAll(sess.Transcript)
}

func (a *App) SyncNow() {
	a.sync.SyncNow()
}

func (a *App) PendingIntents(ctx context.Context) int {
	n, err := a.registry.PendingIntents(ctx)
	if err != nil {
		return 0
	}
	return n
}

func (a *App) ExhaustedIntents(ctx context.Context) []*store.OutboxItem {
	items, err := a.db.ExhaustedItems(ctx)
	if err != nil {
		return nil
	}
	return items
}

func (a *App) RetryIntent(ctx context.Context, id int64) error {
	if err := a.box.Retry(ctx, id); err != nil {
		return err
	}
	a.sync.SyncNow()
	return nil
}

func (a *App) DiscardIntent(ctx context.Context, id int64) error {
	return a.box.Discard(ctx, id)
}

func (a *App) KnownTags() []string {
	return a.sync.Tags()
}

// Shutdown stops a running recording so its audio reaches the store
// before the process exits.
func (a *App) Shutdown() {
	if id := a.engine.Recording(); id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.engine.Stop(ctx); err != nil {
			log.Errorf("stopping recording on shutdown: %v", err)
			return
		}
		if err := a.registry.MarkQueued(ctx, id); err != nil {
			log.Errorf("queueing %s on shutdown: %v", id, err)
		}
	}
}
