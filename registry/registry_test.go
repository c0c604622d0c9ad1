package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"minute/events"
	"minute/store"
)

func newTest(t *testing.T) (*Registry, *store.Store, *events.Hub) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "minute.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	hub := events.NewHub()
	return New(db, hub), db, hub
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreateDefaults(t *testing.T) {
	reg, _, _ := newTest(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("missing id")
	}
	if sess.Title == "" {
		t.Fatal("empty title should default")
	}
	if sess.Scope != "personal" {
		t.Fatalf("scope = %q", sess.Scope)
	}
	if sess.Status != store.StatusLocal {
		t.Fatalf("status = %q", sess.Status)
	}
}

func TestLocalMutationSkipsOutbox(t *testing.T) {
	reg, db, _ := newTest(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "Local only", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Rename(ctx, sess.ID, "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	items, err := db.OutboxForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("local-only session enqueued %d intents", len(items))
	}
	got, _ := db.GetSession(ctx, sess.ID)
	if got.Title != "Renamed" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestSyncedMutationEnqueuesIntent(t *testing.T) {
	reg, db, _ := newTest(t)
	ctx := context.Background()

	sess, _ := reg.Create(ctx, "Synced", "")
	for _, st := range []store.Status{store.StatusQueued, store.StatusUploading, store.StatusProcessing, store.StatusSynced} {
		if err := db.UpdateStatus(ctx, sess.ID, st); err != nil {
			t.Fatalf("to %s: %v", st, err)
		}
	}

	if err := reg.Rename(ctx, sess.ID, "After sync"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := reg.SetTags(ctx, sess.ID, []string{" Planning ", "planning", "1:1"}); err != nil {
		t.Fatalf("tags: %v", err)
	}

	items, err := db.OutboxForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d intents, want 2", len(items))
	}
	if items[0].Op != store.OpRename || items[1].Op != store.OpUpdateTags {
		t.Fatalf("ops = %s, %s", items[0].Op, items[1].Op)
	}
	tags, _ := items[1].Tags()
	if len(tags) != 2 || tags[0] != "planning" || tags[1] != "1:1" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestRenameRejectsEmptyTitle(t *testing.T) {
	reg, _, _ := newTest(t)
	ctx := context.Background()
	sess, _ := reg.Create(ctx, "Keep", "")
	if err := reg.Rename(ctx, sess.ID, "   "); err == nil {
		t.Fatal("blank title accepted")
	}
}

func TestDeleteAudioKeepsSession(t *testing.T) {
	reg, db, _ := newTest(t)
	ctx := context.Background()

	sess, _ := reg.Create(ctx, "With audio", "")
	err := db.AppendChunk(ctx, &store.Chunk{SessionID: sess.ID, Stream: store.StreamMicrophone, Index: 0, Payload: []byte{1, 2}})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}

	if err := reg.DeleteAudio(ctx, sess.ID); err != nil {
		t.Fatalf("delete audio: %v", err)
	}
	counts, _ := db.ChunkCounts(ctx, sess.ID)
	if len(counts) != 0 {
		t.Fatalf("chunks remain: %v", counts)
	}
	if _, err := db.GetSession(ctx, sess.ID); err != nil {
		t.Fatalf("session lost: %v", err)
	}
}

func TestRetryFailedOnly(t *testing.T) {
	reg, db, _ := newTest(t)
	ctx := context.Background()

	sess, _ := reg.Create(ctx, "Flaky", "")
	if err := reg.RetryFailed(ctx, sess.ID); err == nil {
		t.Fatal("retry of non-failed session accepted")
	}

	db.UpdateStatus(ctx, sess.ID, store.StatusQueued)
	db.UpdateStatus(ctx, sess.ID, store.StatusFailed)
	if err := reg.RetryFailed(ctx, sess.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := db.GetSession(ctx, sess.ID)
	if got.Status != store.StatusQueued {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestMutationPublishesEvents(t *testing.T) {
	reg, _, hub := newTest(t)
	ctx := context.Background()

	sess, _ := reg.Create(ctx, "Watched", "")
	ch, cancel := hub.Subscribe()
	defer cancel()

	if err := reg.Rename(ctx, sess.ID, "Watched v2"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	evs := drain(ch)
	var sawSessions, sawOutbox bool
	for _, ev := range evs {
		switch ev.Kind {
		case events.SessionsChanged:
			sawSessions = true
		case events.OutboxChanged:
			sawOutbox = true
		}
	}
	if !sawSessions || !sawOutbox {
		t.Fatalf("events = %+v", evs)
	}
}

func TestDeleteMissingSession(t *testing.T) {
	reg, _, _ := newTest(t)
	if err := reg.Delete(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
