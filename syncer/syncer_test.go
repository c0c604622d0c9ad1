package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"minute/encoder"
	"minute/events"
	"minute/outbox"
	"minute/remote"
	"minute/store"
)

func newTest(t *testing.T) (*Syncer, *store.Store, *remote.Fake) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "minute.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fake := remote.NewFake()
	hub := events.NewHub()
	box := outbox.New(db, fake, hub)
	return New(db, fake, box, hub, ""), db, fake
}

// seedQueued creates a local session with recorded audio, ready to upload.
func seedQueued(t *testing.T, db *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := db.CreateSession(ctx, &store.Session{ID: id, Title: "Meeting", Status: store.StatusLocal}); err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := make([]byte, encoder.SampleRate*2)
	payload, compressed := encoder.Compress(pcm)
	err := db.AppendChunk(ctx, &store.Chunk{
		SessionID: id, Stream: store.StreamMicrophone, Index: 0,
		Payload: payload, Compressed: compressed,
	})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if err := db.UpdateStatus(ctx, id, store.StatusQueued); err != nil {
		t.Fatalf("queue: %v", err)
	}
}

func TestUploadQueuedSession(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()
	seedQueued(t, db, "s1")

	s.Sync(ctx)

	sess, err := db.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != store.StatusProcessing {
		t.Fatalf("status = %s", sess.Status)
	}
	if sess.RemoteJobID == "" {
		t.Fatal("no remote job recorded")
	}

	var sawCreate, sawUpload bool
	for _, c := range fake.CallLog() {
		switch c {
		case "create:s1":
			sawCreate = true
		case "upload:s1":
			sawUpload = true
		}
	}
	if !sawCreate || !sawUpload {
		t.Fatalf("calls = %v", fake.CallLog())
	}
}

func TestJobCompletionPromotesToSynced(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()
	seedQueued(t, db, "s1")

	s.Sync(ctx)
	sess, _ := db.GetSession(ctx, "s1")
	fake.Jobs[sess.RemoteJobID].Phase = remote.JobDone
	fake.Jobs[sess.RemoteJobID].Transcript = "hello world"
	fake.Jobs[sess.RemoteJobID].Summary = "greeting"

	s.Sync(ctx)

	sess, _ = db.GetSession(ctx, "s1")
	if sess.Status != store.StatusSynced {
		t.Fatalf("status = %s", sess.Status)
	}
	if sess.Transcript != "hello world" || sess.Summary != "greeting" {
		t.Fatalf("derived = %q / %q", sess.Transcript, sess.Summary)
	}
}

func TestJobErrorFailsSession(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()
	seedQueued(t, db, "s1")

	s.Sync(ctx)
	sess, _ := db.GetSession(ctx, "s1")
	fake.Jobs[sess.RemoteJobID].Phase = remote.JobError
	fake.Jobs[sess.RemoteJobID].Error = "transcription blew up"

	s.Sync(ctx)

	sess, _ = db.GetSession(ctx, "s1")
	if sess.Status != store.StatusFailed {
		t.Fatalf("status = %s", sess.Status)
	}
}

func TestFailedUploadRetries(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()
	seedQueued(t, db, "s1")

	fake.FailNext = 1
	fake.FailOps = map[string]bool{"upload": true}
	s.Sync(ctx)

	sess, _ := db.GetSession(ctx, "s1")
	if sess.Status != store.StatusFailed {
		t.Fatalf("status = %s", sess.Status)
	}

	// Manual retry path: failed goes back to queued, next pass succeeds.
	if err := db.UpdateStatus(ctx, "s1", store.StatusQueued); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	s.Sync(ctx)
	sess, _ = db.GetSession(ctx, "s1")
	if sess.Status != store.StatusProcessing {
		t.Fatalf("status after retry = %s", sess.Status)
	}
}

func TestRefreshCachesRemoteSessions(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()
	fake.Sessions["r1"] = &remote.SessionDetail{
		RemoteSession: remote.RemoteSession{ID: "r1", Title: "From elsewhere", Tags: []string{"shared"}},
		Transcript:    "remote words",
	}
	fake.TagList = []string{"shared", "weekly"}

	s.Sync(ctx)

	sess, err := db.GetSession(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != store.StatusSynced || sess.Title != "From elsewhere" {
		t.Fatalf("session = %+v", sess)
	}
	if sess.Transcript != "remote words" {
		t.Fatalf("transcript = %q, detail fill missed", sess.Transcript)
	}
	if tags := s.Tags(); len(tags) != 2 {
		t.Fatalf("tags = %v", tags)
	}
}

func TestRefreshRespectsFreshness(t *testing.T) {
	s, _, fake := newTest(t)
	ctx := context.Background()

	s.Sync(ctx)
	s.Sync(ctx)

	lists := 0
	for _, c := range fake.CallLog() {
		if c == "list:" {
			lists++
		}
	}
	if lists != 1 {
		t.Fatalf("remote list fetched %d times within freshness window", lists)
	}
}

func TestPendingIntentOutranksRemote(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()

	// A synced session with a local rename whose delivery is failing.
	seedQueued(t, db, "s1")
	db.UpdateStatus(ctx, "s1", store.StatusUploading)
	db.UpdateStatus(ctx, "s1", store.StatusProcessing)
	db.UpdateStatus(ctx, "s1", store.StatusSynced)
	if _, err := db.RenameSession(ctx, "s1", "Local title", true); err != nil {
		t.Fatalf("rename: %v", err)
	}
	fake.Sessions["s1"] = &remote.SessionDetail{
		RemoteSession: remote.RemoteSession{ID: "s1", Title: "Stale remote title"},
	}
	fake.FailNext = 1
	fake.FailOps = map[string]bool{"rename": true}

	s.Sync(ctx)

	sess, _ := db.GetSession(ctx, "s1")
	if sess.Title != "Local title" {
		t.Fatalf("title = %q, remote overwrote pending local edit", sess.Title)
	}
}

func TestRemoteDeletionMirrored(t *testing.T) {
	s, db, fake := newTest(t)
	ctx := context.Background()

	fake.Sessions["r1"] = &remote.SessionDetail{
		RemoteSession: remote.RemoteSession{ID: "r1", Title: "Doomed"},
	}
	s.Sync(ctx)
	if _, err := db.GetSession(ctx, "r1"); err != nil {
		t.Fatalf("session not cached: %v", err)
	}

	// Deleted from another device; force the next refresh past freshness.
	delete(fake.Sessions, "r1")
	s.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	db.TouchCache(ctx, store.CacheRemoteSessions, time.Now().Add(-time.Minute))

	s.Sync(ctx)
	if _, err := db.GetSession(ctx, "r1"); err == nil {
		t.Fatal("remotely deleted session still local")
	}
}

func TestRefreshBackoffAfterFailure(t *testing.T) {
	s, _, fake := newTest(t)
	ctx := context.Background()

	start := time.Now()
	s.now = func() time.Time { return start }
	fake.FailNext = 1
	fake.FailOps = map[string]bool{"list": true}

	s.Sync(ctx)
	s.Sync(ctx) // within backoff window, no second list

	lists := 0
	for _, c := range fake.CallLog() {
		if c == "list:" {
			lists++
		}
	}
	if lists != 1 {
		t.Fatalf("remote list fetched %d times during backoff", lists)
	}

	s.now = func() time.Time { return start.Add(11 * time.Second) }
	s.Sync(ctx)
	lists = 0
	for _, c := range fake.CallLog() {
		if c == "list:" {
			lists++
		}
	}
	if lists != 2 {
		t.Fatalf("remote list fetched %d times after backoff elapsed", lists)
	}
}

func TestSyncNowCoalesces(t *testing.T) {
	s, _, _ := newTest(t)
	s.SyncNow()
	s.SyncNow()
	s.SyncNow()
	select {
	case <-s.trigger:
	default:
		t.Fatal("no trigger queued")
	}
	select {
	case <-s.trigger:
		t.Fatal("triggers did not coalesce")
	default:
	}
}
