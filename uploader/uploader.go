// Package uploader streams chunks to the backend while a recording is
// still running, so the final upload after Stop has less to send. It is
// strictly best-effort: a dropped or failed chunk costs nothing, the
// post-recording upload resends the full assembled streams anyway.
package uploader

import (
	"context"
	"sync"
	"time"

	"minute/log"
	"minute/remote"
)

const (
	queueDepth    = 16
	chunkTimeout  = 15 * time.Second
	retryAttempts = 1
)

type job struct {
	sessionID  string
	stream     string
	index      int
	payload    []byte
	compressed bool
}

type Uploader struct {
	client  remote.Client
	jobs    chan job
	wg      sync.WaitGroup
	enabled bool

	mu      sync.Mutex
	dropped int
	closed  bool
}

// New starts the single upload worker. With enabled false every Enqueue is
// a no-op (the -nostream mode).
func New(client remote.Client, enabled bool) *Uploader {
	u := &Uploader{
		client:  client,
		jobs:    make(chan job, queueDepth),
		enabled: enabled,
	}
	if enabled {
		u.wg.Add(1)
		go u.run()
	}
	return u
}

// Enqueue hands a persisted chunk to the worker. Never blocks: when the
// queue is full the chunk is skipped and left for the final upload.
func (u *Uploader) Enqueue(sessionID, stream string, idx int, payload []byte, compressed bool) {
	if !u.enabled {
		return
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	select {
	case u.jobs <- job{sessionID, stream, idx, payload, compressed}:
	default:
		u.dropped++
	}
	u.mu.Unlock()
}

// Dropped reports how many chunks were skipped because the queue was full.
func (u *Uploader) Dropped() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dropped
}

// Close drains remaining queued chunks and stops the worker.
func (u *Uploader) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()
	close(u.jobs)
	u.wg.Wait()
}

func (u *Uploader) run() {
	defer u.wg.Done()
	for j := range u.jobs {
		u.send(j)
	}
}

func (u *Uploader) send(j job) {
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), chunkTimeout)
		err := u.client.UploadChunk(ctx, j.sessionID, j.stream, j.index, j.payload, j.compressed)
		cancel()
		if err == nil {
			return
		}
		if attempt == retryAttempts {
			log.Warnf("stream upload of %s/%s/%d failed, final upload will cover it: %v",
				j.sessionID, j.stream, j.index, err)
		}
	}
}
