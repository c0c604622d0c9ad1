// Package capture runs a recording: it pulls PCM from the microphone and
// the system-audio loopback, cuts both into durable chunks and persists
// every chunk before acknowledging it anywhere else. Once PCM reached the
// store a crash can no longer lose it.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"minute/audio"
	"minute/encoder"
	"minute/events"
	"minute/log"
	"minute/store"
	"minute/uploader"
)

const (
	tickInterval = 100 * time.Millisecond

	defaultChunkInterval  = 30 * time.Second
	defaultStallFlush     = 5 * time.Second
	defaultAcquireTimeout = 3 * time.Second
	defaultStopTimeout    = 5 * time.Second
)

var ErrAlreadyRecording = errors.New("capture: a recording is already running")

type Engine struct {
	backend audio.Backend
	db      *store.Store
	up      *uploader.Uploader
	hub     *events.Hub

	chunkInterval  time.Duration
	stallFlush     time.Duration
	acquireTimeout time.Duration
	stopTimeout    time.Duration

	mu     sync.Mutex
	active *recording
}

func New(backend audio.Backend, db *store.Store, up *uploader.Uploader, hub *events.Hub) *Engine {
	return &Engine{
		backend:        backend,
		db:             db,
		up:             up,
		hub:            hub,
		chunkInterval:  defaultChunkInterval,
		stallFlush:     defaultStallFlush,
		acquireTimeout: defaultAcquireTimeout,
		stopTimeout:    defaultStopTimeout,
	}
}

// recorder owns one stream of one recording. Its buffer fills from the
// platform capture thread and drains on the engine's tick loop.
type recorder struct {
	stream string
	source audio.Source

	mu       sync.Mutex
	buf      bytes.Buffer
	idx      int
	total    int64 // bytes ever buffered, for duration
	lastData time.Time
	released bool
}

func (r *recorder) append(data []byte, _ uint32) {
	r.mu.Lock()
	r.buf.Write(data)
	r.total += int64(len(data))
	r.lastData = time.Now()
	r.mu.Unlock()
}

// take removes up to max buffered bytes and returns them with the chunk
// index they belong to. A zero max takes everything.
func (r *recorder) take(max int) ([]byte, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.buf.Len()
	if n == 0 {
		return nil, 0
	}
	if max > 0 && n > max {
		n = max
	}
	out := make([]byte, n)
	r.buf.Read(out)
	idx := r.idx
	r.idx++
	return out, idx
}

func (r *recorder) buffered() (int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len(), r.lastData
}

func (r *recorder) seconds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.total / int64(encoder.SampleRate*encoder.BitsPerSample/8))
}

type recording struct {
	sessionID string
	recorders []*recorder
	started   time.Time
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// Start opens both streams and begins chunking into the store. A nil
// device means the platform default microphone. When the platform has no
// system-audio loopback the recording degrades to microphone-only and the
// session is marked accordingly; a missing microphone is fatal.
func (e *Engine) Start(ctx context.Context, sessionID string, device *audio.DeviceInfo) (micOnly bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return false, ErrAlreadyRecording
	}

	cfg := audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels}

	mic, err := e.backend.Microphone(device, cfg)
	if err != nil {
		return false, fmt.Errorf("opening microphone: %w", err)
	}
	micRec := &recorder{stream: store.StreamMicrophone, source: mic}
	if err := e.acquire(micRec); err != nil {
		mic.Close()
		return false, fmt.Errorf("starting microphone: %w", err)
	}

	recorders := []*recorder{micRec}
	sys, sysErr := e.backend.SystemAudio(cfg)
	if sysErr == nil {
		sysRec := &recorder{stream: store.StreamSystem, source: sys}
		if err := e.acquire(sysRec); err != nil {
			sys.Close()
			sysErr = err
		} else {
			recorders = append(recorders, sysRec)
		}
	}
	if sysErr != nil {
		micOnly = true
		if err := e.db.SetMicOnly(ctx, sessionID, true); err != nil {
			log.Errorf("marking session %s mic-only: %v", sessionID, err)
		}
		e.hub.Publish(events.Event{
			Kind:      events.CaptureWarning,
			SessionID: sessionID,
			Detail:    "system audio unavailable, recording microphone only",
		})
		log.Warnf("recording %s without system audio: %v", sessionID, sysErr)
	}

	rec := &recording{
		sessionID: sessionID,
		recorders: recorders,
		started:   time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.active = rec
	go e.run(rec)
	e.hub.Publish(events.Event{Kind: events.RecordingStarted, SessionID: sessionID})
	return micOnly, nil
}

// acquire starts a source, bounded: a wedged device driver must not hang
// the whole recording start.
func (e *Engine) acquire(r *recorder) error {
	r.source.SetCallback(r.append)
	errc := make(chan error, 1)
	go func() { errc <- r.source.Start() }()
	select {
	case err := <-errc:
		if err != nil {
			r.source.ClearCallback()
		}
		return err
	case <-time.After(e.acquireTimeout):
		r.source.ClearCallback()
		return fmt.Errorf("%s acquisition timed out after %v", r.stream, e.acquireTimeout)
	}
}

// run is the tick loop: cut full chunks, flush stalled partials, report
// elapsed time.
func (e *Engine) run(rec *recording) {
	defer close(rec.done)
	chunkBytes := int(e.chunkInterval.Seconds() * float64(encoder.SampleRate*encoder.BitsPerSample/8))
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastTickSecond := -1
	for {
		select {
		case <-rec.stop:
			return
		case <-ticker.C:
		}

		for _, r := range rec.recorders {
			buffered, lastData := r.buffered()
			switch {
			case buffered >= chunkBytes:
				e.flush(rec.sessionID, r, chunkBytes)
			case buffered > 0 && time.Since(lastData) >= e.stallFlush:
				// The platform stopped delivering. Persist what we have so
				// only the stall window is at risk, and say so.
				e.flush(rec.sessionID, r, 0)
				e.hub.Publish(events.Event{
					Kind:      events.CaptureWarning,
					SessionID: rec.sessionID,
					Detail:    r.stream + " stream stalled",
				})
				log.CaptureIntegrity(rec.sessionID, r.stream, "stream stalled, partial chunk flushed")
			}
		}

		if sec := int(time.Since(rec.started).Seconds()); sec != lastTickSecond {
			lastTickSecond = sec
			e.hub.Publish(events.Event{
				Kind:      events.RecordingTick,
				SessionID: rec.sessionID,
				Seconds:   float64(sec),
			})
		}
	}
}

// flush compresses and persists one chunk. Persistence gets one retry;
// after that the chunk is lost and the loss is logged loudly. Only after
// the store accepted the chunk is it offered to the streaming uploader.
func (e *Engine) flush(sessionID string, r *recorder, max int) {
	pcm, idx := r.take(max)
	if len(pcm) == 0 {
		return
	}
	payload, compressed := encoder.Compress(pcm)

	chunk := &store.Chunk{
		SessionID:  sessionID,
		Stream:     r.stream,
		Index:      idx,
		Payload:    payload,
		Compressed: compressed,
	}
	err := e.db.AppendChunk(context.Background(), chunk)
	if err != nil {
		err = e.db.AppendChunk(context.Background(), chunk)
	}
	if err != nil {
		log.CaptureIntegrity(sessionID, r.stream, fmt.Sprintf("chunk %d lost: %v", idx, err))
		e.hub.Publish(events.Event{
			Kind:      events.CaptureWarning,
			SessionID: sessionID,
			Detail:    fmt.Sprintf("failed to persist %s chunk %d", r.stream, idx),
		})
		return
	}
	log.Chunk(sessionID, r.stream, idx, float64(len(pcm))/1024, float64(len(payload))/1024, compressed)
	if e.up != nil {
		e.up.Enqueue(sessionID, r.stream, idx, payload, compressed)
	}
}

// Stop ends the active recording: final partial chunks are flushed, the
// session duration is recorded and the session is ready for upload.
// Sources release independently, each within a bounded wait, so one wedged
// driver cannot leak the other. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	rec := e.active
	e.active = nil
	e.mu.Unlock()
	if rec == nil {
		return nil
	}

	rec.stopOnce.Do(func() { close(rec.stop) })
	<-rec.done

	var wg sync.WaitGroup
	for _, r := range rec.recorders {
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			e.release(rec.sessionID, r)
		}(r)
	}
	wg.Wait()

	seconds := 0
	for _, r := range rec.recorders {
		e.flush(rec.sessionID, r, 0)
		if s := r.seconds(); s > seconds {
			seconds = s
		}
	}
	if err := e.db.SetDuration(ctx, rec.sessionID, seconds); err != nil {
		log.Errorf("recording duration for %s: %v", rec.sessionID, err)
	}

	e.hub.Publish(events.Event{Kind: events.RecordingStopped, SessionID: rec.sessionID, Seconds: float64(seconds)})
	e.hub.Publish(events.Event{Kind: events.SessionsChanged, SessionID: rec.sessionID})
	return nil
}

// release stops one source within the stop bound. On timeout the source is
// abandoned rather than waited on forever.
func (e *Engine) release(sessionID string, r *recorder) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	r.source.ClearCallback()
	stopped := make(chan struct{})
	go func() {
		r.source.Stop()
		r.source.Close()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(e.stopTimeout):
		log.CaptureIntegrity(sessionID, r.stream, "source did not stop in time, abandoned")
		e.hub.Publish(events.Event{
			Kind:      events.CaptureWarning,
			SessionID: sessionID,
			Detail:    r.stream + " source did not release cleanly",
		})
	}
}

// Recording reports the active session id, empty when idle.
func (e *Engine) Recording() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.sessionID
}
