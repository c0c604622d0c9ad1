// Package remote talks to the VPS backend. Everything here is best-effort
// from the app's point of view: the local store is the source of truth and
// callers convert failures into retries, never into lost local state.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type RemoteSession struct {
	ID            string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DurationS     int
	Tags          []string
	Scope         string
	HasTranscript bool
	HasSummary    bool
}

// SessionDetail is the full per-session fetch, derived content included.
type SessionDetail struct {
	RemoteSession
	Transcript string
	Summary    string
}

type CreateRequest struct {
	ID    string
	Title string
	Tags  []string
	Scope string
}

// Job phases reported by the backend's processing pipeline.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobError      = "error"
)

type JobState struct {
	Phase      string
	Transcript string
	Summary    string
	Error      string
}

type Client interface {
	ListSessions(ctx context.Context, scope string) ([]RemoteSession, error)
	GetSession(ctx context.Context, id string) (*SessionDetail, error)
	Rename(ctx context.Context, id, title string) error
	UpdateTags(ctx context.Context, id string, tags []string) error
	Delete(ctx context.Context, id string) error
	CreateSession(ctx context.Context, req CreateRequest) (jobID string, err error)
	UploadRecording(ctx context.Context, id string, streams map[string][]byte) (jobID string, err error)
	UploadChunk(ctx context.Context, id, stream string, idx int, payload []byte, compressed bool) error
	JobStatus(ctx context.Context, jobID string) (*JobState, error)
	ListTags(ctx context.Context) ([]string, error)
}

// APIError is a non-2xx backend response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Body)
}

// Temporary reports whether retrying later can succeed. Server trouble,
// timeouts and rate limits retry; other client errors do not.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 408 || e.Status == 429
}

var ErrNotFound = errors.New("remote: not found")
var ErrUnauthorized = errors.New("remote: unauthorized")
var ErrTooLarge = errors.New("remote: payload exceeds upload limit")

// IsTemporary classifies any error from a Client call. Network-level
// failures (backend unreachable) are always retryable.
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTooLarge) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything else that made it out of the transport (connection refused,
	// DNS failure, context timeout) is worth retrying.
	return err != nil
}
