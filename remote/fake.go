package remote

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests: scripted sessions, injectable
// failures and a call log to assert ordering against.
type Fake struct {
	mu       sync.Mutex
	Sessions map[string]*SessionDetail
	Jobs     map[string]*JobState
	TagList  []string

	// FailNext makes the next n calls fail with Err (default: a 500).
	FailNext int
	// FailOps restricts injected failures to specific ops ("rename", ...).
	FailOps map[string]bool
	Err     error

	Calls []string // "op:sessionID" in invocation order
	jobSeq int
}

func NewFake() *Fake {
	return &Fake{
		Sessions: make(map[string]*SessionDetail),
		Jobs:     make(map[string]*JobState),
	}
}

func (f *Fake) record(op, id string) error {
	f.Calls = append(f.Calls, op+":"+id)
	if f.FailNext > 0 && (f.FailOps == nil || f.FailOps[op]) {
		f.FailNext--
		if f.Err != nil {
			return f.Err
		}
		return &APIError{Status: 500, Body: "injected failure"}
	}
	return nil
}

// CallLog returns a copy of the calls seen so far.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func (f *Fake) ListSessions(_ context.Context, scope string) ([]RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", ""); err != nil {
		return nil, err
	}
	var out []RemoteSession
	for _, s := range f.Sessions {
		if scope != "" && s.Scope != scope {
			continue
		}
		rs := s.RemoteSession
		rs.HasTranscript = s.Transcript != ""
		rs.HasSummary = s.Summary != ""
		out = append(out, rs)
	}
	return out, nil
}

func (f *Fake) GetSession(_ context.Context, id string) (*SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get", id); err != nil {
		return nil, err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *s
	return &copy, nil
}

func (f *Fake) Rename(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("rename", id); err != nil {
		return err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Title = title
	return nil
}

func (f *Fake) UpdateTags(_ context.Context, id string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("tags", id); err != nil {
		return err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Tags = tags
	return nil
}

func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", id); err != nil {
		return err
	}
	delete(f.Sessions, id)
	return nil
}

func (f *Fake) CreateSession(_ context.Context, req CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", req.ID); err != nil {
		return "", err
	}
	f.Sessions[req.ID] = &SessionDetail{RemoteSession: RemoteSession{
		ID: req.ID, Title: req.Title, Tags: req.Tags, Scope: req.Scope,
	}}
	return f.newJob(), nil
}

func (f *Fake) UploadRecording(_ context.Context, id string, streams map[string][]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("upload", id); err != nil {
		return "", err
	}
	return f.newJob(), nil
}

func (f *Fake) UploadChunk(_ context.Context, id, stream string, idx int, _ []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("chunk", fmt.Sprintf("%s/%s/%d", id, stream, idx))
}

func (f *Fake) JobStatus(_ context.Context, jobID string) (*JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("job", jobID); err != nil {
		return nil, err
	}
	j, ok := f.Jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *j
	return &copy, nil
}

func (f *Fake) ListTags(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listtags", ""); err != nil {
		return nil, err
	}
	return f.TagList, nil
}

func (f *Fake) newJob() string {
	f.jobSeq++
	id := fmt.Sprintf("job-%d", f.jobSeq)
	f.Jobs[id] = &JobState{Phase: JobQueued}
	return id
}
