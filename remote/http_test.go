package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTP(Config{
		BaseURL:  srv.URL,
		Password: "secret",
		UserID:   "user-1",
	})
}

func TestRequestCarriesAuth(t *testing.T) {
	var gotUser, gotPass, gotUserID string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotUserID = r.Header.Get("X-User-Id")
		w.Write([]byte("[]"))
	})

	if _, err := client.ListSessions(context.Background(), ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotUser != "minute" || gotPass != "secret" {
		t.Fatalf("basic auth = %q/%q", gotUser, gotPass)
	}
	if gotUserID != "user-1" {
		t.Fatalf("X-User-Id = %q", gotUserID)
	}
}

func TestListSessionsScopeAndParsing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/meetings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("scope"); got != "team" {
			t.Errorf("scope = %q", got)
		}
		transcript := "words"
		json.NewEncoder(w).Encode([]meetingResponse{
			{ID: "a", Title: "Standup", CreatedAt: "2026-08-30T10:00:00Z", Duration: 120,
				Tags: []string{"daily"}, Scope: "team", Transcription: &transcript},
			{ID: "b", Title: "Untagged", CreatedAt: "2026-08-31T10:00:00Z"},
		})
	})

	sessions, err := client.ListSessions(context.Background(), "team")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	if !sessions[0].HasTranscript || sessions[0].HasSummary {
		t.Fatalf("flags = %v/%v", sessions[0].HasTranscript, sessions[0].HasSummary)
	}
	if sessions[1].Scope != "personal" {
		t.Fatalf("default scope = %q", sessions[1].Scope)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusRequestEntityTooLarge, ErrTooLarge},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := client.GetSession(context.Background(), "x")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
		if IsTemporary(err) {
			t.Fatalf("status %d should not be retryable", tc.status)
		}
	}
}

func TestServerErrorIsTemporary(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	})
	err := client.Rename(context.Background(), "x", "new title")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("err = %v", err)
	}
	if !IsTemporary(err) {
		t.Fatal("500 should be retryable")
	}
}

func TestRenameSendsTitle(t *testing.T) {
	var body map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/meetings/s1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte("{}"))
	})
	if err := client.Rename(context.Background(), "s1", "Retro"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if body["title"] != "Retro" {
		t.Fatalf("body = %v", body)
	}
}

func TestUpdateTagsNeverSendsNull(t *testing.T) {
	var raw string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := r.Body.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		raw = sb.String()
		w.Write([]byte("{}"))
	})
	if err := client.UpdateTags(context.Background(), "s1", nil); err != nil {
		t.Fatalf("tags: %v", err)
	}
	if !strings.Contains(raw, `"tags":[]`) {
		t.Fatalf("nil tags encoded as %q", raw)
	}
}

func TestUploadRecordingMultipart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/meetings/s1/upload-audio" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		for _, stream := range []string{"microphone", "system"} {
			if _, ok := r.MultipartForm.File[stream]; !ok {
				t.Errorf("missing %s part", stream)
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-9"})
	})

	jobID, err := client.UploadRecording(context.Background(), "s1", map[string][]byte{
		"microphone": []byte{1, 2, 3},
		"system":     []byte{4, 5},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if jobID != "job-9" {
		t.Fatalf("jobID = %q", jobID)
	}
}

func TestUploadRejectsOversizePayloadLocally(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	client.cfg.MaxUploadMB = 1

	_, err := client.UploadRecording(context.Background(), "s1", map[string][]byte{
		"microphone": make([]byte, 2<<20),
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if called {
		t.Fatal("oversized payload should not reach the server")
	}
}

func TestUploadChunkHeaders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/meetings/s1/chunks/microphone/3" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Chunk-Compressed"); got != "true" {
			t.Errorf("compressed header = %q", got)
		}
	})
	if err := client.UploadChunk(context.Background(), "s1", "microphone", 3, []byte{1}, true); err != nil {
		t.Fatalf("chunk: %v", err)
	}
}

func TestJobStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/job-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"phase": "done", "transcript": "hello", "summary": "hi",
		})
	})
	state, err := client.JobStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if state.Phase != JobDone || state.Transcript != "hello" {
		t.Fatalf("state = %+v", state)
	}
}
