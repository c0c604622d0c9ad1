package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Config struct {
	BaseURL     string
	User        string // basic-auth user
	Password    string // basic-auth credential (MINUTE_API_KEY)
	UserID      string // X-User-Id header
	MaxUploadMB int
	Timeout     time.Duration
}

type HTTPClient struct {
	cfg    Config
	client *tracedClient
}

func NewHTTP(cfg Config) *HTTPClient {
	if cfg.MaxUploadMB == 0 {
		cfg.MaxUploadMB = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User = "minute"
	}
	return &HTTPClient{cfg: cfg, client: newTracedClient(cfg.Timeout)}
}

type meetingResponse struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	Duration      int      `json:"duration"`
	Tags          []string `json:"tags"`
	Scope         string   `json:"scope"`
	Transcription *string  `json:"transcription"`
	Summary       *string  `json:"summary"`
}

func (m *meetingResponse) toSession() RemoteSession {
	created, _ := time.Parse(time.RFC3339, m.CreatedAt)
	updated, _ := time.Parse(time.RFC3339, m.UpdatedAt)
	scope := m.Scope
	if scope == "" {
		scope = "personal"
	}
	return RemoteSession{
		ID:            m.ID,
		Title:         m.Title,
		CreatedAt:     created,
		UpdatedAt:     updated,
		DurationS:     m.Duration,
		Tags:          m.Tags,
		Scope:         scope,
		HasTranscript: m.Transcription != nil && *m.Transcription != "",
		HasSummary:    m.Summary != nil && *m.Summary != "",
	}
}

func (c *HTTPClient) ListSessions(ctx context.Context, scope string) ([]RemoteSession, error) {
	path := "/api/meetings?fields=meta"
	if scope != "" {
		path += "&scope=" + url.QueryEscape(scope)
	}
	body, err := c.do(ctx, "list_sessions", http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var meetings []meetingResponse
	if err := json.Unmarshal(body, &meetings); err != nil {
		return nil, fmt.Errorf("parsing session list: %w", err)
	}
	sessions := make([]RemoteSession, len(meetings))
	for i := range meetings {
		sessions[i] = meetings[i].toSession()
	}
	return sessions, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, id string) (*SessionDetail, error) {
	body, err := c.do(ctx, "get_session", http.MethodGet, "/api/meetings/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, err
	}
	var m meetingResponse
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	detail := &SessionDetail{RemoteSession: m.toSession()}
	if m.Transcription != nil {
		detail.Transcript = *m.Transcription
	}
	if m.Summary != nil {
		detail.Summary = *m.Summary
	}
	return detail, nil
}

func (c *HTTPClient) Rename(ctx context.Context, id, title string) error {
	payload, _ := json.Marshal(map[string]string{"title": title})
	_, err := c.do(ctx, "rename", http.MethodPut, "/api/meetings/"+url.PathEscape(id),
		bytes.NewReader(payload), "application/json")
	return err
}

func (c *HTTPClient) UpdateTags(ctx context.Context, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	payload, _ := json.Marshal(map[string][]string{"tags": tags})
	_, err := c.do(ctx, "update_tags", http.MethodPut, "/api/meetings/"+url.PathEscape(id)+"/tags",
		bytes.NewReader(payload), "application/json")
	return err
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, "/api/meetings/"+url.PathEscape(id), nil, "")
	return err
}

func (c *HTTPClient) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"meeting_id": req.ID,
		"title":      req.Title,
		"tags":       req.Tags,
		"scope":      req.Scope,
	})
	body, err := c.do(ctx, "create_session", http.MethodPost, "/api/meetings/start",
		bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing start response: %w", err)
	}
	return resp.JobID, nil
}

func (c *HTTPClient) UploadRecording(ctx context.Context, id string, streams map[string][]byte) (string, error) {
	var total int
	for _, data := range streams {
		total += len(data)
	}
	if total > c.cfg.MaxUploadMB*1024*1024 {
		return "", fmt.Errorf("%w: %d bytes > %d MB", ErrTooLarge, total, c.cfg.MaxUploadMB)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for stream, data := range streams {
		part, err := writer.CreateFormFile(stream, stream+".pcm")
		if err != nil {
			return "", err
		}
		if _, err := part.Write(data); err != nil {
			return "", err
		}
	}
	writer.Close()

	body, err := c.do(ctx, "upload_recording", http.MethodPost,
		"/api/meetings/"+url.PathEscape(id)+"/upload-audio", &buf, writer.FormDataContentType())
	if err != nil {
		return "", err
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing upload response: %w", err)
	}
	return resp.JobID, nil
}

func (c *HTTPClient) UploadChunk(ctx context.Context, id, stream string, idx int, payload []byte, compressed bool) error {
	path := fmt.Sprintf("/api/meetings/%s/chunks/%s/%d", url.PathEscape(id), url.PathEscape(stream), idx)
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/octet-stream")
	if err != nil {
		return err
	}
	req.Header.Set("X-Chunk-Compressed", strconv.FormatBool(compressed))
	resp, err := c.client.Do("upload_chunk", req)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (*JobState, error) {
	body, err := c.do(ctx, "job_status", http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, "")
	if err != nil {
		return nil, err
	}
	var state struct {
		Phase      string `json:"phase"`
		Transcript string `json:"transcript"`
		Summary    string `json:"summary"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("parsing job status: %w", err)
	}
	return &JobState{
		Phase:      state.Phase,
		Transcript: state.Transcript,
		Summary:    state.Summary,
		Error:      state.Error,
	}, nil
}

func (c *HTTPClient) ListTags(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, "list_tags", http.MethodGet, "/api/tags", nil, "")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing tag list: %w", err)
	}
	return resp.Tags, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	if c.cfg.UserID != "" {
		req.Header.Set("X-User-Id", c.cfg.UserID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(op, req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(resp *tracedResponse) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	default:
		return &APIError{Status: resp.StatusCode, Body: truncate(string(resp.Body), 200)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
