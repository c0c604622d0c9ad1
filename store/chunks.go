package store

import (
	"context"
	"fmt"
	"time"

	"minute/encoder"
)

const (
	StreamMicrophone = "microphone"
	StreamSystem     = "system"
)

type Chunk struct {
	SessionID  string
	Stream     string
	Index      int
	Payload    []byte
	Size       int
	Compressed bool
	CapturedAt time.Time
}

// IntegrityError marks a gap in a stream's chunk sequence. Assembly fails
// loudly instead of producing silently-truncated audio.
type IntegrityError struct {
	SessionID string
	Stream    string
	Index     int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("corrupt recording: session %s stream %s missing chunk %d",
		e.SessionID, e.Stream, e.Index)
}

// AppendChunk persists one chunk. Idempotent on (session, stream, index):
// a retried write overwrites instead of duplicating.
func (s *Store) AppendChunk(ctx context.Context, c *Chunk) error {
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now()
	}
	c.Size = len(c.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (session_id, stream, idx, payload, size, compressed, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, stream, idx) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			compressed = excluded.compressed,
			captured_at = excluded.captured_at
	`, c.SessionID, c.Stream, c.Index, c.Payload, c.Size, boolInt(c.Compressed), c.CapturedAt.Unix())
	if err != nil {
		return fmt.Errorf("appending chunk: %w", err)
	}
	return nil
}

// ListChunks returns all chunks of a session ordered by stream then index,
// payloads included.
func (s *Store) ListChunks(ctx context.Context, sessionID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, stream, idx, payload, size, compressed, captured_at
		FROM chunks WHERE session_id = ?
		ORDER BY stream, idx
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var compressed int
		var capturedAt int64
		if err := rows.Scan(&c.SessionID, &c.Stream, &c.Index, &c.Payload, &c.Size, &compressed, &capturedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Compressed = compressed != 0
		c.CapturedAt = time.Unix(capturedAt, 0)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// ChunkCounts reports how many chunks each stream holds.
func (s *Store) ChunkCounts(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream, COUNT(*) FROM chunks WHERE session_id = ? GROUP BY stream`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stream string
		var n int
		if err := rows.Scan(&stream, &n); err != nil {
			return nil, err
		}
		counts[stream] = n
	}
	return counts, rows.Err()
}

// AssembleChunks concatenates each stream's chunks strictly in index order,
// decompressing as needed. A missing index returns an IntegrityError — a
// gap means lost audio and the send must fail visibly.
func (s *Store) AssembleChunks(ctx context.Context, sessionID string) (map[string][]byte, error) {
	chunks, err := s.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byStream := make(map[string][]*Chunk)
	for _, c := range chunks {
		byStream[c.Stream] = append(byStream[c.Stream], c)
	}

	out := make(map[string][]byte)
	for stream, list := range byStream {
		var pcm []byte
		for i, c := range list {
			if c.Index != i {
				return nil, &IntegrityError{SessionID: sessionID, Stream: stream, Index: i}
			}
			payload := c.Payload
			if c.Compressed {
				payload, err = encoder.Decompress(c.Payload)
				if err != nil {
					return nil, fmt.Errorf("decompressing chunk %d of %s/%s: %w", i, sessionID, stream, err)
				}
			}
			pcm = append(pcm, payload...)
		}
		out[stream] = pcm
	}
	return out, nil
}

// DeleteChunks drops a session's audio while keeping its metadata (the
// "delete audio only" action).
func (s *Store) DeleteChunks(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}
