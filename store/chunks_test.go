package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"minute/encoder"
)

func TestAppendChunkIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mkSession(t, s, "s1")

	c := &Chunk{SessionID: "s1", Stream: StreamMicrophone, Index: 0, Payload: []byte("first")}
	if err := s.AppendChunk(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.Payload = []byte("retry")
	if err := s.AppendChunk(ctx, c); err != nil {
		t.Fatal(err)
	}

	chunks, err := s.ListChunks(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("retried append duplicated: %d chunks", len(chunks))
	}
	if string(chunks[0].Payload) != "retry" {
		t.Fatalf("payload = %q, want overwrite", chunks[0].Payload)
	}
}

func TestAssembleOrdersAndConcatenates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mkSession(t, s, "s1")

	// Insert out of order; assembly must be index order.
	for _, idx := range []int{2, 0, 1} {
		if err := s.AppendChunk(ctx, &Chunk{
			SessionID: "s1", Stream: StreamMicrophone, Index: idx,
			Payload: []byte{byte('a' + idx)},
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendChunk(ctx, &Chunk{
		SessionID: "s1", Stream: StreamSystem, Index: 0, Payload: []byte("sys"),
	}); err != nil {
		t.Fatal(err)
	}

	streams, err := s.AssembleChunks(ctx, "s1")
	if err != nil {
		t.Fatalf("AssembleChunks: %v", err)
	}
	if got := string(streams[StreamMicrophone]); got != "abc" {
		t.Fatalf("microphone = %q", got)
	}
	if got := string(streams[StreamSystem]); got != "sys" {
		t.Fatalf("system = %q", got)
	}
}

func TestAssembleIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mkSession(t, s, "s1")

	for i := 0; i < 3; i++ {
		if err := s.AppendChunk(ctx, &Chunk{
			SessionID: "s1", Stream: StreamMicrophone, Index: i,
			Payload: bytes.Repeat([]byte{byte(i)}, 64),
		}); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.AssembleChunks(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AssembleChunks(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first[StreamMicrophone], second[StreamMicrophone]) {
		t.Fatal("repeated assembly of unchanged chunks differs")
	}
}

func TestAssembleDetectsGap(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mkSession(t, s, "s1")

	for _, idx := range []int{0, 2} { // 1 is missing
		if err := s.AppendChunk(ctx, &Chunk{
			SessionID: "s1", Stream: StreamMicrophone, Index: idx, Payload: []byte("x"),
		}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := s.AssembleChunks(ctx, "s1")
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ie.Index != 1 || ie.Stream != StreamMicrophone {
		t.Fatalf("unexpected gap location: %+v", ie)
	}
}

func TestAssembleDecompresses(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mkSession(t, s, "s1")

	pcm := make([]byte, encoder.BlockSize*2)
	for i := range pcm {
		pcm[i] = byte(i % 7) // repetitive, compresses well
	}
	payload, compressed := encoder.Compress(pcm)
	if !compressed {
		t.Fatal("test chunk did not compress")
	}
	if err := s.AppendChunk(ctx, &Chunk{
		SessionID: "s1", Stream: StreamMicrophone, Index: 0,
		Payload: payload, Compressed: true,
	}); err != nil {
		t.Fatal(err)
	}

	streams, err := s.AssembleChunks(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(streams[StreamMicrophone], pcm) {
		t.Fatal("assembled PCM differs from original")
	}
}

func TestDeleteChunksKeepsSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	mkSession(t, s, "s1")

	if err := s.AppendChunk(ctx, &Chunk{SessionID: "s1", Stream: StreamMicrophone, Index: 0, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteChunks(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	counts, err := s.ChunkCounts(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("chunks remain: %v", counts)
	}
	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Fatalf("session metadata lost: %v", err)
	}
}
