package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autopicker/gateway/model"
)

// coalesceWindow is the soft batching window for sub-character upstream
// fragments. Deltas are otherwise flushed the moment they arrive.
const coalesceWindow = 50 * time.Millisecond

// sseWriter frames OpenAI-style chunks as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id      string
	modelID string
	created int64

	// pending accumulates fragments inside the coalescing window.
	pending      string
	pendingSince time.Time

	sentRole bool
	bytesOut int64
}

// newSSEWriter prepares the response for event streaming. It fails when
// the underlying writer cannot flush.
func newSSEWriter(w http.ResponseWriter, modelID string) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.NewString(),
		modelID: modelID,
		created: time.Now().Unix(),
	}, nil
}

// Delta queues a content fragment. Fragments shorter than a rune flush
// lazily inside the coalescing window; anything else flushes at once.
func (s *sseWriter) Delta(content string, now time.Time) error {
	if s.pending == "" {
		s.pendingSince = now
	}
	s.pending += content
	if len(s.pending) < 2 && now.Sub(s.pendingSince) < coalesceWindow {
		return nil
	}
	return s.flushPending()
}

// Tick flushes a fragment still buffered past the coalescing window.
// Called on upstream keepalives so silence cannot hold a delta back.
func (s *sseWriter) Tick(now time.Time) error {
	if s.pending == "" || now.Sub(s.pendingSince) < coalesceWindow {
		return nil
	}
	return s.flushPending()
}

func (s *sseWriter) flushPending() error {
	if s.pending == "" {
		return nil
	}
	delta := model.Delta{Content: s.pending}
	if !s.sentRole {
		delta.Role = model.RoleAssistant
		s.sentRole = true
	}
	s.pending = ""
	return s.frame(model.ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.modelID,
		Choices: []model.ChunkChoice{{Delta: delta}},
	})
}

// Finish flushes any pending fragment, emits the finish_reason chunk and
// the [DONE] sentinel.
func (s *sseWriter) Finish(reason string) error {
	if err := s.flushPending(); err != nil {
		return err
	}
	if reason == "" {
		reason = "stop"
	}
	chunk := model.ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.modelID,
		Choices: []model.ChunkChoice{{FinishReason: &reason}},
	}
	if err := s.frame(chunk); err != nil {
		return err
	}
	return s.done()
}

// Fail emits a final error frame followed by [DONE] and leaves the
// connection to be closed by the caller.
func (s *sseWriter) Fail(code, message string) error {
	_ = s.flushPending()
	payload := map[string]any{"error": apiError{Code: code, Message: message}}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.writeFrame(raw); err != nil {
		return err
	}
	return s.done()
}

// BytesOut reports how many bytes were written to the client.
func (s *sseWriter) BytesOut() int64 { return s.bytesOut }

func (s *sseWriter) frame(chunk model.ChatChunk) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.writeFrame(raw)
}

func (s *sseWriter) writeFrame(raw []byte) error {
	n, err := fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.bytesOut += int64(n)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() error {
	n, err := io.WriteString(s.w, "data: [DONE]\n\n")
	s.bytesOut += int64(n)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// pumpStream drains the upstream streamer into the SSE writer until the
// finish chunk, an upstream error, or downstream cancellation.
func pumpStream(ctx context.Context, streamer model.Streamer, sse *sseWriter) error {
	defer streamer.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			return sse.Finish("")
		}
		if err != nil {
			code, msg := classifyErr(err)
			_ = sse.Fail(code, msg)
			return err
		}
		switch chunk.Type {
		case model.ChunkDeltaContent:
			if err := sse.Delta(chunk.Content, time.Now()); err != nil {
				return err
			}
		case model.ChunkFinish:
			return sse.Finish(chunk.FinishReason)
		case model.ChunkError:
			code, msg := classifyErr(chunk.Err)
			_ = sse.Fail(code, msg)
			return chunk.Err
		case model.ChunkKeepalive:
			if err := sse.Tick(time.Now()); err != nil {
				return err
			}
		case model.ChunkDeltaToolCall:
			// Tool-call deltas have no spot in the plain-content chunk shape.
		}
	}
}
