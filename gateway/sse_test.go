package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
)

func newTestSSE(t *testing.T) (*sseWriter, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	sse, err := newSSEWriter(rec, "fast-1")
	if err != nil {
		t.Fatal(err)
	}
	return sse, rec
}

func TestSSEWriterHeadersAndFirstDelta(t *testing.T) {
	sse, rec := newTestSSE(t)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache-control = %q", cc)
	}

	now := time.Now()
	if err := sse.Delta("Hello", now); err != nil {
		t.Fatal(err)
	}
	frames := sseFrames(t, rec.Body.String())
	var chunk model.ChatChunk
	if err := json.Unmarshal([]byte(frames[0]), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Object != "chat.completion.chunk" || chunk.Model != "fast-1" {
		t.Errorf("chunk = %+v", chunk)
	}
	if d := chunk.Choices[0].Delta; d.Role != model.RoleAssistant || d.Content != "Hello" {
		t.Errorf("delta = %+v", d)
	}
}

func TestSSEWriterRoleSentOnce(t *testing.T) {
	sse, rec := newTestSSE(t)
	now := time.Now()
	if err := sse.Delta("one", now); err != nil {
		t.Fatal(err)
	}
	if err := sse.Delta("two", now); err != nil {
		t.Fatal(err)
	}
	frames := sseFrames(t, rec.Body.String())
	var second model.ChatChunk
	if err := json.Unmarshal([]byte(frames[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.Choices[0].Delta.Role != "" {
		t.Errorf("second delta role = %q, want empty", second.Choices[0].Delta.Role)
	}
}

func TestSSEWriterCoalescesSubRuneFragments(t *testing.T) {
	sse, rec := newTestSSE(t)
	now := time.Now()

	// A single byte inside the window stays buffered.
	if err := sse.Delta("a", now); err != nil {
		t.Fatal(err)
	}
	if got := rec.Body.String(); got != "" {
		t.Fatalf("flushed early: %q", got)
	}

	// The next byte completes the fragment and flushes both as one chunk.
	if err := sse.Delta("b", now.Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 1 {
		t.Fatalf("frames = %v, want one coalesced chunk", frames)
	}
	var chunk model.ChatChunk
	if err := json.Unmarshal([]byte(frames[0]), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Content != "ab" {
		t.Errorf("content = %q, want %q", chunk.Choices[0].Delta.Content, "ab")
	}
}

func TestSSEWriterFlushesSingleByteAfterWindow(t *testing.T) {
	sse, rec := newTestSSE(t)
	now := time.Now()

	if err := sse.Delta("a", now); err != nil {
		t.Fatal(err)
	}
	if err := sse.Delta("", now.Add(coalesceWindow+time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	frames := sseFrames(t, rec.Body.String())
	var chunk model.ChatChunk
	if err := json.Unmarshal([]byte(frames[0]), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Content != "a" {
		t.Errorf("content = %q", chunk.Choices[0].Delta.Content)
	}
}

func TestSSEWriterTickFlushesStaleFragment(t *testing.T) {
	sse, rec := newTestSSE(t)
	now := time.Now()

	if err := sse.Delta("a", now); err != nil {
		t.Fatal(err)
	}

	// Inside the window a keepalive tick leaves the fragment buffered.
	if err := sse.Tick(now.Add(10 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if got := rec.Body.String(); got != "" {
		t.Fatalf("flushed inside the window: %q", got)
	}

	// Past the window it must flush even with no further content.
	if err := sse.Tick(now.Add(coalesceWindow + time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	frames := sseFrames(t, rec.Body.String())
	var chunk model.ChatChunk
	if err := json.Unmarshal([]byte(frames[0]), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Content != "a" {
		t.Errorf("content = %q", chunk.Choices[0].Delta.Content)
	}

	// Nothing pending: further ticks write no frames.
	if err := sse.Tick(now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if got := len(sseFrames(t, rec.Body.String())); got != 1 {
		t.Errorf("frames = %d, want 1", got)
	}
}

func TestSSEWriterFinish(t *testing.T) {
	sse, rec := newTestSSE(t)
	now := time.Now()

	// A buffered fragment must flush before the finish chunk.
	if err := sse.Delta("x", now); err != nil {
		t.Fatal(err)
	}
	if err := sse.Finish(""); err != nil {
		t.Fatal(err)
	}

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("frames = %v, want delta, finish, [DONE]", frames)
	}
	var finish model.ChatChunk
	if err := json.Unmarshal([]byte(frames[1]), &finish); err != nil {
		t.Fatal(err)
	}
	if fr := finish.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v, want default stop", fr)
	}
	if frames[2] != "[DONE]" {
		t.Errorf("sentinel = %q", frames[2])
	}
	if sse.BytesOut() != int64(rec.Body.Len()) {
		t.Errorf("BytesOut = %d, body = %d", sse.BytesOut(), rec.Body.Len())
	}
}

func TestSSEWriterFail(t *testing.T) {
	sse, rec := newTestSSE(t)
	if err := sse.Fail(CodeUpstreamError, "upstream provider error"); err != nil {
		t.Fatal(err)
	}
	frames := sseFrames(t, rec.Body.String())
	var payload struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal([]byte(frames[0]), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Error.Code != CodeUpstreamError {
		t.Errorf("error = %+v", payload.Error)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("frames = %v", frames)
	}
}

func TestPumpStreamFinish(t *testing.T) {
	sse, rec := newTestSSE(t)
	streamer := &scriptedStreamer{chunks: []model.UpstreamChunk{
		{Type: model.ChunkDeltaContent, Content: "Hello"},
		{Type: model.ChunkKeepalive},
		{Type: model.ChunkDeltaContent, Content: " world"},
		{Type: model.ChunkFinish, FinishReason: "stop"},
	}}

	if err := pumpStream(context.Background(), streamer, sse); err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Hello") || !strings.Contains(body, "world") || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body = %q", body)
	}
}

func TestPumpStreamEOFFinishes(t *testing.T) {
	sse, rec := newTestSSE(t)
	streamer := &scriptedStreamer{chunks: []model.UpstreamChunk{
		{Type: model.ChunkDeltaContent, Content: "partial"},
	}}

	if err := pumpStream(context.Background(), streamer, sse); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), "[DONE]") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestPumpStreamErrorChunk(t *testing.T) {
	sse, rec := newTestSSE(t)
	upstream := &provider.StatusError{Code: 503, Message: "overloaded"}
	streamer := &scriptedStreamer{chunks: []model.UpstreamChunk{
		{Type: model.ChunkDeltaContent, Content: "partial"},
		{Type: model.ChunkError, Err: upstream},
	}}

	err := pumpStream(context.Background(), streamer, sse)
	if !errors.Is(err, upstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}
	if !strings.Contains(rec.Body.String(), CodeUpstreamError) {
		t.Errorf("body = %q, want error frame", rec.Body.String())
	}
}

func TestPumpStreamCancelledContext(t *testing.T) {
	sse, _ := newTestSSE(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pumpStream(ctx, &scriptedStreamer{}, sse)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewSSEWriterRequiresFlusher(t *testing.T) {
	if _, err := newSSEWriter(plainWriter{httptest.NewRecorder()}, "fast-1"); err == nil {
		t.Error("expected error for non-flushing writer")
	}
}

// plainWriter hides the recorder's Flush method behind the narrow
// ResponseWriter interface.
type plainWriter struct{ http.ResponseWriter }
