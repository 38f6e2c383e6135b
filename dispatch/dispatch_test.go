package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/autopicker/gateway/catalog"
	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
	"github.com/autopicker/gateway/router"
)

// fakeAdapter serves canned completions and errors keyed by model ID.
type fakeAdapter struct {
	id    string
	errs  map[string]error
	calls []string
	// streamChunks feeds Stream; nil streams one content chunk then EOF.
	streamChunks map[string][]model.UpstreamChunk
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Complete(ctx context.Context, req provider.Request) (provider.Completion, error) {
	f.calls = append(f.calls, req.Model)
	if err := f.errs[req.Model]; err != nil {
		return provider.Completion{}, err
	}
	return provider.Completion{Text: "from " + req.Model, FinishReason: "stop"}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req provider.Request) (model.Streamer, error) {
	f.calls = append(f.calls, req.Model)
	if err := f.errs[req.Model]; err != nil {
		return nil, err
	}
	chunks := f.streamChunks[req.Model]
	if chunks == nil {
		chunks = []model.UpstreamChunk{
			{Type: model.ChunkDeltaContent, Content: "hi"},
			{Type: model.ChunkFinish, FinishReason: "stop"},
		}
	}
	return &cannedStreamer{chunks: chunks}, nil
}

type cannedStreamer struct {
	chunks []model.UpstreamChunk
	i      int
	closed bool
}

func (c *cannedStreamer) Recv() (model.UpstreamChunk, error) {
	if c.i >= len(c.chunks) {
		return model.UpstreamChunk{}, io.EOF
	}
	ch := c.chunks[c.i]
	c.i++
	return ch, nil
}

func (c *cannedStreamer) Close() error {
	c.closed = true
	return nil
}

func testRoute(models ...string) router.Route {
	ds := make([]catalog.ModelDescriptor, len(models))
	for i, m := range models {
		ds[i] = catalog.ModelDescriptor{Provider: "p", Model: m, Available: true}
	}
	r := router.Route{Selected: ds[0]}
	r.Fallbacks = ds[1:]
	return r
}

func newTestDispatcher(a *fakeAdapter) *Dispatcher {
	d := New(map[string]provider.Adapter{"p": a}, NewBreakerSet(nil))
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestCompletePrimarySuccess(t *testing.T) {
	a := &fakeAdapter{id: "p"}
	d := newTestDispatcher(a)

	c, res, err := d.Complete(context.Background(), testRoute("m1", "m2"), provider.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "from m1" || res.FallbackCount != 0 || res.Model.Model != "m1" {
		t.Errorf("completion = %+v, result = %+v", c, res)
	}
	if len(res.Rationale) != 0 {
		t.Errorf("rationale = %v", res.Rationale)
	}
}

func TestCompleteFallsBackOnRetryable(t *testing.T) {
	a := &fakeAdapter{id: "p", errs: map[string]error{
		"m1": &provider.StatusError{Code: 503, Message: "overloaded"},
	}}
	d := newTestDispatcher(a)

	c, res, err := d.Complete(context.Background(), testRoute("m1", "m2"), provider.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "from m2" || res.FallbackCount != 1 {
		t.Errorf("completion = %+v, result = %+v", c, res)
	}
	if len(res.Rationale) != 1 || res.Rationale[0] != "primary-503" {
		t.Errorf("rationale = %v", res.Rationale)
	}
}

func TestCompleteStopsOnNonRetryable(t *testing.T) {
	badReq := &provider.StatusError{Code: 400, Message: "bad request"}
	a := &fakeAdapter{id: "p", errs: map[string]error{"m1": badReq}}
	d := newTestDispatcher(a)

	_, _, err := d.Complete(context.Background(), testRoute("m1", "m2"), provider.Request{})
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != 400 {
		t.Fatalf("err = %v", err)
	}
	if len(a.calls) != 1 {
		t.Errorf("calls = %v, non-retryable error must not fall back", a.calls)
	}
}

func TestCompleteAttemptBudget(t *testing.T) {
	// Four candidates, all failing retryably: only primary + 2 fallbacks run.
	overload := &provider.StatusError{Code: 503}
	a := &fakeAdapter{id: "p", errs: map[string]error{
		"m1": overload, "m2": overload, "m3": overload, "m4": overload,
	}}
	d := newTestDispatcher(a)

	_, res, err := d.Complete(context.Background(), testRoute("m1", "m2", "m3", "m4"), provider.Request{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(a.calls) != 3 {
		t.Errorf("calls = %v, want 3 attempts", a.calls)
	}
	want := []string{"primary-503", "fallback1-503", "fallback2-503"}
	if len(res.Rationale) != len(want) {
		t.Fatalf("rationale = %v", res.Rationale)
	}
	for i, w := range want {
		if res.Rationale[i] != w {
			t.Errorf("rationale[%d] = %s, want %s", i, res.Rationale[i], w)
		}
	}
}

func TestCompleteSkipsOpenBreaker(t *testing.T) {
	a := &fakeAdapter{id: "p"}
	breakers := NewBreakerSet(nil)
	for i := 0; i < 20; i++ {
		breakers.RecordFailure("p", "m1")
	}
	d := New(map[string]provider.Adapter{"p": a}, breakers)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	c, res, err := d.Complete(context.Background(), testRoute("m1", "m2"), provider.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "from m2" {
		t.Errorf("completion = %+v", c)
	}
	if len(res.Rationale) != 1 || res.Rationale[0] != "primary-breaker-open" {
		t.Errorf("rationale = %v", res.Rationale)
	}
	if len(a.calls) != 1 {
		t.Errorf("calls = %v, open breaker must short-circuit before the adapter", a.calls)
	}
}

func TestStreamReplaysPeekedChunk(t *testing.T) {
	a := &fakeAdapter{id: "p"}
	d := newTestDispatcher(a)

	st, res, err := d.Stream(context.Background(), testRoute("m1"), provider.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Model.Model != "m1" {
		t.Errorf("result = %+v", res)
	}

	// The probe consumed the first chunk; Recv must still deliver the
	// full sequence.
	first, err := st.Recv()
	if err != nil || first.Content != "hi" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := st.Recv()
	if err != nil || second.Type != model.ChunkFinish {
		t.Fatalf("second = %+v, %v", second, err)
	}
	if _, err := st.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("tail err = %v, want EOF", err)
	}
}

func TestStreamEmptyUpstreamIsEOFNotError(t *testing.T) {
	a := &fakeAdapter{id: "p", streamChunks: map[string][]model.UpstreamChunk{
		"m1": {},
	}}
	d := newTestDispatcher(a)

	st, _, err := d.Stream(context.Background(), testRoute("m1"), provider.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestStreamFallsBackBeforeFirstByte(t *testing.T) {
	a := &fakeAdapter{id: "p", errs: map[string]error{
		"m1": &provider.StatusError{Code: 529, Message: "overloaded"},
	}}
	d := newTestDispatcher(a)

	st, res, err := d.Stream(context.Background(), testRoute("m1", "m2"), provider.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if res.FallbackCount != 1 || res.Model.Model != "m2" {
		t.Errorf("result = %+v", res)
	}
	first, err := st.Recv()
	if err != nil || first.Content != "hi" {
		t.Errorf("first = %+v, %v", first, err)
	}
}

func TestAttemptTag(t *testing.T) {
	cases := []struct {
		attempt int
		err     error
		want    string
	}{
		{0, &provider.StatusError{Code: 503}, "primary-503"},
		{1, ErrBreakerOpen, "fallback1-breaker-open"},
		{2, context.DeadlineExceeded, "fallback2-timeout"},
		{0, errors.New("dial tcp: refused"), "primary-unreachable"},
	}
	for _, c := range cases {
		if got := attemptTag(c.attempt, c.err); got != c.want {
			t.Errorf("attemptTag(%d, %v) = %s, want %s", c.attempt, c.err, got, c.want)
		}
	}
}
