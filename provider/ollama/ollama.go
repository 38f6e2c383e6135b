// Package ollama implements the provider adapter for a local Ollama
// server. Ollama speaks plain JSON over HTTP with newline-delimited
// chunks when streaming, so this adapter works with the pooled
// http.Client directly rather than through an SDK.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
)

// Options configures the adapter.
type Options struct {
	ID         string
	BaseURL    string
	HTTPClient *http.Client
}

// Adapter implements provider.Adapter against the Ollama chat API.
type Adapter struct {
	id      string
	baseURL string
	http    *http.Client
}

// New builds the adapter. baseURL defaults to the local daemon.
func New(opts Options) *Adapter {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	id := opts.ID
	if id == "" {
		id = "ollama"
	}
	return &Adapter{id: id, baseURL: base, http: hc}
}

// ID identifies the configured provider instance.
func (a *Adapter) ID() string { return a.id }

type (
	wireMessage struct {
		Role    string   `json:"role"`
		Content string   `json:"content"`
		Images  []string `json:"images,omitempty"`
	}

	wireRequest struct {
		Model    string         `json:"model"`
		Messages []wireMessage  `json:"messages"`
		Stream   bool           `json:"stream"`
		Options  map[string]any `json:"options,omitempty"`
	}

	wireResponse struct {
		Message         wireMessage `json:"message"`
		Done            bool        `json:"done"`
		DoneReason      string      `json:"done_reason"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		EvalCount       int         `json:"eval_count"`
		Error           string      `json:"error"`
	}
)

func (a *Adapter) encode(req provider.Request, stream bool) ([]byte, error) {
	msgs := make([]wireMessage, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: model.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}
	if len(req.Images) > 0 {
		// Ollama takes base64 images on the last user message.
		images := make([]string, 0, len(req.Images))
		for _, img := range req.Images {
			images = append(images, base64.StdEncoding.EncodeToString(img.Data))
		}
		attached := false
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == model.RoleUser {
				msgs[i].Images = images
				attached = true
				break
			}
		}
		if !attached {
			msgs = append(msgs, wireMessage{Role: model.RoleUser, Images: images})
		}
	}

	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}
	if len(opts) == 0 {
		opts = nil
	}
	return json.Marshal(wireRequest{Model: req.Model, Messages: msgs, Stream: stream, Options: opts})
}

func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %s", provider.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama: %w", &provider.StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(slurp))})
	}
	return resp, nil
}

// Complete issues a buffered chat call.
func (a *Adapter) Complete(ctx context.Context, req provider.Request) (provider.Completion, error) {
	body, err := a.encode(req, false)
	if err != nil {
		return provider.Completion{}, err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return provider.Completion{}, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return provider.Completion{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if wr.Error != "" {
		return provider.Completion{}, fmt.Errorf("ollama: %s", wr.Error)
	}
	return provider.Completion{
		Text:         wr.Message.Content,
		FinishReason: finishReason(wr.DoneReason),
		Usage: model.Usage{
			PromptTokens:     wr.PromptEvalCount,
			CompletionTokens: wr.EvalCount,
			TotalTokens:      wr.PromptEvalCount + wr.EvalCount,
		},
	}, nil
}

// Stream issues a streaming chat call and adapts the NDJSON lines.
func (a *Adapter) Stream(ctx context.Context, req provider.Request) (model.Streamer, error) {
	body, err := a.encode(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return newStreamer(ctx, resp.Body), nil
}

func finishReason(doneReason string) string {
	switch doneReason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return doneReason
	}
}

// streamer drains NDJSON lines from the response body into a channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	chunks chan model.UpstreamChunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, body io.ReadCloser) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		body:   body,
		chunks: make(chan model.UpstreamChunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.UpstreamChunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.UpstreamChunk{}, err
		}
		return model.UpstreamChunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.UpstreamChunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.body.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.body.Close()

	var usage *model.Usage
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			s.setErr(err)
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var wr wireResponse
		if err := json.Unmarshal(line, &wr); err != nil {
			s.setErr(fmt.Errorf("ollama: decode chunk: %w", err))
			return
		}
		if wr.Error != "" {
			s.setErr(fmt.Errorf("ollama: %s", wr.Error))
			return
		}
		if wr.Message.Content != "" {
			if err := s.emit(model.UpstreamChunk{Type: model.ChunkDeltaContent, Content: wr.Message.Content}); err != nil {
				return
			}
		}
		if wr.Done {
			usage = &model.Usage{
				PromptTokens:     wr.PromptEvalCount,
				CompletionTokens: wr.EvalCount,
				TotalTokens:      wr.PromptEvalCount + wr.EvalCount,
			}
			_ = s.emit(model.UpstreamChunk{
				Type:         model.ChunkFinish,
				FinishReason: finishReason(wr.DoneReason),
				Usage:        usage,
			})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *streamer) emit(chunk model.UpstreamChunk) error {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
