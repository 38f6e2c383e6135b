// Package openai implements the provider adapter for OpenAI-compatible
// chat completion backends using the official SDK. A custom base URL
// points the same adapter at any API-compatible server.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
)

// Options configures the adapter.
type Options struct {
	ID      string
	BaseURL string
	APIKey  string
	// HTTPClient carries the pooled transport; nil uses the SDK default.
	HTTPClient *http.Client
	// ExtraHeaders is sent with every request (OpenRouter attribution).
	ExtraHeaders map[string]string
}

// Adapter implements provider.Adapter against the Chat Completions API.
type Adapter struct {
	id     string
	client oa.Client
}

// New builds the adapter.
func New(opts Options) *Adapter {
	ro := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		ro = append(ro, option.WithHTTPClient(opts.HTTPClient))
	}
	for k, v := range opts.ExtraHeaders {
		ro = append(ro, option.WithHeader(k, v))
	}
	id := opts.ID
	if id == "" {
		id = "openai"
	}
	return &Adapter{id: id, client: oa.NewClient(ro...)}
}

// ID identifies the configured provider instance.
func (a *Adapter) ID() string { return a.id }

// Complete issues a buffered chat completion.
func (a *Adapter) Complete(ctx context.Context, req provider.Request) (provider.Completion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, encodeParams(req))
	if err != nil {
		return provider.Completion{}, fmt.Errorf("openai completion: %w", classify(err))
	}
	if len(resp.Choices) == 0 {
		return provider.Completion{}, errors.New("openai completion: empty choices")
	}
	return provider.Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Stream opens a streaming completion. The returned streamer owns a
// goroutine draining the SSE stream into a channel; cancelling ctx or
// calling Close tears it down.
func (a *Adapter) Stream(ctx context.Context, req provider.Request) (model.Streamer, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, encodeParams(req))
	return newStreamer(ctx, stream), nil
}

// classify surfaces the upstream HTTP status so the dispatcher can judge
// retryability.
func classify(err error) error {
	var apiErr *oa.Error
	if errors.As(err, &apiErr) {
		return &provider.StatusError{Code: apiErr.StatusCode, Message: apiErr.Message}
	}
	return err
}

func encodeParams(req provider.Request) oa.ChatCompletionNewParams {
	msgs := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, oa.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, oa.SystemMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, oa.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, oa.UserMessage(m.Content))
		}
	}
	if len(req.Images) > 0 {
		parts := make([]oa.ChatCompletionContentPartUnionParam, 0, len(req.Images))
		for _, img := range req.Images {
			url := fmt.Sprintf("data:%s;base64,%s", img.MIME, base64.StdEncoding.EncodeToString(img.Data))
			parts = append(parts, oa.ImageContentPart(oa.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
		msgs = append(msgs, oa.UserMessage(parts))
	}

	params := oa.ChatCompletionNewParams{
		Model:    oa.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = oa.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oa.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = oa.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

// streamer adapts the SDK SSE stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[oa.ChatCompletionChunk]

	chunks chan model.UpstreamChunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[oa.ChatCompletionChunk]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
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
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	var usage *model.Usage
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
				s.setErr(classify(err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		event := s.stream.Current()
		if event.Usage.TotalTokens > 0 {
			usage = &model.Usage{
				PromptTokens:     int(event.Usage.PromptTokens),
				CompletionTokens: int(event.Usage.CompletionTokens),
				TotalTokens:      int(event.Usage.TotalTokens),
			}
		}
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]
		if choice.Delta.Content != "" {
			if err := s.emit(model.UpstreamChunk{Type: model.ChunkDeltaContent, Content: choice.Delta.Content}); err != nil {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := s.emit(model.UpstreamChunk{
				Type: model.ChunkDeltaToolCall,
				ToolCallDelta: &model.ToolCallDelta{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}); err != nil {
				return
			}
		}
		if choice.FinishReason != "" {
			if err := s.emit(model.UpstreamChunk{
				Type:         model.ChunkFinish,
				FinishReason: choice.FinishReason,
				Usage:        usage,
			}); err != nil {
				return
			}
		}
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
