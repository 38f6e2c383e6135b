// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
)

// defaultMaxTokens applies when the request leaves max_tokens unset; the
// Messages API requires an explicit value.
const defaultMaxTokens = 1024

// Options configures the adapter.
type Options struct {
	ID         string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Adapter implements provider.Adapter against the Messages API.
type Adapter struct {
	id     string
	client sdk.Client
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
	id := opts.ID
	if id == "" {
		id = "anthropic"
	}
	return &Adapter{id: id, client: sdk.NewClient(ro...)}
}

// ID identifies the configured provider instance.
func (a *Adapter) ID() string { return a.id }

// Complete issues a non-streaming Messages request.
func (a *Adapter) Complete(ctx context.Context, req provider.Request) (provider.Completion, error) {
	msg, err := a.client.Messages.New(ctx, encodeParams(req))
	if err != nil {
		return provider.Completion{}, fmt.Errorf("anthropic completion: %w", classify(err))
	}
	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text += tb.Text
		}
	}
	return provider.Completion{
		Text:         text,
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: model.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream opens a streaming Messages request. The returned streamer drains
// SDK events into a channel on its own goroutine.
func (a *Adapter) Stream(ctx context.Context, req provider.Request) (model.Streamer, error) {
	stream := a.client.Messages.NewStreaming(ctx, encodeParams(req))
	return newStreamer(ctx, stream), nil
}

// classify surfaces the upstream HTTP status so the dispatcher can judge
// retryability.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &provider.StatusError{Code: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}

func encodeParams(req provider.Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(req.Images) > 0 {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Images))
		for _, img := range req.Images {
			blocks = append(blocks, sdk.NewImageBlockBase64(img.MIME, base64.StdEncoding.EncodeToString(img.Data)))
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
	}
	return params
}

// finishReason maps Anthropic stop reasons onto the OpenAI-style values
// the gateway emits.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stop
	}
}

// streamer adapts an Anthropic Messages stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.UpstreamChunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
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

	var (
		usage      *model.Usage
		stopReason string
	)
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
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				if err := s.emit(model.UpstreamChunk{Type: model.ChunkDeltaContent, Content: delta.Text}); err != nil {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage = &model.Usage{
				PromptTokens:     int(ev.Usage.InputTokens),
				CompletionTokens: int(ev.Usage.OutputTokens),
				TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			}
		case sdk.MessageStopEvent:
			if err := s.emit(model.UpstreamChunk{
				Type:         model.ChunkFinish,
				FinishReason: finishReason(stopReason),
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
