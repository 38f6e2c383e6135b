// Package model defines the normalized chat types the gateway operates on:
// the inbound OpenAI-style chat request, the buffered and streamed response
// wire shapes, and the provider-agnostic upstream chunk variant produced by
// provider adapters. Handlers decode into these types, the router scores
// them, and adapters translate them to provider SDK calls.
package model

import (
	"errors"
	"fmt"
)

// Message roles accepted on inbound requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Message is one entry in the chat transcript.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatRequest is the normalized inbound chat completion request. Unknown
	// JSON fields are ignored on decode to preserve OpenAI wire
	// compatibility.
	ChatRequest struct {
		// Model is the explicit model hint; empty or "auto" lets the router
		// choose.
		Model    string    `json:"model,omitempty"`
		Messages []Message `json:"messages"`
		// FileIDs references previously uploaded files whose extractions are
		// woven into the prompt (multimodal endpoint).
		FileIDs []string `json:"file_ids,omitempty"`
		// Capabilities carries explicit capability hints such as "vision".
		Capabilities []string `json:"capabilities,omitempty"`

		Temperature float64  `json:"temperature,omitempty"`
		MaxTokens   int      `json:"max_tokens,omitempty"`
		Stop        []string `json:"stop,omitempty"`
		Stream      bool     `json:"stream,omitempty"`
	}

	// Usage reports token consumption for a completion.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Choice is one completion alternative in a buffered response.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason,omitempty"`
	}

	// ChatResponse is the buffered chat completion wire shape.
	ChatResponse struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
		// FilesProcessed counts successfully extracted attachments woven into
		// the prompt (multimodal endpoint only).
		FilesProcessed int `json:"files_processed,omitempty"`
	}

	// Delta carries the incremental content of a streamed chunk.
	Delta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	// ChunkChoice is one choice entry inside a streamed chunk.
	ChunkChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	}

	// ChatChunk mirrors the OpenAI chat.completion.chunk wire shape emitted
	// on the SSE stream.
	ChatChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []ChunkChoice `json:"choices"`
	}
)

// UpstreamChunk kinds. The Type value indicates which payload fields of an
// UpstreamChunk are populated.
const (
	ChunkDeltaContent  = "delta-content"
	ChunkDeltaToolCall = "delta-tool-call"
	ChunkFinish        = "finish"
	ChunkError         = "error"
	ChunkKeepalive     = "keepalive"
)

type (
	// UpstreamChunk is one event in the finite, non-restartable sequence an
	// adapter produces for a streamed completion.
	//
	//   - "delta-content":   Content holds a text fragment.
	//   - "delta-tool-call": ToolCallDelta holds a partial tool invocation.
	//   - "finish":          FinishReason explains termination; Usage may be set.
	//   - "error":           Err describes a mid-stream failure.
	//   - "keepalive":       no payload; resets idle timers.
	UpstreamChunk struct {
		Type          string
		Content       string
		ToolCallDelta *ToolCallDelta
		FinishReason  string
		Usage         *Usage
		Err           error
	}

	// ToolCallDelta is a partial function-call fragment from the provider.
	ToolCallDelta struct {
		ID        string
		Name      string
		Arguments string
	}

	// Streamer delivers upstream chunks. Successive calls to Recv return
	// chunks until io.EOF. Close releases the underlying connection and is
	// safe to call concurrently with Recv.
	Streamer interface {
		Recv() (UpstreamChunk, error)
		Close() error
	}
)

// Validation errors surfaced as validation-error (400) at the boundary.
var (
	ErrNoMessages      = errors.New("messages must contain at least one entry")
	ErrPayloadTooLarge = errors.New("message payload exceeds configured cap")
)

// Validate checks the request invariants. maxBytes bounds the total
// message content size; zero means unbounded.
func (r *ChatRequest) Validate(maxBytes int) error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	total := 0
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		total += len(m.Content)
	}
	if maxBytes > 0 && total > maxBytes {
		return ErrPayloadTooLarge
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", r.Temperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	return nil
}

// UserContent concatenates the content of all user-role messages. The
// scorer uses this for payload-size and code-density signals.
func (r *ChatRequest) UserContent() string {
	var s string
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			s += m.Content
		}
	}
	return s
}
