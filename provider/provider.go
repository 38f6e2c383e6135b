// Package provider defines the adapter contract between the dispatcher
// and concrete LLM backends. Each adapter translates the normalized
// request into its provider's wire format and maps responses back into
// the neutral completion and chunk types; everything upstream of this
// package is provider-agnostic.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/autopicker/gateway/model"
)

// ErrUnavailable reports a provider that refused or failed to serve the
// request in a way that makes a fallback attempt worthwhile.
var ErrUnavailable = errors.New("provider unavailable")

// StatusError carries the HTTP status an upstream returned with an error
// body. Adapters produce it so the dispatcher can classify retryability
// and the gateway can map the failure onto its own status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// Retryable reports whether a dispatch failure justifies trying the next
// fallback model: connection-level failures, upstream 5xx gateway
// statuses, and timeouts that fired before a status line arrived.
// Downstream cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 502 || se.Code == 503 || se.Code == 504 || se.Code == 529
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

type (
	// ImagePart is a raw image attachment handed to vision-capable
	// adapters as inline content.
	ImagePart struct {
		MIME string
		Data []byte
	}

	// Request is the provider-neutral request after extraction weaving.
	// System carries the woven file context; Images is non-empty only when
	// the selected model declares vision.
	Request struct {
		Model    string
		System   string
		Messages []model.Message
		Images   []ImagePart
		// Temperature is forwarded upstream only when positive; zero keeps
		// the provider default.
		Temperature float64
		MaxTokens   int
		Stop        []string
	}

	// Completion is a buffered (non-streaming) result.
	Completion struct {
		Text         string
		FinishReason string
		Usage        model.Usage
	}

	// Adapter is one provider backend. Stream returns a Streamer whose
	// goroutine is tied to ctx; cancelling ctx tears the upstream
	// connection down.
	Adapter interface {
		ID() string
		Complete(ctx context.Context, req Request) (Completion, error)
		Stream(ctx context.Context, req Request) (model.Streamer, error)
	}
)
