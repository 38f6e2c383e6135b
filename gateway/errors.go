package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"goa.design/clue/log"

	"github.com/autopicker/gateway/dispatch"
	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/ingest"
	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
	"github.com/autopicker/gateway/router"
	"github.com/autopicker/gateway/security"
)

// Stable error codes of the public API.
const (
	CodeValidation      = "validation-error"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not-found"
	CodePayloadTooLarge = "payload-too-large"
	CodeUnsupportedType = "unsupported-type"
	CodeRateLimited     = "rate-limited"
	CodeServerBusy      = "server-busy"
	CodeUpstreamError   = "upstream-error"
	CodeUpstreamTimeout = "upstream-timeout"
	CodeInternal        = "internal-error"
)

// errForbidden marks cross-identity access to a file.
var errForbidden = errors.New("file belongs to another identity")

type (
	// apiError is the JSON error envelope body.
	apiError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details,omitempty"`
	}

	errorEnvelope struct {
		Error      apiError `json:"error"`
		StatusCode int      `json:"status_code"`
	}
)

// httpStatus maps an error code to its HTTP status.
func httpStatus(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedType:
		return http.StatusUnsupportedMediaType
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServerBusy:
		return http.StatusServiceUnavailable
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// classifyErr maps internal errors onto public codes. Messages stay
// display-safe; internals land in the log, not the body.
func classifyErr(err error) (code, msg string) {
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		return CodeNotFound, "file not found"
	case errors.Is(err, ingest.ErrTooLarge), errors.Is(err, model.ErrPayloadTooLarge):
		return CodePayloadTooLarge, "payload exceeds configured limit"
	case errors.Is(err, ingest.ErrUnsupportedType):
		return CodeUnsupportedType, "file type is not allowed"
	case errors.Is(err, errForbidden):
		return CodeForbidden, "file belongs to another identity"
	case errors.Is(err, extract.ErrMalformed), errors.Is(err, extract.ErrEncrypted):
		return CodeValidation, "extraction failed: " + extract.FailureCode(err)
	case errors.Is(err, extract.ErrUnsupportedFeature):
		return CodeUnsupportedType, "extraction failed: unsupported format feature"
	case errors.Is(err, extract.ErrTooLarge):
		return CodePayloadTooLarge, "file exceeds the extractor byte cap"
	case errors.Is(err, extract.ErrTimeout):
		return CodeUpstreamTimeout, "extraction timed out"
	case errors.Is(err, extract.ErrDownstream):
		return CodeUpstreamError, "extraction downstream service failed"
	case errors.Is(err, ingest.ErrPending):
		return CodeServerBusy, "extraction still in progress"
	case errors.Is(err, security.ErrNulByte), errors.Is(err, security.ErrBadFilename), errors.Is(err, model.ErrNoMessages):
		return CodeValidation, err.Error()
	case errors.Is(err, router.ErrNoModel):
		return CodeServerBusy, "no model available to serve the request"
	case errors.Is(err, dispatch.ErrBreakerOpen):
		return CodeServerBusy, "upstream temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUpstreamTimeout, "upstream request timed out"
	case provider.StatusCode(err) == http.StatusUnauthorized:
		return CodeUpstreamError, "upstream rejected the gateway credentials"
	case provider.StatusCode(err) >= 400, errors.Is(err, provider.ErrUnavailable):
		return CodeUpstreamError, "upstream provider error"
	default:
		return CodeInternal, "internal error"
	}
}

// writeError emits the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, code, msg, details string) {
	status := httpStatus(code)
	if status >= 500 && code == CodeInternal {
		log.Error(r.Context(), errors.New(msg), log.KV{K: "code", V: code})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error:      apiError{Code: code, Message: msg, Details: details},
		StatusCode: status,
	})
}

// writeErr classifies and emits err.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := classifyErr(err)
	if code == CodeInternal {
		log.Error(r.Context(), err)
	}
	writeError(w, r, code, msg, "")
}
