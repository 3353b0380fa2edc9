// Package httpserver contains HTTP handlers and middleware.
//
// Every JSON response uses the envelope {success, code, message, data}.
// Failure codes extend the HTTP status with two extra digits so clients
// can branch on specific conditions without matching message strings:
// 40400 not found, 40410 feature disabled, 42200 validation, 50010
// dependency missing, and so on.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type envelope struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Envelope codes for well-known outcomes.
const (
	codeOK                = 0
	codeNotFound          = 40400
	codeFeatureDisabled   = 40410
	codeConflict          = 40900
	codePayloadTooLarge   = 41300
	codeValidation        = 42200
	codeSSRFBlocked       = 42210
	codeModerationBlocked = 42220
	codeRateLimited       = 42900
	codeStorage           = 50000
	codeDependencyMissing = 50010
	codeConfigInvalid     = 50011
	codeQueryFailed       = 50012
	codeUpstreamBusy      = 50300
	codeUpstreamTimeout   = 50400
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData wraps a payload in a success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Code: codeOK, Message: "ok", Data: data})
}

// errStatus maps a domain error to its HTTP status and envelope code.
// SSRF and moderation rejections are checked before the generic
// invalid-argument sentinel because they wrap it.
func errStatus(err error) (int, int) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrFeatureDisabled):
		return http.StatusNotFound, codeFeatureDisabled
	case errors.Is(err, domain.ErrSSRFBlocked):
		return http.StatusUnprocessableEntity, codeSSRFBlocked
	case errors.Is(err, domain.ErrModerationBlocked):
		return http.StatusUnprocessableEntity, codeModerationBlocked
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, codeValidation
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, codePayloadTooLarge
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, codeUpstreamTimeout
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return http.StatusServiceUnavailable, codeUpstreamBusy
	case errors.Is(err, domain.ErrDependencyMissing):
		return http.StatusInternalServerError, codeDependencyMissing
	case errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusInternalServerError, codeConfigInvalid
	case errors.Is(err, domain.ErrQueryFailed):
		return http.StatusInternalServerError, codeQueryFailed
	default:
		return http.StatusInternalServerError, codeStorage
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := errStatus(err)
	if status >= http.StatusInternalServerError {
		LoggerFrom(r).Error("request failed", "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, envelope{Success: false, Code: code, Message: err.Error(), Data: details})
}
