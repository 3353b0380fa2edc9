package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// One Validate instance per process; it caches struct metadata internally.
var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

// decodeJSON decodes the request body into dst and runs struct validation.
// The body is capped to maxBytes before decoding. On failure the response
// has already been written and false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			writeError(w, r, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrPayloadTooLarge, maxBytes), nil)
			return false
		}
		writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
		return false
	}
	if err := structValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// pathID reads a UUID path parameter and rejects malformed values so the
// storage layer never sees garbage identifiers.
func pathID(w http.ResponseWriter, r *http.Request, raw, field string) (string, bool) {
	if raw == "" {
		writeError(w, r, fmt.Errorf("%w: %s missing", domain.ErrInvalidArgument, field), nil)
		return "", false
	}
	if _, err := uuid.Parse(raw); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s is not a valid id", domain.ErrInvalidArgument, field), map[string]string{"field": field})
		return "", false
	}
	return raw, true
}

// queryInt parses an optional integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
