package domain

import "errors"

// Sentinel errors. Handlers map these onto envelope codes; everything the
// lower layers return wraps exactly one of them.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrFeatureDisabled   = errors.New("feature disabled")
	ErrDependencyMissing = errors.New("dependency missing")
	ErrConfigInvalid     = errors.New("config invalid")
	ErrQueryFailed       = errors.New("query failed")
	ErrSSRFBlocked       = errors.New("destination address not allowed")
	ErrModerationBlocked = errors.New("content rejected by upstream moderation")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrStorage           = errors.New("storage failure")
	ErrInternal          = errors.New("internal error")
)
