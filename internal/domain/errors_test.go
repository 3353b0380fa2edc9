package domain

import (
	"errors"
	"fmt"
	"testing"
)

// sentinelMessages pins the wire-visible text of every sentinel. Handlers
// surface these messages in the response envelope, so a reworded sentinel
// is an API change, not a cosmetic one.
var sentinelMessages = map[string]struct {
	err error
	msg string
}{
	"invalid_argument":    {ErrInvalidArgument, "invalid argument"},
	"not_found":           {ErrNotFound, "not found"},
	"conflict":            {ErrConflict, "conflict"},
	"rate_limited":        {ErrRateLimited, "rate limited"},
	"upstream_timeout":    {ErrUpstreamTimeout, "upstream timeout"},
	"upstream_rate_limit": {ErrUpstreamRateLimit, "upstream rate limit"},
	"feature_disabled":    {ErrFeatureDisabled, "feature disabled"},
	"dependency_missing":  {ErrDependencyMissing, "dependency missing"},
	"config_invalid":      {ErrConfigInvalid, "config invalid"},
	"query_failed":        {ErrQueryFailed, "query failed"},
	"ssrf_blocked":        {ErrSSRFBlocked, "destination address not allowed"},
	"moderation_blocked":  {ErrModerationBlocked, "content rejected by upstream moderation"},
	"payload_too_large":   {ErrPayloadTooLarge, "payload too large"},
	"storage":             {ErrStorage, "storage failure"},
	"internal":            {ErrInternal, "internal error"},
}

func TestSentinelMessages(t *testing.T) {
	for name, tc := range sentinelMessages {
		t.Run(name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.msg {
				t.Fatalf("message = %q, want %q", got, tc.msg)
			}
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	for an, a := range sentinelMessages {
		for bn, b := range sentinelMessages {
			if an == bn {
				continue
			}
			if errors.Is(a.err, b.err) {
				t.Fatalf("errors.Is(%s, %s) = true, sentinels must not alias", an, bn)
			}
		}
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	// Repos and services wrap sentinels with op= context, sometimes more
	// than once on the way up. errors.Is must still classify them.
	for name, tc := range sentinelMessages {
		t.Run(name, func(t *testing.T) {
			once := fmt.Errorf("op=repo_get: %w", tc.err)
			twice := fmt.Errorf("op=usecase_load: %w", once)
			if !errors.Is(once, tc.err) {
				t.Fatalf("single wrap lost sentinel %s", name)
			}
			if !errors.Is(twice, tc.err) {
				t.Fatalf("double wrap lost sentinel %s", name)
			}
		})
	}
}

func TestJoinedErrorMatchesEitherSentinel(t *testing.T) {
	joined := errors.Join(
		fmt.Errorf("op=vector_delete: %w", ErrQueryFailed),
		fmt.Errorf("op=graph_delete: %w", ErrUpstreamTimeout),
	)
	if !errors.Is(joined, ErrQueryFailed) || !errors.Is(joined, ErrUpstreamTimeout) {
		t.Fatalf("joined error should match both wrapped sentinels")
	}
	if errors.Is(joined, ErrNotFound) {
		t.Fatalf("joined error must not match an unrelated sentinel")
	}
}
