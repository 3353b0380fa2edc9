package openai

import "strings"

// refusalIndicators are the provider wordings that signal a content policy
// rejection rather than a transient failure. Matching any of them on a 4xx
// body maps the error to domain.ErrModerationBlocked so callers surface it
// instead of retrying or falling back.
var refusalIndicators = []string{
	"blocked",
	"content_filter",
	"policy",
	"safety",
}

func isRefusalBody(body string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, indicator := range refusalIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
