// Package skill routes user utterances to skills and executes them. Steps
// mode walks an ordered recipe of analysis, tool and summary steps with a
// restricted template language between them; agent mode runs a bounded
// tool-call loop with optional knowledge-base prefetch. Everything the user
// sees flows through the Emitter as stream events.
package skill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mindatlas/mindatlas/internal/adapter/ai/tokencount"
	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/tool"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

type Options struct {
	HistoryLimit    int
	AgentIterations int
	// RenderCap bounds every substituted template value, in runes.
	RenderCap         int
	KBPrefetchTimeout time.Duration
	KBTokenBudget     int
	// Model is only used for token counting when capping injected context.
	Model string
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.AgentIterations <= 0 {
		o.AgentIterations = 10
	}
	if o.RenderCap <= 0 {
		o.RenderCap = 8000
	}
	if o.KBPrefetchTimeout <= 0 {
		o.KBPrefetchTimeout = 8 * time.Second
	}
	if o.KBTokenBudget <= 0 {
		o.KBTokenBudget = 2000
	}
	if o.Model == "" {
		o.Model = "gpt-4"
	}
	return o
}

// ToolSource is the slice of the tool registry the executor needs.
type ToolSource interface {
	Visible(ctx domain.Context) ([]domain.AssistantTool, error)
	Resolve(ctx domain.Context, name string) (tool.Tool, error)
	Invoke(ctx domain.Context, name string, args map[string]any) (string, error)
}

type Executor struct {
	llm      domain.LLMClient
	tools    ToolSource
	counter  *tokencount.Counter
	prefetch *Prefetcher
	opts     Options
	now      func() time.Time
}

func NewExecutor(llm domain.LLMClient, tools ToolSource, counter *tokencount.Counter, opts Options) *Executor {
	opts = opts.withDefaults()
	e := &Executor{llm: llm, tools: tools, counter: counter, opts: opts, now: time.Now}
	e.prefetch = NewPrefetcher(func(ctx domain.Context, args map[string]any) (string, error) {
		return tools.Invoke(ctx, domain.KBSearchToolName, args)
	}, opts.KBPrefetchTimeout)
	return e
}

type Input struct {
	UserInput string
	History   []domain.Message
}

// Result is what the caller persists as the assistant message.
type Result struct {
	Content   string
	ToolCalls []domain.ToolCallRecord
	Analysis  []domain.AnalysisRecord
}

// Execute runs one skill turn. Stream events go to em as they happen. A
// returned error is fatal for the turn; the caller emits the error event
// and closes the stream, keeping whatever tools already committed.
func (e *Executor) Execute(ctx domain.Context, sk domain.Skill, in Input, em Emitter) (Result, error) {
	if err := em.Emit(EventSkillStart, SkillStartPayload{Skill: sk.Name, Mode: sk.Mode}); err != nil {
		return Result{}, err
	}

	var res Result
	var err error
	switch sk.Mode {
	case domain.SkillModeSteps:
		res, err = e.runSteps(ctx, sk, in, em)
	default:
		res, err = e.runAgent(ctx, sk, in, em)
	}

	end := SkillEndPayload{Skill: sk.Name}
	outcome := "ok"
	if err != nil {
		end.Error = err.Error()
		outcome = "error"
	}
	observability.SkillExecutionsTotal.WithLabelValues(sk.Name, sk.Mode, outcome).Inc()
	if emitErr := em.Emit(EventSkillEnd, end); emitErr != nil && err == nil {
		err = emitErr
	}
	return res, err
}

// formatHistory renders prior turns for template context: the last limit
// messages with system rows dropped.
func formatHistory(history []domain.Message, limit int) string {
	var b strings.Builder
	for _, m := range tailMessages(history, limit) {
		if m.Role == domain.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tailMessages(history []domain.Message, limit int) []domain.Message {
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// stringifyValue renders an extracted JSON field for template context:
// strings stay raw, anything else keeps its JSON form.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

var sensitiveKeyRe = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|authorization|credential)`)

// scrub sanitizes trace payloads before they reach a summary prompt:
// secret-looking keys are redacted, nesting is pruned, long strings
// excerpted.
func scrub(v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		if depth <= 0 {
			return "[pruned]"
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKeyRe.MatchString(k) {
				out[k] = "[redacted]"
				continue
			}
			out[k] = scrub(val, depth-1)
		}
		return out
	case []any:
		if depth <= 0 {
			return "[pruned]"
		}
		out := make([]any, 0, len(t))
		for i, val := range t {
			if i >= 10 {
				out = append(out, "[truncated]")
				break
			}
			out = append(out, scrub(val, depth-1))
		}
		return out
	case string:
		return textx.Excerpt(t, 500)
	default:
		return t
	}
}
