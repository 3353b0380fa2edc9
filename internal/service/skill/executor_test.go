package skill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindatlas/mindatlas/internal/adapter/ai/tokencount"
	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/tool"
)

type recordedEvent struct {
	name    string
	payload any
}

// recordingEmitter captures stream events in emission order. failOn makes
// one event name fail, simulating a client that dropped the connection.
type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
	failOn string
}

func (r *recordingEmitter) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && event == r.failOn {
		return errors.New("stream closed")
	}
	r.events = append(r.events, recordedEvent{name: event, payload: payload})
	return nil
}

func (r *recordingEmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

func (r *recordingEmitter) last(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == event {
			return r.events[i].payload
		}
	}
	return nil
}

func (r *recordingEmitter) joined(event string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, e := range r.events {
		if e.name != event {
			continue
		}
		switch p := e.payload.(type) {
		case ContentDeltaPayload:
			b.WriteString(p.Delta)
		case AnalysisDeltaPayload:
			b.WriteString(p.Delta)
		}
	}
	return b.String()
}

type toolInvocation struct {
	name string
	args map[string]any
}

type fakeToolSource struct {
	mu         sync.Mutex
	visible    []domain.AssistantTool
	visibleErr error
	specs      map[string]domain.AssistantTool
	invokeFn   func(ctx domain.Context, name string, args map[string]any) (string, error)
	calls      []toolInvocation
}

func (f *fakeToolSource) Visible(domain.Context) ([]domain.AssistantTool, error) {
	return f.visible, f.visibleErr
}

func (f *fakeToolSource) Resolve(_ domain.Context, name string) (tool.Tool, error) {
	spec, ok := f.specs[name]
	if !ok {
		return tool.Tool{}, fmt.Errorf("tool %s: %w", name, domain.ErrNotFound)
	}
	return tool.Tool{Spec: spec}, nil
}

func (f *fakeToolSource) Invoke(ctx domain.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolInvocation{name: name, args: args})
	f.mu.Unlock()
	if f.invokeFn == nil {
		return "", fmt.Errorf("tool %s: %w", name, domain.ErrNotFound)
	}
	return f.invokeFn(ctx, name, args)
}

// invocations is read after Execute returns, including calls made on the
// prefetch worker goroutine.
func (f *fakeToolSource) invocations() []toolInvocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]toolInvocation, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestExecutor(llm domain.LLMClient, tools ToolSource, opts Options) *Executor {
	return NewExecutor(llm, tools, tokencount.NewCounter(), opts)
}

func TestExecute_StepsMode_CaptureRecipe(t *testing.T) {
	t.Parallel()

	const (
		input       = "今天读了 Go 装饰器的文章,帮我记下来"
		analysisOut = `{"title": "Go notes", "content": "Decorators in Go"}`
	)

	streamCalls := 0
	llm := &fakeLLM{
		streamFn: func(_ domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			streamCalls++
			switch streamCalls {
			case 1: // analysis: rendered instruction as system, raw input as user
				require.Len(t, req.Messages, 2)
				assert.Equal(t, "Extract the note title and body.", req.Messages[0].Content)
				assert.Equal(t, input, req.Messages[1].Content)
				assert.Zero(t, req.Temperature)
				require.NoError(t, fn(`{"title": "Go notes"`))
				require.NoError(t, fn(`, "content": "Decorators in Go"}`))
				return domain.ChatResponse{Content: analysisOut}, nil
			default: // summary carries the rendered instruction plus the trace
				require.Len(t, req.Messages, 2)
				prompt := req.Messages[1].Content
				assert.Contains(t, prompt, "entry 7f3a created")
				assert.Contains(t, prompt, "Execution trace:")
				assert.Contains(t, prompt, `"tool":"create_entry"`)
				assert.NotContains(t, prompt, "mood")
				require.NoError(t, fn("Saved!"))
				return domain.ChatResponse{Content: "Saved!"}, nil
			}
		},
	}
	tools := &fakeToolSource{
		specs: map[string]domain.AssistantTool{
			"create_entry": {Name: "create_entry", Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":   map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
			}},
		},
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "entry 7f3a created", nil
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{})

	sk := domain.Skill{Name: "smart_capture", Mode: domain.SkillModeSteps, Steps: []domain.SkillStep{
		{StepOrder: 1, Type: domain.StepAnalysis, Instruction: "Extract the note title and body.",
			OutputMode: "json", OutputFields: []string{"title", "content"}, IncludeInSummary: true},
		{StepOrder: 2, Type: domain.StepTool, ToolName: "create_entry", ArgsFrom: domain.ArgsFromJSON,
			ArgsTemplate:     `{"title": "{{step1_title}}", "content": "{{step1_content}}", "mood": "calm"}`,
			IncludeInSummary: true},
		{StepOrder: 3, Type: domain.StepSummary, Instruction: "Confirm that {{step2_result}} happened."},
	}}

	res, err := ex.Execute(context.Background(), sk, Input{UserInput: input}, em)
	require.NoError(t, err)
	assert.Equal(t, "Saved!", res.Content)

	require.Len(t, res.Analysis, 1)
	assert.Equal(t, 1, res.Analysis[0].StepOrder)
	assert.Equal(t, analysisOut, res.Analysis[0].Content)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "create_entry", res.ToolCalls[0].ToolName)
	assert.Equal(t, "entry 7f3a created", res.ToolCalls[0].Result)
	assert.Empty(t, res.ToolCalls[0].Error)

	assert.Equal(t, []string{
		EventSkillStart,
		EventAnalysisStart, EventAnalysisDelta, EventAnalysisDelta, EventAnalysisEnd,
		EventToolCallStart, EventToolCallEnd,
		EventContentDelta,
		EventSkillEnd,
	}, em.names())
	assert.Equal(t, analysisOut, em.joined(EventAnalysisDelta))

	calls := tools.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"title": "Go notes", "content": "Decorators in Go"}, calls[0].args)

	start, ok := em.last(EventToolCallStart).(ToolCallStartPayload)
	require.True(t, ok)
	assert.Equal(t, "Go notes", start.Arguments["title"])
	_, hasMood := start.Arguments["mood"]
	assert.False(t, hasMood, "keys outside the tool schema must be dropped")
}

func TestExecute_StepsMode_NoSummarySurfacesLastResult(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{
		streamFn: func(_ domain.Context, _ domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			require.NoError(t, fn("Two action items."))
			return domain.ChatResponse{Content: "Two action items."}, nil
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, &fakeToolSource{}, Options{})

	sk := domain.Skill{Name: "digest", Mode: domain.SkillModeSteps, Steps: []domain.SkillStep{
		{StepOrder: 1, Type: domain.StepAnalysis, Instruction: "List the action items."},
	}}

	res, err := ex.Execute(context.Background(), sk, Input{UserInput: "meeting notes"}, em)
	require.NoError(t, err)
	assert.Equal(t, "Two action items.", res.Content)
	assert.Equal(t, []string{
		EventSkillStart,
		EventAnalysisStart, EventAnalysisDelta, EventAnalysisEnd,
		EventContentDelta,
		EventSkillEnd,
	}, em.names())

	delta, ok := em.last(EventContentDelta).(ContentDeltaPayload)
	require.True(t, ok)
	assert.Equal(t, "Two action items.", delta.Delta)
}

func TestExecute_StepsMode_ToolFailureReachesSummary(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{
		streamFn: func(_ domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			// The failed call must be visible to the summary model.
			require.Contains(t, req.Messages[1].Content, "remote 500")
			require.NoError(t, fn("The lookup failed, sorry."))
			return domain.ChatResponse{Content: "The lookup failed, sorry."}, nil
		},
	}
	tools := &fakeToolSource{
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "", errors.New("remote 500")
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{})

	sk := domain.Skill{Name: "status_check", Mode: domain.SkillModeSteps, Steps: []domain.SkillStep{
		{StepOrder: 1, Type: domain.StepTool, ToolName: "web_search", ArgsFrom: domain.ArgsFromJSON,
			ArgsTemplate: `{"query": "open incidents"}`, IncludeInSummary: true},
		{StepOrder: 2, Type: domain.StepSummary},
	}}

	res, err := ex.Execute(context.Background(), sk, Input{UserInput: "any incidents?"}, em)
	require.NoError(t, err, "a failed tool step must not abort the turn")
	assert.Equal(t, "The lookup failed, sorry.", res.Content)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "remote 500", res.ToolCalls[0].Error)
	assert.Empty(t, res.ToolCalls[0].Result)

	end, ok := em.last(EventToolCallEnd).(ToolCallEndPayload)
	require.True(t, ok)
	assert.Equal(t, "remote 500", end.Error)
}

func TestExecute_StepsMode_InvalidRecipeFailsClosed(t *testing.T) {
	t.Parallel()

	em := &recordingEmitter{}
	ex := newTestExecutor(&fakeLLM{}, &fakeToolSource{}, Options{})

	sk := domain.Skill{Name: "broken", Mode: domain.SkillModeSteps, Steps: []domain.SkillStep{
		{StepOrder: 1, Type: domain.StepAnalysis}, // missing instruction
	}}

	_, err := ex.Execute(context.Background(), sk, Input{UserInput: "hi"}, em)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, []string{EventSkillStart, EventSkillEnd}, em.names())

	end, ok := em.last(EventSkillEnd).(SkillEndPayload)
	require.True(t, ok)
	assert.Contains(t, end.Error, "analysis requires an instruction")
}

func TestExecute_AgentMode_ToolCallLoop(t *testing.T) {
	t.Parallel()

	const input = "记一下:明天给小组发周报"
	streamCalls := 0
	llm := &fakeLLM{
		streamFn: func(_ domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			streamCalls++
			switch streamCalls {
			case 1:
				require.Len(t, req.Tools, 1, "allow-list narrows the visible catalogue")
				assert.Equal(t, "create_entry", req.Tools[0].Name)
				// system prompt + history without the system row + user input
				require.Len(t, req.Messages, 4)
				sys := req.Messages[0]
				assert.Equal(t, domain.RoleSystem, sys.Role)
				assert.Contains(t, sys.Content, "Available tools:")
				assert.Contains(t, sys.Content, "create_entry: Save a note")
				assert.Contains(t, sys.Content, "Today is")
				assert.Equal(t, "earlier question", req.Messages[1].Content)
				assert.Equal(t, input, req.Messages[3].Content)
				return domain.ChatResponse{ToolCalls: []domain.ToolCall{
					{ID: "call_1", Name: "create_entry", Arguments: `{"title":"周报"}`},
				}}, nil
			default:
				require.Len(t, req.Messages, 6)
				assert.Equal(t, domain.RoleAssistant, req.Messages[4].Role)
				require.Len(t, req.Messages[4].ToolCalls, 1)
				reply := req.Messages[5]
				assert.Equal(t, domain.RoleTool, reply.Role)
				assert.Equal(t, "call_1", reply.ToolCallID)
				assert.Equal(t, "create_entry", reply.Name)
				assert.Equal(t, "saved 7f3a", reply.Content)
				require.NoError(t, fn("Done! Your note is saved."))
				return domain.ChatResponse{Content: "Done! Your note is saved."}, nil
			}
		},
	}
	tools := &fakeToolSource{
		visible: []domain.AssistantTool{
			{Name: "create_entry", Description: "Save a note"},
			{Name: "web_search", Description: "Search the web"},
		},
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "saved 7f3a", nil
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{})

	sk := domain.Skill{Name: "general_chat", Mode: domain.SkillModeAgent, Tools: []string{"create_entry"}}
	history := []domain.Message{
		{Role: domain.RoleSystem, Content: "seed prompt"},
		{Role: domain.RoleUser, Content: "earlier question"},
		{Role: domain.RoleAssistant, Content: "earlier answer"},
	}

	res, err := ex.Execute(context.Background(), sk, Input{UserInput: input, History: history}, em)
	require.NoError(t, err)
	assert.Equal(t, "Done! Your note is saved.", res.Content)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, map[string]any{"title": "周报"}, res.ToolCalls[0].Arguments)
	assert.Equal(t, "saved 7f3a", res.ToolCalls[0].Result)

	assert.Equal(t, []string{
		EventSkillStart,
		EventToolCallStart, EventToolCallEnd,
		EventContentDelta,
		EventSkillEnd,
	}, em.names())
}

func TestExecute_AgentMode_IterationCapWarns(t *testing.T) {
	t.Parallel()

	streamCalls := 0
	llm := &fakeLLM{
		streamFn: func(domain.Context, domain.ChatRequest, domain.ChatStreamFunc) (domain.ChatResponse, error) {
			streamCalls++
			return domain.ChatResponse{ToolCalls: []domain.ToolCall{
				{ID: fmt.Sprintf("call_%d", streamCalls), Name: "web_search", Arguments: `{"query":"more"}`},
			}}, nil
		},
	}
	tools := &fakeToolSource{
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "nothing new", nil
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{AgentIterations: 2})

	sk := domain.Skill{Name: "research", Mode: domain.SkillModeAgent}
	res, err := ex.Execute(context.Background(), sk, Input{UserInput: "keep digging"}, em)
	require.NoError(t, err, "hitting the cap is a warning, not a failure")
	assert.Equal(t, 2, streamCalls)
	assert.Len(t, res.ToolCalls, 2)
	assert.Contains(t, res.Content, "tool call limit")

	delta, ok := em.last(EventContentDelta).(ContentDeltaPayload)
	require.True(t, ok)
	assert.Contains(t, delta.Delta, "tool call limit")
}

func TestExecute_AgentMode_ToolErrorFedBackToModel(t *testing.T) {
	t.Parallel()

	streamCalls := 0
	llm := &fakeLLM{
		streamFn: func(_ domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			streamCalls++
			if streamCalls == 1 {
				return domain.ChatResponse{ToolCalls: []domain.ToolCall{
					{ID: "call_1", Name: "web_search", Arguments: `{"query":"x"}`},
				}}, nil
			}
			reply := req.Messages[len(req.Messages)-1]
			require.Equal(t, domain.RoleTool, reply.Role)
			assert.Contains(t, reply.Content, "tool error:")
			assert.Contains(t, reply.Content, "upstream 503")
			require.NoError(t, fn("The search service is down right now."))
			return domain.ChatResponse{Content: "The search service is down right now."}, nil
		},
	}
	tools := &fakeToolSource{
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "", errors.New("upstream 503")
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{})

	sk := domain.Skill{Name: "general_chat", Mode: domain.SkillModeAgent}
	res, err := ex.Execute(context.Background(), sk, Input{UserInput: "find it"}, em)
	require.NoError(t, err, "tool failures go back to the model, they do not abort")
	assert.Equal(t, "The search service is down right now.", res.Content)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "upstream 503", res.ToolCalls[0].Error)
}

func TestExecute_AgentMode_ModelErrorKeepsPartialContent(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{
		streamFn: func(_ domain.Context, _ domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			require.NoError(t, fn("Let me think"))
			return domain.ChatResponse{}, errors.New("upstream reset")
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, &fakeToolSource{}, Options{})

	sk := domain.Skill{Name: "general_chat", Mode: domain.SkillModeAgent}
	res, err := ex.Execute(context.Background(), sk, Input{UserInput: "hello"}, em)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream reset")
	assert.Equal(t, "Let me think", res.Content, "streamed text survives the failure")

	end, ok := em.last(EventSkillEnd).(SkillEndPayload)
	require.True(t, ok)
	assert.Contains(t, end.Error, "upstream reset")
}

func TestExecute_AgentMode_KBContextInjected(t *testing.T) {
	t.Parallel()

	const input = "上周关于缓存失效的笔记讲了什么?"
	llm := &fakeLLM{
		streamFn: func(_ domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			require.Len(t, req.Messages, 3)
			sys := req.Messages[0]
			assert.Contains(t, sys.Content, "cite sources")
			kb := req.Messages[1]
			assert.Equal(t, domain.RoleSystem, kb.Role)
			assert.Contains(t, kb.Content, kbContextHeader)
			assert.Contains(t, kb.Content, "[1] cache invalidation notes")
			assert.Equal(t, input, req.Messages[2].Content)
			require.NoError(t, fn("They cover TTL jitter [^1]."))
			return domain.ChatResponse{Content: "They cover TTL jitter [^1]."}, nil
		},
	}
	tools := &fakeToolSource{
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "[1] cache invalidation notes", nil
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{})

	sk := domain.Skill{Name: "general_chat", Mode: domain.SkillModeAgent, KB: domain.KBConfig{Enabled: true}}
	res, err := ex.Execute(context.Background(), sk, Input{UserInput: input}, em)
	require.NoError(t, err)
	assert.Equal(t, "They cover TTL jitter [^1].", res.Content)

	calls := tools.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.KBSearchToolName, calls[0].name)
	assert.Equal(t, map[string]any{"query": input}, calls[0].args)
}

func TestExecute_AgentMode_KBFailureDegradesGracefully(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{
		streamFn: func(_ domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			// No knowledge-base message when the lookup failed.
			require.Len(t, req.Messages, 2)
			require.NoError(t, fn("From what I remember, quite a lot."))
			return domain.ChatResponse{Content: "From what I remember, quite a lot."}, nil
		},
	}
	tools := &fakeToolSource{
		invokeFn: func(domain.Context, string, map[string]any) (string, error) {
			return "", errors.New("lightrag 502")
		},
	}
	em := &recordingEmitter{}
	ex := newTestExecutor(llm, tools, Options{})

	sk := domain.Skill{Name: "general_chat", Mode: domain.SkillModeAgent, KB: domain.KBConfig{Enabled: true}}
	res, err := ex.Execute(context.Background(), sk, Input{UserInput: "笔记里有什么?"}, em)
	require.NoError(t, err)
	assert.Equal(t, "From what I remember, quite a lot.", res.Content)
}

func TestExecute_EmitFailureAbortsTurn(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{
		streamFn: func(_ domain.Context, _ domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
			if err := fn("Hello"); err != nil {
				return domain.ChatResponse{}, err
			}
			return domain.ChatResponse{Content: "Hello"}, nil
		},
	}
	em := &recordingEmitter{failOn: EventContentDelta}
	ex := newTestExecutor(llm, &fakeToolSource{}, Options{})

	sk := domain.Skill{Name: "general_chat", Mode: domain.SkillModeAgent}
	_, err := ex.Execute(context.Background(), sk, Input{UserInput: "hi"}, em)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream closed")
	assert.NotContains(t, em.names(), EventContentDelta)
	assert.Contains(t, em.names(), EventSkillEnd)
}

func TestScrub_RedactsSecretsAndPrunes(t *testing.T) {
	t.Parallel()

	got := scrub(map[string]any{
		"api_key":       "sk-live-123",
		"Authorization": "Bearer abc",
		"note":          strings.Repeat("x", 600),
		"nested": map[string]any{
			"password": "hunter2",
			"deep":     map[string]any{"v": map[string]any{"w": 1}},
		},
	}, 3)

	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[redacted]", m["api_key"])
	assert.Equal(t, "[redacted]", m["Authorization"])
	assert.Less(t, len(m["note"].(string)), 600)

	nested := m["nested"].(map[string]any)
	assert.Equal(t, "[redacted]", nested["password"])
	deep := nested["deep"].(map[string]any)
	assert.Equal(t, "[pruned]", deep["v"])
}

func TestScrub_TruncatesLongLists(t *testing.T) {
	t.Parallel()

	long := make([]any, 12)
	for i := range long {
		long[i] = i
	}
	got, ok := scrub(long, 2).([]any)
	require.True(t, ok)
	require.Len(t, got, 11)
	assert.Equal(t, "[truncated]", got[10])
}
