package skill

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
)

const kbContextHeader = "Knowledge base context for the current question (cite with [^n]):"

const agentLimitWarning = "\n\nI reached the tool call limit before finishing; the answer above may be incomplete."

// runAgent drives a bounded tool-call loop: the model streams content and
// may request tool calls; results are fed back until it answers without
// calls or the iteration cap is hit.
func (e *Executor) runAgent(ctx domain.Context, sk domain.Skill, in Input, em Emitter) (Result, error) {
	visible, err := e.tools.Visible(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("op=agent_tools: %w", err)
	}
	bound := filterTools(visible, sk.Tools)

	msgs := []domain.ChatMessage{{Role: domain.RoleSystem, Content: e.agentSystemPrompt(sk, bound)}}
	for _, m := range tailMessages(in.History, e.opts.HistoryLimit) {
		if m.Role == domain.RoleSystem {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if sk.KB.Enabled && strings.TrimSpace(in.UserInput) != "" {
		if kb, ok := e.prefetch.Fetch(ctx, in.UserInput); ok && kb != "" {
			capped := e.counter.Truncate(kb, e.opts.Model, e.opts.KBTokenBudget)
			msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: kbContextHeader + "\n" + capped})
		}
	}
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: in.UserInput})

	specs := toolSpecs(bound)
	var res Result
	var content strings.Builder

	for iter := 0; iter < e.opts.AgentIterations; iter++ {
		resp, err := e.llm.ChatStream(ctx, domain.ChatRequest{Messages: msgs, Tools: specs}, func(delta string) error {
			content.WriteString(delta)
			return em.Emit(EventContentDelta, ContentDeltaPayload{Delta: delta})
		})
		if err != nil {
			res.Content = content.String()
			return res, fmt.Errorf("op=agent_chat: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			res.Content = content.String()
			return res, nil
		}

		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			rec, reply, err := e.runAgentToolCall(ctx, tc, em)
			if err != nil {
				res.Content = content.String()
				return res, err
			}
			res.ToolCalls = append(res.ToolCalls, rec)
			msgs = append(msgs, reply)
		}
	}

	if err := em.Emit(EventContentDelta, ContentDeltaPayload{Delta: agentLimitWarning}); err != nil {
		res.Content = content.String()
		return res, err
	}
	content.WriteString(agentLimitWarning)
	res.Content = content.String()
	return res, nil
}

// runAgentToolCall invokes one model-requested tool call. Tool failures are
// reported back to the model as the tool message; only emit failures abort.
func (e *Executor) runAgentToolCall(ctx domain.Context, tc domain.ToolCall, em Emitter) (domain.ToolCallRecord, domain.ChatMessage, error) {
	var args map[string]any
	var argErr error
	if strings.TrimSpace(tc.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			argErr = fmt.Errorf("op=tool_arguments tool=%s: %w", tc.Name, err)
		}
	}
	if err := em.Emit(EventToolCallStart, ToolCallStartPayload{ToolName: tc.Name, Arguments: args}); err != nil {
		return domain.ToolCallRecord{}, domain.ChatMessage{}, err
	}

	start := e.now()
	var out string
	err := argErr
	if err == nil {
		out, err = e.tools.Invoke(ctx, tc.Name, args)
	}
	durMS := e.now().Sub(start).Milliseconds()

	rec := domain.ToolCallRecord{ToolName: tc.Name, Arguments: args, DurationMS: durMS}
	end := ToolCallEndPayload{ToolName: tc.Name, DurationMS: durMS}
	reply := domain.ChatMessage{Role: domain.RoleTool, ToolCallID: tc.ID, Name: tc.Name}
	if err != nil {
		rec.Error = err.Error()
		end.Error = err.Error()
		reply.Content = "tool error: " + err.Error()
	} else {
		rec.Result = out
		end.Result = out
		reply.Content = out
	}
	if emitErr := em.Emit(EventToolCallEnd, end); emitErr != nil {
		return rec, reply, emitErr
	}
	return rec, reply, nil
}

func (e *Executor) agentSystemPrompt(sk domain.Skill, tools []domain.AssistantTool) string {
	var b strings.Builder
	if strings.TrimSpace(sk.SystemPrompt) != "" {
		b.WriteString(strings.TrimSpace(sk.SystemPrompt))
	} else {
		b.WriteString("You are a personal knowledge assistant.")
	}
	if sk.Description != "" {
		b.WriteString("\n\nSkill: " + sk.Description)
	}
	now := e.now().UTC()
	fmt.Fprintf(&b, "\n\nToday is %s (%s).", now.Format("2006-01-02"), now.Weekday())
	if len(tools) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	if sk.KB.Enabled {
		b.WriteString("\nWhen knowledge base context is provided, ground your answer in it and cite sources with [^n] markers matching the numbered references.")
	}
	return b.String()
}

// filterTools narrows the visible catalogue to the skill's allow-list. An
// empty list binds everything visible.
func filterTools(visible []domain.AssistantTool, names []string) []domain.AssistantTool {
	if len(names) == 0 {
		return visible
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]domain.AssistantTool, 0, len(visible))
	for _, t := range visible {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func toolSpecs(tools []domain.AssistantTool) []domain.ToolSpec {
	specs := make([]domain.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, domain.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs
}
