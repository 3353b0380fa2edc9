package skill

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/jsonx"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

// traceEntry is one row of the summary trace. Only steps flagged
// include_in_summary contribute, and details are scrubbed before entry.
type traceEntry struct {
	Step   int    `json:"step"`
	Type   string `json:"type"`
	Tool   string `json:"tool,omitempty"`
	Detail any    `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e *Executor) runSteps(ctx domain.Context, sk domain.Skill, in Input, em Emitter) (Result, error) {
	if err := ValidateSteps(sk.Steps); err != nil {
		return Result{}, err
	}
	steps := make([]domain.SkillStep, len(sk.Steps))
	copy(steps, sk.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	vars := map[string]string{
		"user_input": in.UserInput,
		"history":    formatHistory(in.History, e.opts.HistoryLimit),
	}
	var res Result
	var trace []traceEntry

	for _, st := range steps {
		var err error
		switch st.Type {
		case domain.StepAnalysis:
			err = e.runAnalysisStep(ctx, st, in, vars, &res, &trace, em)
		case domain.StepTool:
			err = e.runToolStep(ctx, st, vars, &res, &trace, em)
		case domain.StepSummary:
			err = e.runSummaryStep(ctx, sk, st, vars, trace, &res, em)
		}
		if err != nil {
			return res, err
		}
	}

	if res.Content == "" && vars["last_step_result"] != "" {
		// No summary step: surface the last result so the turn is not silent.
		if err := em.Emit(EventContentDelta, ContentDeltaPayload{Delta: vars["last_step_result"]}); err != nil {
			return res, err
		}
		res.Content = vars["last_step_result"]
	}
	return res, nil
}

// runAnalysisStep renders the restricted instruction as a system prompt and
// streams the model answer as analysis deltas. The raw user input reaches
// the model as the user turn, never through the template.
func (e *Executor) runAnalysisStep(ctx domain.Context, st domain.SkillStep, in Input, vars map[string]string, res *Result, trace *[]traceEntry, em Emitter) error {
	instr := ParseTemplate(st.Instruction).RenderText(vars, e.opts.RenderCap)
	if err := em.Emit(EventAnalysisStart, AnalysisStartPayload{StepOrder: st.StepOrder}); err != nil {
		return err
	}

	msgs := []domain.ChatMessage{{Role: domain.RoleSystem, Content: instr}}
	if in.UserInput != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: in.UserInput})
	}
	var buf strings.Builder
	resp, err := e.llm.ChatStream(ctx, domain.ChatRequest{Messages: msgs, Temperature: 0}, func(delta string) error {
		buf.WriteString(delta)
		return em.Emit(EventAnalysisDelta, AnalysisDeltaPayload{StepOrder: st.StepOrder, Delta: delta})
	})
	if err != nil {
		return fmt.Errorf("op=analysis_step step=%d: %w", st.StepOrder, err)
	}
	content := resp.Content
	if content == "" {
		content = buf.String()
	}
	if err := em.Emit(EventAnalysisEnd, AnalysisEndPayload{StepOrder: st.StepOrder, Content: content}); err != nil {
		return err
	}
	res.Analysis = append(res.Analysis, domain.AnalysisRecord{StepOrder: st.StepOrder, Content: content})

	prefix := fmt.Sprintf("step%d_", st.StepOrder)
	vars[prefix+"result_raw"] = content
	vars["last_step_result_raw"] = content

	result := content
	var detail any = textx.Excerpt(content, 500)
	if st.OutputMode == "json" {
		fields := extractJSONFields(st, content)
		for k, v := range fields {
			vars[prefix+k] = stringifyValue(v)
		}
		if raw, merr := json.Marshal(fields); merr == nil {
			result = string(raw)
		}
		detail = scrub(fields, 3)
	}
	vars[prefix+"result"] = result
	vars["last_step_result"] = result

	if st.IncludeInSummary {
		*trace = append(*trace, traceEntry{Step: st.StepOrder, Type: st.Type, Detail: detail})
	}
	return nil
}

// extractJSONFields pulls the declared fields out of an analysis answer. A
// model that ignored the JSON contract degrades to no exposed fields rather
// than failing the skill.
func extractJSONFields(st domain.SkillStep, content string) map[string]any {
	var m map[string]any
	if err := jsonx.Unmarshal(content, &m); err != nil {
		slog.Warn("analysis json extraction failed",
			slog.Int("step", st.StepOrder),
			slog.Any("error", err))
		return map[string]any{}
	}
	if len(st.OutputFields) == 0 {
		return m
	}
	out := make(map[string]any, len(st.OutputFields))
	for _, f := range st.OutputFields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}

// runToolStep builds arguments, invokes the tool and records the outcome.
// Tool failures are recorded on the trace and surfaced to the client, but
// they do not abort the remaining steps.
func (e *Executor) runToolStep(ctx domain.Context, st domain.SkillStep, vars map[string]string, res *Result, trace *[]traceEntry, em Emitter) error {
	args, buildErr := e.buildToolArgs(ctx, st, vars)
	if err := em.Emit(EventToolCallStart, ToolCallStartPayload{StepOrder: st.StepOrder, ToolName: st.ToolName, Arguments: args}); err != nil {
		return err
	}

	start := e.now()
	var out string
	err := buildErr
	if err == nil {
		out, err = e.tools.Invoke(ctx, st.ToolName, args)
	}
	durMS := e.now().Sub(start).Milliseconds()

	rec := domain.ToolCallRecord{ToolName: st.ToolName, Arguments: args, DurationMS: durMS}
	end := ToolCallEndPayload{StepOrder: st.StepOrder, ToolName: st.ToolName, DurationMS: durMS}
	entry := traceEntry{Step: st.StepOrder, Type: st.Type, Tool: st.ToolName}
	prefix := fmt.Sprintf("step%d_", st.StepOrder)

	if err != nil {
		rec.Error = err.Error()
		end.Error = err.Error()
		entry.Error = err.Error()
		vars[prefix+"result"] = ""
		vars[prefix+"result_raw"] = ""
		vars["last_step_result"] = ""
		vars["last_step_result_raw"] = ""
	} else {
		rec.Result = out
		end.Result = out
		entry.Detail = scrub(map[string]any{"arguments": args, "result": out}, 3)
		vars[prefix+"result"] = out
		vars[prefix+"result_raw"] = out
		vars["last_step_result"] = out
		vars["last_step_result_raw"] = out
	}
	res.ToolCalls = append(res.ToolCalls, rec)
	if st.IncludeInSummary {
		*trace = append(*trace, entry)
	}
	return em.Emit(EventToolCallEnd, end)
}

func (e *Executor) buildToolArgs(ctx domain.Context, st domain.SkillStep, vars map[string]string) (map[string]any, error) {
	switch st.ArgsFrom {
	case domain.ArgsFromJSON:
		obj, err := ParseTemplate(st.ArgsTemplate).RenderJSONObject(vars, e.opts.RenderCap)
		if err != nil {
			return nil, fmt.Errorf("op=tool_args step=%d: %w", st.StepOrder, err)
		}
		return filterKeys(obj, e.toolSchema(ctx, st.ToolName)), nil
	case domain.ArgsFromCustom:
		prompt := ParseTemplate(st.ArgsTemplate).RenderText(vars, e.opts.RenderCap)
		return e.argsFromLLM(ctx, st.ToolName, prompt)
	case domain.ArgsFromPrevious:
		return e.argsFromLLM(ctx, st.ToolName, vars["last_step_result_raw"])
	default: // context
		return e.argsFromLLM(ctx, st.ToolName, vars["user_input"])
	}
}

// argsFromLLM asks the model to produce a JSON argument object for the tool
// from the given source text, constrained by the tool's parameter schema.
func (e *Executor) argsFromLLM(ctx domain.Context, toolName, source string) (map[string]any, error) {
	sys := "You generate arguments for a tool call. Respond with a single JSON object and nothing else."
	if schema := e.toolSchema(ctx, toolName); schema != nil {
		if raw, err := json.Marshal(schema); err == nil {
			sys += "\nThe arguments must conform to this JSON schema:\n" + string(raw)
		}
	}
	resp, err := e.llm.Chat(ctx, domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: sys},
			{Role: domain.RoleUser, Content: textx.TruncateRunes(source, e.opts.RenderCap)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("op=tool_args tool=%s: %w", toolName, err)
	}
	var args map[string]any
	if err := jsonx.Unmarshal(resp.Content, &args); err != nil {
		return nil, fmt.Errorf("op=tool_args tool=%s: model returned no JSON object: %w", toolName, err)
	}
	return filterKeys(args, e.toolSchema(ctx, toolName)), nil
}

func (e *Executor) toolSchema(ctx domain.Context, name string) map[string]any {
	t, err := e.tools.Resolve(ctx, name)
	if err != nil {
		return nil
	}
	return t.Spec.Parameters
}

// filterKeys drops argument keys the tool schema does not declare. Tools
// without declared properties accept anything.
func filterKeys(args map[string]any, schema map[string]any) map[string]any {
	if args == nil || schema == nil {
		return args
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (e *Executor) runSummaryStep(ctx domain.Context, sk domain.Skill, st domain.SkillStep, vars map[string]string, trace []traceEntry, res *Result, em Emitter) error {
	var b strings.Builder
	if st.Instruction != "" {
		b.WriteString(ParseTemplate(st.Instruction).RenderText(vars, e.opts.RenderCap))
	} else {
		b.WriteString("Summarize for the user what was done on their request.")
	}
	if len(trace) > 0 {
		if raw, err := json.Marshal(trace); err == nil {
			b.WriteString("\n\nExecution trace:\n")
			b.Write(raw)
		}
	}

	sys := sk.SystemPrompt
	if sys == "" {
		sys = "You write a short, friendly recap of what an assistant just did for the user."
	}
	var buf strings.Builder
	resp, err := e.llm.ChatStream(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: sys},
			{Role: domain.RoleUser, Content: b.String()},
		},
	}, func(delta string) error {
		buf.WriteString(delta)
		return em.Emit(EventContentDelta, ContentDeltaPayload{Delta: delta})
	})
	if err != nil {
		return fmt.Errorf("op=summary_step step=%d: %w", st.StepOrder, err)
	}
	content := resp.Content
	if content == "" {
		content = buf.String()
	}
	res.Content += content
	return nil
}
