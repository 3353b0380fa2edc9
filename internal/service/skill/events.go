package skill

import (
	"encoding/json"
	"fmt"
)

// Stream event names, in emission order for one chat turn: message_start,
// then interleaved skill/tool/analysis/content events, optionally
// title_updated, finally message_end.
const (
	EventMessageStart  = "message_start"
	EventMessageEnd    = "message_end"
	EventContentDelta  = "content_delta"
	EventSkillStart    = "skill_start"
	EventSkillEnd      = "skill_end"
	EventToolCallStart = "tool_call_start"
	EventToolCallEnd   = "tool_call_end"
	EventAnalysisStart = "analysis_start"
	EventAnalysisDelta = "analysis_delta"
	EventAnalysisEnd   = "analysis_end"
	EventTitleUpdated  = "title_updated"
	EventError         = "error"
)

// Finish reasons for message_end.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// Emitter receives stream events during a chat turn. Emit errors abort the
// turn (the client is gone).
type Emitter interface {
	Emit(event string, payload any) error
}

type MessageStartPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

type MessageEndPayload struct {
	FinishReason string `json:"finishReason"`
	MessageID    string `json:"message_id,omitempty"`
}

type ContentDeltaPayload struct {
	Delta string `json:"delta"`
}

type SkillStartPayload struct {
	Skill string `json:"skill"`
	Mode  string `json:"mode"`
}

type SkillEndPayload struct {
	Skill string `json:"skill"`
	Error string `json:"error,omitempty"`
}

type ToolCallStartPayload struct {
	StepOrder int            `json:"step_order,omitempty"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ToolCallEndPayload struct {
	StepOrder  int    `json:"step_order,omitempty"`
	ToolName   string `json:"tool_name"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type AnalysisStartPayload struct {
	StepOrder int `json:"step_order"`
}

type AnalysisDeltaPayload struct {
	StepOrder int    `json:"step_order"`
	Delta     string `json:"delta"`
}

type AnalysisEndPayload struct {
	StepOrder int    `json:"step_order"`
	Content   string `json:"content"`
}

type TitleUpdatedPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// MarshalPayload encodes an event payload for the wire, degrading to a
// quoted string form when a value resists JSON encoding so one odd tool
// result cannot kill the stream.
func MarshalPayload(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return b
}
