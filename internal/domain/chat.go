package domain

import "time"

// Chat roles follow the OpenAI wire vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message rows carry optional replay arrays so the UI can re-render tool and
// skill activity without re-running anything.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	ToolCalls      []ToolCallRecord
	SkillCalls     []SkillCallRecord
	Analysis       []AnalysisRecord
	CreatedAt      time.Time
}

type ToolCallRecord struct {
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

type SkillCallRecord struct {
	SkillName string `json:"skill_name"`
	Mode      string `json:"mode,omitempty"`
	Error     string `json:"error,omitempty"`
}

type AnalysisRecord struct {
	StepOrder int    `json:"step_order"`
	Content   string `json:"content"`
}

type ConversationRepository interface {
	Create(ctx Context, c Conversation) (Conversation, error)
	Get(ctx Context, id string) (Conversation, error)
	List(ctx Context, limit, offset int) ([]Conversation, int, error)
	SetTitle(ctx Context, id, title string) error
	Delete(ctx Context, id string) error
	AppendMessage(ctx Context, m Message) (Message, error)
	// ListMessages returns messages in chronological order.
	ListMessages(ctx Context, conversationID string) ([]Message, error)
}

// LLM wire shapes (OpenAI-compatible).

type ChatMessage struct {
	Role       string
	Content    string
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolSpec is the function schema advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// ChatStreamFunc receives incremental answer text. Tool-call deltas are
// accumulated internally and surface on the final ChatResponse.
type ChatStreamFunc func(delta string) error

type LLMClient interface {
	Chat(ctx Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx Context, req ChatRequest, fn ChatStreamFunc) (ChatResponse, error)
}

type EmbeddingClient interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

type RerankScore struct {
	Index int
	Score float64
}

type RerankClient interface {
	Rerank(ctx Context, query string, documents []string, topN int) ([]RerankScore, error)
}
