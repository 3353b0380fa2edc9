package domain

import "time"

// Skill execution modes.
const (
	SkillModeSteps = "steps"
	SkillModeAgent = "agent"
)

// Step types.
const (
	StepAnalysis = "analysis"
	StepTool     = "tool"
	StepSummary  = "summary"
)

// Argument sources for tool steps.
const (
	ArgsFromContext  = "context"
	ArgsFromPrevious = "previous"
	ArgsFromCustom   = "custom"
	ArgsFromJSON     = "json"
)

// KBSearchToolName is reserved: never advertised to the model, never
// storable as a user tool, always resolvable by the executor.
const KBSearchToolName = "kb_search"

// GeneralChatSkillName is the router fallback and is always selectable.
const GeneralChatSkillName = "general_chat"

type KBConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type Skill struct {
	ID             string
	Name           string
	Description    string
	IntentExamples []string
	Tools          []string
	Mode           string
	SystemPrompt   string
	KB             KBConfig
	IsSystem       bool
	Enabled        bool
	Hidden         bool
	Steps          []SkillStep
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SkillStep. StepOrder is unique per skill and 1-based.
type SkillStep struct {
	StepOrder        int      `json:"step_order" yaml:"step_order"`
	Type             string   `json:"type" yaml:"type"`
	Instruction      string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	ToolName         string   `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	ArgsFrom         string   `json:"args_from,omitempty" yaml:"args_from,omitempty"`
	ArgsTemplate     string   `json:"args_template,omitempty" yaml:"args_template,omitempty"`
	OutputMode       string   `json:"output_mode,omitempty" yaml:"output_mode,omitempty"` // text|json
	OutputFields     []string `json:"output_fields,omitempty" yaml:"output_fields,omitempty"`
	IncludeInSummary bool     `json:"include_in_summary,omitempty" yaml:"include_in_summary,omitempty"`
}

// Tool kinds.
const (
	ToolKindLocal  = "local"
	ToolKindRemote = "remote"
)

// Body encodings for remote tools.
const (
	BodyTypeNone       = "none"
	BodyTypeFormData   = "form-data"
	BodyTypeURLEncoded = "x-www-form-urlencoded"
	BodyTypeJSON       = "json"
	BodyTypeXML        = "xml"
	BodyTypeRaw        = "raw"
)

// Auth types for remote tools.
const (
	AuthTypeBearer = "bearer"
	AuthTypeBasic  = "basic"
	AuthTypeAPIKey = "api-key"
)

type ToolAuth struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	HeaderName string `json:"header_name,omitempty"`
	Scheme     string `json:"scheme,omitempty"`
	// APIKey is stored encrypted at rest; adapters decrypt before use.
	APIKey string `json:"api_key,omitempty"`
}

type RemoteToolConfig struct {
	EndpointURL    string            `json:"endpoint_url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
	BodyType       string            `json:"body_type,omitempty"`
	BodyTemplate   string            `json:"body_template,omitempty"`
	PayloadWrapper string            `json:"payload_wrapper,omitempty"`
	Auth           *ToolAuth         `json:"auth,omitempty"`
	TimeoutSec     int               `json:"timeout_sec,omitempty"`
}

type AssistantTool struct {
	ID          string
	Name        string
	Description string
	Kind        string
	Parameters  map[string]any // JSON schema advertised to the model
	Remote      *RemoteToolConfig
	Enabled     bool
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SkillRepository interface {
	Create(ctx Context, s Skill) (Skill, error)
	Get(ctx Context, id string) (Skill, error)
	GetByName(ctx Context, name string) (Skill, error)
	List(ctx Context) ([]Skill, error)
	Update(ctx Context, s Skill) (Skill, error)
	Delete(ctx Context, id string) error
}

type ToolRepository interface {
	Create(ctx Context, t AssistantTool) (AssistantTool, error)
	Get(ctx Context, id string) (AssistantTool, error)
	GetByName(ctx Context, name string) (AssistantTool, error)
	List(ctx Context) ([]AssistantTool, error)
	Update(ctx Context, t AssistantTool) (AssistantTool, error)
	Delete(ctx Context, id string) error
}

// Model credential plumbing. A credential owns many models; a binding pins
// one (component, model_type) pair to a model with ON DELETE SET NULL.

const (
	ComponentAssistant = "assistant"
	ComponentLightRAG  = "lightrag"
)

const (
	ModelTypeLLM       = "llm"
	ModelTypeEmbedding = "embedding"
)

type AiCredential struct {
	ID        string
	Name      string
	Provider  string
	BaseURL   string
	APIKeyEnc string // ciphertext
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AiModel struct {
	ID           string
	CredentialID string
	Name         string
	Type         string
	EmbeddingDim int
	CreatedAt    time.Time
}

type AiComponentBinding struct {
	ID        string
	Component string
	ModelType string
	ModelID   *string
	UpdatedAt time.Time
}

// ResolvedModel is a binding joined with its model and credential, ready to
// construct an upstream client.
type ResolvedModel struct {
	Model      AiModel
	BaseURL    string
	APIKeyEnc  string
	Credential AiCredential
}

type CredentialRepository interface {
	CreateCredential(ctx Context, c AiCredential) (AiCredential, error)
	GetCredential(ctx Context, id string) (AiCredential, error)
	ListCredentials(ctx Context) ([]AiCredential, error)
	UpdateCredential(ctx Context, c AiCredential) (AiCredential, error)
	DeleteCredential(ctx Context, id string) error

	CreateModel(ctx Context, m AiModel) (AiModel, error)
	ListModels(ctx Context, credentialID string) ([]AiModel, error)
	DeleteModel(ctx Context, id string) error

	SetBinding(ctx Context, component, modelType string, modelID *string) (AiComponentBinding, error)
	ListBindings(ctx Context) ([]AiComponentBinding, error)
	// ResolveBinding returns ErrNotFound when the pair is unbound.
	ResolveBinding(ctx Context, component, modelType string) (ResolvedModel, error)
}
