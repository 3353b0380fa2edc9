package httpserver

import (
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// Wire DTOs. Domain entities stay tag-free; the HTTP layer owns the JSON
// shape so storage changes never leak into the API.

type entryDTO struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	Content   string     `json:"content,omitempty"`
	TypeID    string     `json:"type_id"`
	TimeMode  string     `json:"time_mode"`
	TimeAt    *time.Time `json:"time_at,omitempty"`
	TimeFrom  *time.Time `json:"time_from,omitempty"`
	TimeTo    *time.Time `json:"time_to,omitempty"`
	Tags      []tagDTO   `json:"tags"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toEntryDTO(e domain.Entry) entryDTO {
	tags := make([]tagDTO, 0, len(e.Tags))
	for _, t := range e.Tags {
		tags = append(tags, toTagDTO(t))
	}
	return entryDTO{
		ID:        e.ID,
		Title:     e.Title,
		Summary:   e.Summary,
		Content:   e.Content,
		TypeID:    e.TypeID,
		TimeMode:  string(e.TimeMode),
		TimeAt:    e.TimeAt,
		TimeFrom:  e.TimeFrom,
		TimeTo:    e.TimeTo,
		Tags:      tags,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

type tagDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

func toTagDTO(t domain.Tag) tagDTO {
	return tagDTO{ID: t.ID, Name: t.Name, Color: t.Color, Description: t.Description}
}

type entryTypeDTO struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	Color        string `json:"color,omitempty"`
	Icon         string `json:"icon,omitempty"`
	GraphEnabled bool   `json:"graph_enabled"`
	AIEnabled    bool   `json:"ai_enabled"`
	Enabled      bool   `json:"enabled"`
}

func toEntryTypeDTO(t domain.EntryType) entryTypeDTO {
	return entryTypeDTO{
		ID: t.ID, Code: t.Code, Name: t.Name, Color: t.Color, Icon: t.Icon,
		GraphEnabled: t.GraphEnabled, AIEnabled: t.AIEnabled, Enabled: t.Enabled,
	}
}

type relationTypeDTO struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Directed bool   `json:"directed"`
	Enabled  bool   `json:"enabled"`
}

func toRelationTypeDTO(t domain.RelationType) relationTypeDTO {
	return relationTypeDTO{ID: t.ID, Code: t.Code, Name: t.Name, Directed: t.Directed, Enabled: t.Enabled}
}

type relationDTO struct {
	ID            string    `json:"id"`
	SourceEntryID string    `json:"source_entry_id"`
	TargetEntryID string    `json:"target_entry_id"`
	TypeID        string    `json:"type_id"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toRelationDTO(r domain.EntryRelation) relationDTO {
	return relationDTO{
		ID: r.ID, SourceEntryID: r.SourceEntryID, TargetEntryID: r.TargetEntryID,
		TypeID: r.TypeID, Note: r.Note, CreatedAt: r.CreatedAt,
	}
}

type attachmentDTO struct {
	ID                    string    `json:"id"`
	EntryID               string    `json:"entry_id"`
	OriginalFilename      string    `json:"original_filename"`
	ContentType           string    `json:"content_type"`
	Size                  int64     `json:"size"`
	ParseStatus           string    `json:"parse_status"`
	IndexToKnowledgeGraph bool      `json:"index_to_knowledge_graph"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func toAttachmentDTO(a domain.Attachment) attachmentDTO {
	return attachmentDTO{
		ID: a.ID, EntryID: a.EntryID, OriginalFilename: a.OriginalFilename,
		ContentType: a.ContentType, Size: a.Size, ParseStatus: string(a.ParseStatus),
		IndexToKnowledgeGraph: a.IndexToKnowledgeGraph, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

type conversationDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toConversationDTO(c domain.Conversation) conversationDTO {
	return conversationDTO{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

type messageDTO struct {
	ID             string                   `json:"id"`
	ConversationID string                   `json:"conversation_id"`
	Role           string                   `json:"role"`
	Content        string                   `json:"content"`
	ToolCalls      []domain.ToolCallRecord  `json:"tool_calls,omitempty"`
	SkillCalls     []domain.SkillCallRecord `json:"skill_calls,omitempty"`
	Analysis       []domain.AnalysisRecord  `json:"analysis,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
}

func toMessageDTO(m domain.Message) messageDTO {
	return messageDTO{
		ID: m.ID, ConversationID: m.ConversationID, Role: m.Role, Content: m.Content,
		ToolCalls: m.ToolCalls, SkillCalls: m.SkillCalls, Analysis: m.Analysis, CreatedAt: m.CreatedAt,
	}
}

type skillDTO struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	IntentExamples []string           `json:"intent_examples,omitempty"`
	Tools          []string           `json:"tools,omitempty"`
	Mode           string             `json:"mode"`
	SystemPrompt   string             `json:"system_prompt,omitempty"`
	KB             domain.KBConfig    `json:"kb_config"`
	IsSystem       bool               `json:"is_system"`
	Enabled        bool               `json:"enabled"`
	Hidden         bool               `json:"hidden"`
	Steps          []domain.SkillStep `json:"steps,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func toSkillDTO(s domain.Skill) skillDTO {
	return skillDTO{
		ID: s.ID, Name: s.Name, Description: s.Description, IntentExamples: s.IntentExamples,
		Tools: s.Tools, Mode: s.Mode, SystemPrompt: s.SystemPrompt, KB: s.KB,
		IsSystem: s.IsSystem, Enabled: s.Enabled, Hidden: s.Hidden, Steps: s.Steps,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

type toolDTO struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Kind        string                   `json:"kind"`
	Parameters  map[string]any           `json:"parameters,omitempty"`
	Remote      *domain.RemoteToolConfig `json:"remote,omitempty"`
	Enabled     bool                     `json:"enabled"`
	IsSystem    bool                     `json:"is_system"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// toToolDTO redacts remote auth secrets. Presence is signalled without the
// ciphertext so the UI can show "configured".
func toToolDTO(t domain.AssistantTool) toolDTO {
	remote := t.Remote
	if remote != nil && remote.Auth != nil {
		auth := *remote.Auth
		if auth.Token != "" {
			auth.Token = redactedSecret
		}
		if auth.Password != "" {
			auth.Password = redactedSecret
		}
		if auth.APIKey != "" {
			auth.APIKey = redactedSecret
		}
		rc := *remote
		rc.Auth = &auth
		remote = &rc
	}
	return toolDTO{
		ID: t.ID, Name: t.Name, Description: t.Description, Kind: t.Kind,
		Parameters: t.Parameters, Remote: remote, Enabled: t.Enabled, IsSystem: t.IsSystem,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

const redactedSecret = "********"

type credentialDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider,omitempty"`
	BaseURL   string    `json:"base_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// toCredentialDTO never carries key material; creation requires a key, so
// its presence is implied.
func toCredentialDTO(c domain.AiCredential) credentialDTO {
	return credentialDTO{
		ID: c.ID, Name: c.Name, Provider: c.Provider, BaseURL: c.BaseURL,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

type modelDTO struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	EmbeddingDim int       `json:"embedding_dim,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toModelDTO(m domain.AiModel) modelDTO {
	return modelDTO{
		ID: m.ID, CredentialID: m.CredentialID, Name: m.Name, Type: m.Type,
		EmbeddingDim: m.EmbeddingDim, CreatedAt: m.CreatedAt,
	}
}

type bindingDTO struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	ModelType string    `json:"model_type"`
	ModelID   *string   `json:"model_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toBindingDTO(b domain.AiComponentBinding) bindingDTO {
	return bindingDTO{ID: b.ID, Component: b.Component, ModelType: b.ModelType, ModelID: b.ModelID, UpdatedAt: b.UpdatedAt}
}

// listPage is the standard list payload: items plus the total row count for
// offset pagination.
type listPage struct {
	Items any `json:"items"`
	Total int `json:"total"`
}
