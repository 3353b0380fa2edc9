package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// Skills

type skillRequest struct {
	Name           string             `json:"name" validate:"required,max=100"`
	Description    string             `json:"description" validate:"max=2000"`
	IntentExamples []string           `json:"intent_examples" validate:"max=50,dive,max=500"`
	Tools          []string           `json:"tools" validate:"max=20"`
	Mode           string             `json:"mode" validate:"required,oneof=steps agent"`
	SystemPrompt   string             `json:"system_prompt" validate:"max=16000"`
	KB             domain.KBConfig    `json:"kb_config"`
	Enabled        bool               `json:"enabled"`
	Hidden         bool               `json:"hidden"`
	Steps          []domain.SkillStep `json:"steps" validate:"max=20"`
}

func (req skillRequest) toSkill(id string) domain.Skill {
	return domain.Skill{
		ID: id, Name: req.Name, Description: req.Description,
		IntentExamples: req.IntentExamples, Tools: req.Tools, Mode: req.Mode,
		SystemPrompt: req.SystemPrompt, KB: req.KB,
		Enabled: req.Enabled, Hidden: req.Hidden, Steps: req.Steps,
	}
}

func (s *Server) CreateSkillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req skillRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		sk, err := s.SkillAdmin.Create(r.Context(), req.toSkill(""))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toSkillDTO(sk))
	}
}

func (s *Server) ListSkillsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skills, err := s.SkillAdmin.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]skillDTO, 0, len(skills))
		for _, sk := range skills {
			items = append(items, toSkillDTO(sk))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) GetSkillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		sk, err := s.SkillAdmin.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toSkillDTO(sk))
	}
}

func (s *Server) UpdateSkillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req skillRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		sk, err := s.SkillAdmin.Update(r.Context(), req.toSkill(id))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toSkillDTO(sk))
	}
}

func (s *Server) DeleteSkillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.SkillAdmin.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// Tools

type toolRequest struct {
	Name        string                   `json:"name" validate:"required,max=100"`
	Description string                   `json:"description" validate:"max=2000"`
	Kind        string                   `json:"kind" validate:"required,oneof=local remote"`
	Parameters  map[string]any           `json:"parameters"`
	Remote      *domain.RemoteToolConfig `json:"remote"`
	Enabled     bool                     `json:"enabled"`
}

func (req toolRequest) toTool(id string) domain.AssistantTool {
	return domain.AssistantTool{
		ID: id, Name: req.Name, Description: req.Description, Kind: req.Kind,
		Parameters: req.Parameters, Remote: req.Remote, Enabled: req.Enabled,
	}
}

func (s *Server) CreateToolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toolRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.ToolAdmin.Create(r.Context(), req.toTool(""))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toToolDTO(t))
	}
}

func (s *Server) ListToolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tools, err := s.ToolAdmin.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]toolDTO, 0, len(tools))
		for _, t := range tools {
			items = append(items, toToolDTO(t))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) GetToolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		t, err := s.ToolAdmin.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toToolDTO(t))
	}
}

func (s *Server) UpdateToolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req toolRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.ToolAdmin.Update(r.Context(), req.toTool(id))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toToolDTO(t))
	}
}

func (s *Server) DeleteToolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.ToolAdmin.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// Credentials, models and bindings

type credentialRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Provider string `json:"provider" validate:"max=100"`
	BaseURL  string `json:"base_url" validate:"required,max=500"`
	APIKey   string `json:"api_key" validate:"max=2000"`
}

func (s *Server) CreateCredentialHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		c, err := s.AiAdmin.CreateCredential(r.Context(), domain.AiCredential{
			Name: req.Name, Provider: req.Provider, BaseURL: req.BaseURL,
		}, req.APIKey)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toCredentialDTO(c))
	}
}

func (s *Server) ListCredentialsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := s.AiAdmin.ListCredentials(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]credentialDTO, 0, len(creds))
		for _, c := range creds {
			items = append(items, toCredentialDTO(c))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) UpdateCredentialHandler() http.HandlerFunc {
	type updateRequest struct {
		Name     string `json:"name" validate:"max=100"`
		Provider string `json:"provider" validate:"max=100"`
		BaseURL  string `json:"base_url" validate:"max=500"`
		APIKey   string `json:"api_key" validate:"max=2000"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req updateRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		c, err := s.AiAdmin.UpdateCredential(r.Context(), domain.AiCredential{
			ID: id, Name: req.Name, Provider: req.Provider, BaseURL: req.BaseURL,
		}, req.APIKey)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toCredentialDTO(c))
	}
}

func (s *Server) DeleteCredentialHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.AiAdmin.DeleteCredential(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

type modelRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	Type         string `json:"type" validate:"required,oneof=llm embedding"`
	EmbeddingDim int    `json:"embedding_dim" validate:"min=0,max=65536"`
}

func (s *Server) CreateModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credID, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req modelRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		m, err := s.AiAdmin.CreateModel(r.Context(), domain.AiModel{
			CredentialID: credID, Name: req.Name, Type: req.Type, EmbeddingDim: req.EmbeddingDim,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toModelDTO(m))
	}
}

// ListModelsHandler lists models, optionally filtered by ?credential_id=.
func (s *Server) ListModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := s.AiAdmin.ListModels(r.Context(), r.URL.Query().Get("credential_id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]modelDTO, 0, len(models))
		for _, m := range models {
			items = append(items, toModelDTO(m))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) DeleteModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.AiAdmin.DeleteModel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

type bindingRequest struct {
	Component string  `json:"component" validate:"required,oneof=assistant lightrag"`
	ModelType string  `json:"model_type" validate:"required,oneof=llm embedding"`
	ModelID   *string `json:"model_id"`
}

// SetBindingHandler pins a component to a model; model_id null clears the
// binding.
func (s *Server) SetBindingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bindingRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		b, err := s.AiAdmin.SetBinding(r.Context(), req.Component, req.ModelType, req.ModelID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toBindingDTO(b))
	}
}

func (s *Server) ListBindingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bindings, err := s.AiAdmin.ListBindings(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]bindingDTO, 0, len(bindings))
		for _, b := range bindings {
			items = append(items, toBindingDTO(b))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}
