package usecase

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/skill"
	"github.com/mindatlas/mindatlas/internal/service/tool"
	"github.com/mindatlas/mindatlas/pkg/secretbox"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

// AiAdminService manages model credentials, the models under them, and the
// component bindings that pick which model each component uses. API keys are
// sealed before they reach the repository and never returned in clear.
type AiAdminService struct {
	Creds domain.CredentialRepository
	Box   *secretbox.Box
}

// NewAiAdminService constructs an AiAdminService.
func NewAiAdminService(c domain.CredentialRepository, box *secretbox.Box) AiAdminService {
	return AiAdminService{Creds: c, Box: box}
}

// CreateCredential seals the API key and persists the credential.
func (s AiAdminService) CreateCredential(ctx domain.Context, c domain.AiCredential, apiKey string) (domain.AiCredential, error) {
	c.Name = textx.CollapseSpaces(c.Name)
	if c.Name == "" {
		return domain.AiCredential{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if err := validateBaseURL(c.BaseURL); err != nil {
		return domain.AiCredential{}, err
	}
	if apiKey == "" {
		return domain.AiCredential{}, fmt.Errorf("%w: api key required", domain.ErrInvalidArgument)
	}
	enc, err := s.Box.Seal(apiKey)
	if err != nil {
		return domain.AiCredential{}, err
	}
	c.APIKeyEnc = enc
	out, err := s.Creds.CreateCredential(ctx, c)
	if err != nil {
		return domain.AiCredential{}, err
	}
	return redactCredential(out), nil
}

// GetCredential returns the credential with its key redacted.
func (s AiAdminService) GetCredential(ctx domain.Context, id string) (domain.AiCredential, error) {
	if id == "" {
		return domain.AiCredential{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	c, err := s.Creds.GetCredential(ctx, id)
	if err != nil {
		return domain.AiCredential{}, err
	}
	return redactCredential(c), nil
}

// ListCredentials returns all credentials, keys redacted.
func (s AiAdminService) ListCredentials(ctx domain.Context) ([]domain.AiCredential, error) {
	list, err := s.Creds.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = redactCredential(list[i])
	}
	return list, nil
}

// UpdateCredential updates name/base URL, and reseals the key only when a
// new one is supplied; empty apiKey keeps the stored ciphertext.
func (s AiAdminService) UpdateCredential(ctx domain.Context, c domain.AiCredential, apiKey string) (domain.AiCredential, error) {
	if c.ID == "" {
		return domain.AiCredential{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	cur, err := s.Creds.GetCredential(ctx, c.ID)
	if err != nil {
		return domain.AiCredential{}, err
	}
	c.Name = textx.CollapseSpaces(c.Name)
	if c.Name == "" {
		c.Name = cur.Name
	}
	if c.BaseURL == "" {
		c.BaseURL = cur.BaseURL
	}
	if err := validateBaseURL(c.BaseURL); err != nil {
		return domain.AiCredential{}, err
	}
	if apiKey != "" {
		enc, serr := s.Box.Seal(apiKey)
		if serr != nil {
			return domain.AiCredential{}, serr
		}
		c.APIKeyEnc = enc
	} else {
		c.APIKeyEnc = cur.APIKeyEnc
	}
	out, err := s.Creds.UpdateCredential(ctx, c)
	if err != nil {
		return domain.AiCredential{}, err
	}
	return redactCredential(out), nil
}

// DeleteCredential removes the credential; its models cascade and any
// bindings pointing at them go NULL.
func (s AiAdminService) DeleteCredential(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Creds.DeleteCredential(ctx, id)
}

// CreateModel registers a model under a credential.
func (s AiAdminService) CreateModel(ctx domain.Context, m domain.AiModel) (domain.AiModel, error) {
	if m.CredentialID == "" {
		return domain.AiModel{}, fmt.Errorf("%w: credential id required", domain.ErrInvalidArgument)
	}
	m.Name = textx.CollapseSpaces(m.Name)
	if m.Name == "" {
		return domain.AiModel{}, fmt.Errorf("%w: model name required", domain.ErrInvalidArgument)
	}
	switch m.Type {
	case domain.ModelTypeLLM:
		m.EmbeddingDim = 0
	case domain.ModelTypeEmbedding:
		if m.EmbeddingDim <= 0 {
			return domain.AiModel{}, fmt.Errorf("%w: embedding models need a positive dimension", domain.ErrInvalidArgument)
		}
	default:
		return domain.AiModel{}, fmt.Errorf("%w: model type must be llm or embedding", domain.ErrInvalidArgument)
	}
	if _, err := s.Creds.GetCredential(ctx, m.CredentialID); err != nil {
		return domain.AiModel{}, err
	}
	return s.Creds.CreateModel(ctx, m)
}

// ListModels returns models, optionally scoped to one credential.
func (s AiAdminService) ListModels(ctx domain.Context, credentialID string) ([]domain.AiModel, error) {
	return s.Creds.ListModels(ctx, credentialID)
}

// DeleteModel removes a model; bindings referencing it go NULL.
func (s AiAdminService) DeleteModel(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Creds.DeleteModel(ctx, id)
}

// SetBinding pins (component, modelType) to a model, or clears the pin when
// modelID is nil. The model's own type must match the binding slot.
func (s AiAdminService) SetBinding(ctx domain.Context, component, modelType string, modelID *string) (domain.AiComponentBinding, error) {
	if component != domain.ComponentAssistant && component != domain.ComponentLightRAG {
		return domain.AiComponentBinding{}, fmt.Errorf("%w: unknown component %q", domain.ErrInvalidArgument, component)
	}
	if modelType != domain.ModelTypeLLM && modelType != domain.ModelTypeEmbedding {
		return domain.AiComponentBinding{}, fmt.Errorf("%w: unknown model type %q", domain.ErrInvalidArgument, modelType)
	}
	if modelID != nil {
		models, err := s.Creds.ListModels(ctx, "")
		if err != nil {
			return domain.AiComponentBinding{}, err
		}
		found := false
		for _, m := range models {
			if m.ID == *modelID {
				if m.Type != modelType {
					return domain.AiComponentBinding{}, fmt.Errorf("%w: model %s is %s, binding wants %s",
						domain.ErrInvalidArgument, m.ID, m.Type, modelType)
				}
				found = true
				break
			}
		}
		if !found {
			return domain.AiComponentBinding{}, fmt.Errorf("model %s: %w", *modelID, domain.ErrNotFound)
		}
	}
	return s.Creds.SetBinding(ctx, component, modelType, modelID)
}

// ListBindings returns all four binding slots that exist.
func (s AiAdminService) ListBindings(ctx domain.Context) ([]domain.AiComponentBinding, error) {
	return s.Creds.ListBindings(ctx)
}

// ResolveAPIKey opens the sealed key of a resolved binding for adapter use.
// Admin handlers never call this.
func (s AiAdminService) ResolveAPIKey(rm domain.ResolvedModel) (string, error) {
	return s.Box.Open(rm.APIKeyEnc)
}

func redactCredential(c domain.AiCredential) domain.AiCredential {
	c.APIKeyEnc = ""
	return c
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base_url must be absolute http(s)", domain.ErrInvalidArgument)
	}
	return nil
}

// SkillAdminService manages user skills. System skills are seeded from the
// embedded catalogue; rows here overlay them by name.
type SkillAdminService struct {
	Skills domain.SkillRepository
	Tools  domain.ToolRepository
}

// NewSkillAdminService constructs a SkillAdminService.
func NewSkillAdminService(s domain.SkillRepository, t domain.ToolRepository) SkillAdminService {
	return SkillAdminService{Skills: s, Tools: t}
}

// Create validates and persists a skill.
func (s SkillAdminService) Create(ctx domain.Context, sk domain.Skill) (domain.Skill, error) {
	sk.IsSystem = false
	if err := s.validate(ctx, &sk); err != nil {
		return domain.Skill{}, err
	}
	return s.Skills.Create(ctx, sk)
}

// Get returns one skill row.
func (s SkillAdminService) Get(ctx domain.Context, id string) (domain.Skill, error) {
	if id == "" {
		return domain.Skill{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Skills.Get(ctx, id)
}

// List returns all database skill rows (not the merged catalogue; that is
// the router's view).
func (s SkillAdminService) List(ctx domain.Context) ([]domain.Skill, error) {
	return s.Skills.List(ctx)
}

// Update validates and applies a skill edit. Overlay rows for system skills
// are ordinary rows; disabling one hides the system skill, except
// general_chat which the router always keeps reachable.
func (s SkillAdminService) Update(ctx domain.Context, sk domain.Skill) (domain.Skill, error) {
	if sk.ID == "" {
		return domain.Skill{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	cur, err := s.Skills.Get(ctx, sk.ID)
	if err != nil {
		return domain.Skill{}, err
	}
	sk.IsSystem = cur.IsSystem
	if err := s.validate(ctx, &sk); err != nil {
		return domain.Skill{}, err
	}
	return s.Skills.Update(ctx, sk)
}

// Delete removes a skill row.
func (s SkillAdminService) Delete(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Skills.Delete(ctx, id)
}

func (s SkillAdminService) validate(ctx domain.Context, sk *domain.Skill) error {
	sk.Name = strings.TrimSpace(sk.Name)
	if sk.Name == "" {
		return fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	switch sk.Mode {
	case domain.SkillModeAgent:
		if len(sk.Steps) > 0 {
			return fmt.Errorf("%w: agent skills do not take steps", domain.ErrInvalidArgument)
		}
	case domain.SkillModeSteps:
		if len(sk.Steps) == 0 {
			return fmt.Errorf("%w: steps skills need at least one step", domain.ErrInvalidArgument)
		}
		if err := skill.ValidateSteps(sk.Steps); err != nil {
			return err
		}
		for _, st := range sk.Steps {
			if st.Type != domain.StepTool {
				continue
			}
			if err := s.toolExists(ctx, st.ToolName); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: mode must be steps or agent", domain.ErrInvalidArgument)
	}
	for _, name := range sk.Tools {
		if name == domain.KBSearchToolName {
			continue // implicit, resolvable without listing
		}
		if err := s.toolExists(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s SkillAdminService) toolExists(ctx domain.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: tool name required", domain.ErrInvalidArgument)
	}
	if name == domain.KBSearchToolName {
		return nil
	}
	if _, err := s.Tools.GetByName(ctx, name); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return nil
}

// ToolAdminService manages assistant tools. Remote endpoint URLs get the
// same SSRF screening here at write time that the invoker applies at call
// time, so a doomed config fails in the editor rather than mid-chat.
type ToolAdminService struct {
	Tools domain.ToolRepository
	Guard tool.EndpointChecker
	Box   *secretbox.Box
}

// NewToolAdminService constructs a ToolAdminService.
func NewToolAdminService(t domain.ToolRepository, g tool.EndpointChecker, box *secretbox.Box) ToolAdminService {
	return ToolAdminService{Tools: t, Guard: g, Box: box}
}

// Create validates and persists a tool definition.
func (s ToolAdminService) Create(ctx domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	t.IsSystem = false
	if err := s.validate(&t); err != nil {
		return domain.AssistantTool{}, err
	}
	if err := s.sealAuth(&t); err != nil {
		return domain.AssistantTool{}, err
	}
	return s.Tools.Create(ctx, t)
}

// Get returns one tool.
func (s ToolAdminService) Get(ctx domain.Context, id string) (domain.AssistantTool, error) {
	if id == "" {
		return domain.AssistantTool{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Tools.Get(ctx, id)
}

// List returns all tool rows.
func (s ToolAdminService) List(ctx domain.Context) ([]domain.AssistantTool, error) {
	return s.Tools.List(ctx)
}

// Update validates and applies a tool edit. System tools only accept the
// enabled toggle.
func (s ToolAdminService) Update(ctx domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	if t.ID == "" {
		return domain.AssistantTool{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	cur, err := s.Tools.Get(ctx, t.ID)
	if err != nil {
		return domain.AssistantTool{}, err
	}
	if cur.IsSystem {
		cur.Enabled = t.Enabled
		return s.Tools.Update(ctx, cur)
	}
	t.IsSystem = false
	if err := s.validate(&t); err != nil {
		return domain.AssistantTool{}, err
	}
	if err := s.sealAuth(&t); err != nil {
		return domain.AssistantTool{}, err
	}
	return s.Tools.Update(ctx, t)
}

// Delete removes a tool. System tools refuse.
func (s ToolAdminService) Delete(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	cur, err := s.Tools.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.IsSystem {
		return fmt.Errorf("%w: system tools cannot be deleted", domain.ErrInvalidArgument)
	}
	return s.Tools.Delete(ctx, id)
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

func (s ToolAdminService) validate(t *domain.AssistantTool) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if t.Name == domain.KBSearchToolName {
		return fmt.Errorf("%w: %s is reserved", domain.ErrInvalidArgument, domain.KBSearchToolName)
	}
	if t.Parameters != nil {
		if typ, _ := t.Parameters["type"].(string); typ != "object" {
			return fmt.Errorf("%w: parameters schema must have type object", domain.ErrInvalidArgument)
		}
	}
	switch t.Kind {
	case domain.ToolKindLocal:
		t.Remote = nil
		return nil
	case domain.ToolKindRemote:
	default:
		return fmt.Errorf("%w: kind must be local or remote", domain.ErrInvalidArgument)
	}
	cfg := t.Remote
	if cfg == nil {
		return fmt.Errorf("%w: remote tools need a config", domain.ErrInvalidArgument)
	}
	if err := validateBaseURL(cfg.EndpointURL); err != nil {
		return err
	}
	if s.Guard != nil {
		if err := s.Guard.Check(cfg.EndpointURL); err != nil {
			return err
		}
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	if !httpMethods[cfg.Method] {
		return fmt.Errorf("%w: unsupported method %s", domain.ErrInvalidArgument, cfg.Method)
	}
	switch cfg.BodyType {
	case "", domain.BodyTypeNone, domain.BodyTypeFormData, domain.BodyTypeURLEncoded,
		domain.BodyTypeJSON, domain.BodyTypeXML, domain.BodyTypeRaw:
	default:
		return fmt.Errorf("%w: unsupported body type %s", domain.ErrInvalidArgument, cfg.BodyType)
	}
	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case domain.AuthTypeBearer:
			if cfg.Auth.Token == "" {
				return fmt.Errorf("%w: bearer auth needs a token", domain.ErrInvalidArgument)
			}
		case domain.AuthTypeBasic:
			if cfg.Auth.Username == "" {
				return fmt.Errorf("%w: basic auth needs a username", domain.ErrInvalidArgument)
			}
		case domain.AuthTypeAPIKey:
			if cfg.Auth.HeaderName == "" || cfg.Auth.APIKey == "" {
				return fmt.Errorf("%w: api-key auth needs header_name and api_key", domain.ErrInvalidArgument)
			}
		default:
			return fmt.Errorf("%w: unsupported auth type %s", domain.ErrInvalidArgument, cfg.Auth.Type)
		}
	}
	return nil
}

// sealAuth encrypts auth secrets in place unless they are already sealed
// (an update that did not touch them round-trips the stored ciphertext).
func (s ToolAdminService) sealAuth(t *domain.AssistantTool) error {
	if t.Remote == nil || t.Remote.Auth == nil || s.Box == nil {
		return nil
	}
	a := t.Remote.Auth
	for _, field := range []*string{&a.Token, &a.Password, &a.APIKey} {
		if *field == "" || secretbox.IsSealed(*field) {
			continue
		}
		enc, err := s.Box.Seal(*field)
		if err != nil {
			return err
		}
		*field = enc
	}
	return nil
}
