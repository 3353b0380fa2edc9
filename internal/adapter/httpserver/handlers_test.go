package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mindatlas/mindatlas/internal/adapter/ai/tokencount"
	httpserver "github.com/mindatlas/mindatlas/internal/adapter/httpserver"
	"github.com/mindatlas/mindatlas/internal/config"
	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/retrieval"
	"github.com/mindatlas/mindatlas/internal/service/skill"
	"github.com/mindatlas/mindatlas/internal/service/tool"
	"github.com/mindatlas/mindatlas/internal/usecase"
	"github.com/mindatlas/mindatlas/pkg/secretbox"
)

// In-memory repositories backing the handler tests. IDs are real UUIDs
// because the path validators reject anything else.

type memEntryRepo struct {
	mu      sync.Mutex
	entries map[string]domain.Entry
	tagSets map[string][]string
}

func newMemEntryRepo() *memEntryRepo {
	return &memEntryRepo{entries: map[string]domain.Entry{}, tagSets: map[string][]string{}}
}

func (r *memEntryRepo) Create(_ domain.Context, e domain.Entry) (domain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	r.entries[e.ID] = e
	return e, nil
}

func (r *memEntryRepo) Get(_ domain.Context, id string) (domain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	return e, nil
}

func (r *memEntryRepo) List(_ domain.Context, _ domain.EntryFilter) ([]domain.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out, len(out), nil
}

func (r *memEntryRepo) Update(_ domain.Context, e domain.Entry) (domain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[e.ID]
	if !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	e.CreatedAt = cur.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	r.entries[e.ID] = e
	return e, nil
}

func (r *memEntryRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.entries, id)
	return nil
}

func (r *memEntryRepo) SetTags(_ domain.Context, entryID string, tagIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tagSets[entryID] = tagIDs
	return nil
}

type memTypeRepo struct {
	mu    sync.Mutex
	types map[string]domain.EntryType
}

func newMemTypeRepo() *memTypeRepo { return &memTypeRepo{types: map[string]domain.EntryType{}} }

func (r *memTypeRepo) Create(_ domain.Context, t domain.EntryType) (domain.EntryType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.types {
		if cur.Code == t.Code {
			return domain.EntryType{}, domain.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *memTypeRepo) Get(_ domain.Context, id string) (domain.EntryType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[id]
	if !ok {
		return domain.EntryType{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *memTypeRepo) GetByCode(_ domain.Context, code string) (domain.EntryType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t.Code == code {
			return t, nil
		}
	}
	return domain.EntryType{}, domain.ErrNotFound
}

func (r *memTypeRepo) List(_ domain.Context) ([]domain.EntryType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EntryType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	return out, nil
}

func (r *memTypeRepo) Update(_ domain.Context, t domain.EntryType) (domain.EntryType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.ID]; !ok {
		return domain.EntryType{}, domain.ErrNotFound
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *memTypeRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, id)
	return nil
}

type memTagRepo struct {
	mu   sync.Mutex
	tags map[string]domain.Tag
}

func newMemTagRepo() *memTagRepo { return &memTagRepo{tags: map[string]domain.Tag{}} }

func (r *memTagRepo) Create(_ domain.Context, t domain.Tag) (domain.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.tags {
		if cur.Name == t.Name {
			return domain.Tag{}, domain.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	r.tags[t.ID] = t
	return t, nil
}

func (r *memTagRepo) Get(_ domain.Context, id string) (domain.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return domain.Tag{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *memTagRepo) List(_ domain.Context) ([]domain.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	return out, nil
}

func (r *memTagRepo) Update(_ domain.Context, t domain.Tag) (domain.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[t.ID]; !ok {
		return domain.Tag{}, domain.ErrNotFound
	}
	r.tags[t.ID] = t
	return t, nil
}

func (r *memTagRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, id)
	return nil
}

type memRelTypeRepo struct {
	mu    sync.Mutex
	types map[string]domain.RelationType
}

func newMemRelTypeRepo() *memRelTypeRepo {
	return &memRelTypeRepo{types: map[string]domain.RelationType{}}
}

func (r *memRelTypeRepo) Create(_ domain.Context, t domain.RelationType) (domain.RelationType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.types {
		if cur.Code == t.Code {
			return domain.RelationType{}, domain.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *memRelTypeRepo) List(_ domain.Context) ([]domain.RelationType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RelationType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	return out, nil
}

func (r *memRelTypeRepo) ListEnabled(_ domain.Context) ([]domain.RelationType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RelationType
	for _, t := range r.types {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRelTypeRepo) Update(_ domain.Context, t domain.RelationType) (domain.RelationType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.ID]; !ok {
		return domain.RelationType{}, domain.ErrNotFound
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *memRelTypeRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, id)
	return nil
}

type memRelationRepo struct {
	mu   sync.Mutex
	rows map[string]domain.EntryRelation
}

func newMemRelationRepo() *memRelationRepo {
	return &memRelationRepo{rows: map[string]domain.EntryRelation{}}
}

func (r *memRelationRepo) Create(_ domain.Context, rel domain.EntryRelation) (domain.EntryRelation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel.ID = uuid.NewString()
	rel.CreatedAt = time.Now().UTC()
	r.rows[rel.ID] = rel
	return rel, nil
}

func (r *memRelationRepo) ListByEntry(_ domain.Context, entryID string) ([]domain.EntryRelation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EntryRelation
	for _, rel := range r.rows {
		if rel.SourceEntryID == entryID || rel.TargetEntryID == entryID {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r *memRelationRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *memRelationRepo) Exists(_ domain.Context, sourceID, targetID, typeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rel := range r.rows {
		same := rel.SourceEntryID == sourceID && rel.TargetEntryID == targetID
		flipped := rel.SourceEntryID == targetID && rel.TargetEntryID == sourceID
		if rel.TypeID == typeID && (same || flipped) {
			return true, nil
		}
	}
	return false, nil
}

type memObject struct {
	data        []byte
	contentType string
}

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func newMemObjectStore() *memObjectStore { return &memObjectStore{objects: map[string]memObject{}} }

func (s *memObjectStore) Put(_ domain.Context, key string, r io.Reader, _ int64, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: b, contentType: contentType}
	return nil
}

func (s *memObjectStore) Get(_ domain.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (s *memObjectStore) Delete(_ domain.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memObjectStore) Stat(_ domain.Context, key string) (domain.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return domain.ObjectInfo{}, domain.ErrNotFound
	}
	return domain.ObjectInfo{Key: key, Size: int64(len(o.data)), ContentType: o.contentType}, nil
}

type memAttachmentRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Attachment
}

func newMemAttachmentRepo() *memAttachmentRepo {
	return &memAttachmentRepo{rows: map[string]domain.Attachment{}}
}

func (r *memAttachmentRepo) Create(_ domain.Context, a domain.Attachment) (domain.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ParseStatus = domain.ParsePending
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	r.rows[a.ID] = a
	return a, nil
}

func (r *memAttachmentRepo) Get(_ domain.Context, id string) (domain.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return domain.Attachment{}, domain.ErrNotFound
	}
	return a, nil
}

func (r *memAttachmentRepo) ListByEntry(_ domain.Context, entryID string) ([]domain.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Attachment
	for _, a := range r.rows {
		if a.EntryID == entryID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memAttachmentRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *memAttachmentRepo) SetParseStatus(_ domain.Context, id string, st domain.ParseStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.rows[id]
	a.ParseStatus = st
	r.rows[id] = a
	return nil
}

func (r *memAttachmentRepo) CompleteParse(_ domain.Context, id string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.rows[id]
	a.ParseStatus = domain.ParseCompleted
	a.ParsedText = text
	r.rows[id] = a
	return nil
}

func (r *memAttachmentRepo) FailParse(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.rows[id]
	a.ParseStatus = domain.ParseFailed
	r.rows[id] = a
	return nil
}

type memConversationRepo struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	messages map[string][]domain.Message
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{convs: map[string]domain.Conversation{}, messages: map[string][]domain.Message{}}
}

func (r *memConversationRepo) Create(_ domain.Context, c domain.Conversation) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	r.convs[c.ID] = c
	return c, nil
}

func (r *memConversationRepo) Get(_ domain.Context, id string) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *memConversationRepo) List(_ domain.Context, _, _ int) ([]domain.Conversation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	return out, len(out), nil
}

func (r *memConversationRepo) SetTitle(_ domain.Context, id, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Title = title
	r.convs[id] = c
	return nil
}

func (r *memConversationRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.messages, id)
	return nil
}

func (r *memConversationRepo) AppendMessage(_ domain.Context, m domain.Message) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	r.messages[m.ConversationID] = append(r.messages[m.ConversationID], m)
	return m, nil
}

func (r *memConversationRepo) ListMessages(_ domain.Context, conversationID string) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages[conversationID]...), nil
}

type memSkillRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Skill
}

func newMemSkillRepo() *memSkillRepo { return &memSkillRepo{rows: map[string]domain.Skill{}} }

func (r *memSkillRepo) Create(_ domain.Context, s domain.Skill) (domain.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	r.rows[s.ID] = s
	return s, nil
}

func (r *memSkillRepo) Get(_ domain.Context, id string) (domain.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return domain.Skill{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *memSkillRepo) GetByName(_ domain.Context, name string) (domain.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.Skill{}, domain.ErrNotFound
}

func (r *memSkillRepo) List(_ domain.Context) ([]domain.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Skill, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	return out, nil
}

func (r *memSkillRepo) Update(_ domain.Context, s domain.Skill) (domain.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; !ok {
		return domain.Skill{}, domain.ErrNotFound
	}
	r.rows[s.ID] = s
	return s, nil
}

func (r *memSkillRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

type memToolRepo struct {
	mu   sync.Mutex
	rows map[string]domain.AssistantTool
}

func newMemToolRepo() *memToolRepo { return &memToolRepo{rows: map[string]domain.AssistantTool{}} }

func (r *memToolRepo) Create(_ domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.rows {
		if cur.Name == t.Name {
			return domain.AssistantTool{}, domain.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	r.rows[t.ID] = t
	return t, nil
}

func (r *memToolRepo) Get(_ domain.Context, id string) (domain.AssistantTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return domain.AssistantTool{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *memToolRepo) GetByName(_ domain.Context, name string) (domain.AssistantTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.rows {
		if t.Name == name {
			return t, nil
		}
	}
	return domain.AssistantTool{}, domain.ErrNotFound
}

func (r *memToolRepo) List(_ domain.Context) ([]domain.AssistantTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AssistantTool, 0, len(r.rows))
	for _, t := range r.rows {
		out = append(out, t)
	}
	return out, nil
}

func (r *memToolRepo) Update(_ domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.ID]; !ok {
		return domain.AssistantTool{}, domain.ErrNotFound
	}
	r.rows[t.ID] = t
	return t, nil
}

func (r *memToolRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

type memCredRepo struct {
	mu       sync.Mutex
	creds    map[string]domain.AiCredential
	models   map[string]domain.AiModel
	bindings map[string]domain.AiComponentBinding
}

func newMemCredRepo() *memCredRepo {
	return &memCredRepo{
		creds:    map[string]domain.AiCredential{},
		models:   map[string]domain.AiModel{},
		bindings: map[string]domain.AiComponentBinding{},
	}
}

func (r *memCredRepo) CreateCredential(_ domain.Context, c domain.AiCredential) (domain.AiCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	r.creds[c.ID] = c
	return c, nil
}

func (r *memCredRepo) GetCredential(_ domain.Context, id string) (domain.AiCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return domain.AiCredential{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *memCredRepo) ListCredentials(_ domain.Context) ([]domain.AiCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AiCredential, 0, len(r.creds))
	for _, c := range r.creds {
		out = append(out, c)
	}
	return out, nil
}

func (r *memCredRepo) UpdateCredential(_ domain.Context, c domain.AiCredential) (domain.AiCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[c.ID]; !ok {
		return domain.AiCredential{}, domain.ErrNotFound
	}
	r.creds[c.ID] = c
	return c, nil
}

func (r *memCredRepo) DeleteCredential(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, id)
	return nil
}

func (r *memCredRepo) CreateModel(_ domain.Context, m domain.AiModel) (domain.AiModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[m.CredentialID]; !ok {
		return domain.AiModel{}, domain.ErrNotFound
	}
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	r.models[m.ID] = m
	return m, nil
}

func (r *memCredRepo) ListModels(_ domain.Context, credentialID string) ([]domain.AiModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AiModel
	for _, m := range r.models {
		if credentialID == "" || m.CredentialID == credentialID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memCredRepo) DeleteModel(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, id)
	return nil
}

func (r *memCredRepo) SetBinding(_ domain.Context, component, modelType string, modelID *string) (domain.AiComponentBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if modelID != nil {
		if _, ok := r.models[*modelID]; !ok {
			return domain.AiComponentBinding{}, domain.ErrNotFound
		}
	}
	b := domain.AiComponentBinding{
		ID: component + ":" + modelType, Component: component, ModelType: modelType,
		ModelID: modelID, UpdatedAt: time.Now().UTC(),
	}
	r.bindings[b.ID] = b
	return b, nil
}

func (r *memCredRepo) ListBindings(_ domain.Context) ([]domain.AiComponentBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AiComponentBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	return out, nil
}

func (r *memCredRepo) ResolveBinding(_ domain.Context, component, modelType string) (domain.ResolvedModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[component+":"+modelType]
	if !ok || b.ModelID == nil {
		return domain.ResolvedModel{}, domain.ErrNotFound
	}
	m := r.models[*b.ModelID]
	c := r.creds[m.CredentialID]
	return domain.ResolvedModel{Model: m, BaseURL: c.BaseURL, APIKeyEnc: c.APIKeyEnc, Credential: c}, nil
}

// scriptedLLM returns canned responses in order, repeating the last.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	err       error
}

func (f *scriptedLLM) next() domain.ChatResponse {
	if len(f.responses) == 0 {
		return domain.ChatResponse{Content: "ok", FinishReason: "stop"}
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp
}

func (f *scriptedLLM) Chat(_ domain.Context, _ domain.ChatRequest) (domain.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.ChatResponse{}, f.err
	}
	return f.next(), nil
}

func (f *scriptedLLM) ChatStream(_ domain.Context, _ domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return domain.ChatResponse{}, f.err
	}
	resp := f.next()
	f.mu.Unlock()
	if resp.Content != "" && len(resp.ToolCalls) == 0 {
		if err := fn(resp.Content); err != nil {
			return domain.ChatResponse{}, err
		}
	}
	return resp, nil
}

type noTools struct{}

func (noTools) Visible(domain.Context) ([]domain.AssistantTool, error) { return nil, nil }
func (noTools) Resolve(domain.Context, string) (tool.Tool, error) {
	return tool.Tool{}, domain.ErrNotFound
}
func (noTools) Invoke(domain.Context, string, map[string]any) (string, error) {
	return "", domain.ErrNotFound
}

// testEnv bundles the server with its seeded fixtures.
type testEnv struct {
	srv       *httpserver.Server
	entries   *memEntryRepo
	types     *memTypeRepo
	tags      *memTagRepo
	relTypes  *memRelTypeRepo
	relations *memRelationRepo
	attach    *memAttachmentRepo
	objects   *memObjectStore
	convs     *memConversationRepo
	skills    *memSkillRepo
	tools     *memToolRepo
	creds     *memCredRepo
	engine    *stubEngine
	llm       *scriptedLLM

	noteTypeID string
	entryID    string
}

// stubEngine satisfies domain.KGEngine with canned results.
type stubEngine struct {
	queryFn func(ctx domain.Context, q string, p domain.KGQueryParam) (domain.KGQueryResult, error)
	graphFn func(ctx domain.Context, label string, maxDepth, maxNodes int) (domain.KGGraph, error)
}

func (e *stubEngine) Init(domain.Context) error                              { return nil }
func (e *stubEngine) Insert(domain.Context, string, []string, []string) error { return nil }
func (e *stubEngine) DeleteByDocID(domain.Context, string) error             { return nil }

func (e *stubEngine) Query(ctx domain.Context, q string, p domain.KGQueryParam) (domain.KGQueryResult, error) {
	if e.queryFn == nil {
		return domain.KGQueryResult{Answer: "stub answer"}, nil
	}
	return e.queryFn(ctx, q, p)
}

func (e *stubEngine) KnowledgeGraph(ctx domain.Context, label string, maxDepth, maxNodes int) (domain.KGGraph, error) {
	if e.graphFn == nil {
		return domain.KGGraph{}, nil
	}
	return e.graphFn(ctx, label, maxDepth, maxNodes)
}

func (e *stubEngine) ChunkSearch(domain.Context, string, int) ([]domain.ChunkHit, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		Port:            8080,
		MaxFileSizeMB:   1,
		IndexableMIME:   []string{"application/pdf", "text/plain", "text/markdown"},
		LightRAGEnabled: true,
		RateLimitPerMin: 60,
	}

	env := &testEnv{
		entries:   newMemEntryRepo(),
		types:     newMemTypeRepo(),
		tags:      newMemTagRepo(),
		relTypes:  newMemRelTypeRepo(),
		relations: newMemRelationRepo(),
		attach:    newMemAttachmentRepo(),
		objects:   newMemObjectStore(),
		convs:     newMemConversationRepo(),
		skills:    newMemSkillRepo(),
		tools:     newMemToolRepo(),
		creds:     newMemCredRepo(),
		engine:    &stubEngine{},
		llm:       &scriptedLLM{},
	}

	noteType, err := env.types.Create(context.Background(), domain.EntryType{
		Code: "note", Name: "Note", GraphEnabled: true, AIEnabled: true, Enabled: true,
	})
	require.NoError(t, err)
	env.noteTypeID = noteType.ID

	entry, err := env.entries.Create(context.Background(), domain.Entry{
		Title: "seed entry", TypeID: noteType.ID, TimeMode: domain.TimeModeNone,
	})
	require.NoError(t, err)
	env.entryID = entry.ID

	box, err := secretbox.New("handler-test-secret")
	require.NoError(t, err)

	retr := retrieval.New(env.engine, env.llm, env.entries, env.relTypes, env.relations, retrieval.Options{})

	router := skill.NewRouter(env.llm, env.skills, []domain.Skill{{
		Name: domain.GeneralChatSkillName, Mode: domain.SkillModeAgent, IsSystem: true, Enabled: true,
	}})
	exec := skill.NewExecutor(env.llm, noTools{}, tokencount.NewCounter(), skill.Options{})

	env.srv = httpserver.NewServer(cfg,
		usecase.NewEntryService(env.entries, env.types, env.tags),
		usecase.NewTaxonomyService(env.tags, env.types, env.relTypes),
		usecase.NewRelationService(env.relations, env.relTypes, env.entries),
		usecase.NewAttachmentService(env.attach, env.entries, env.objects, usecase.AttachmentPolicy{
			MaxSizeBytes: cfg.MaxFileSizeBytes(),
			Indexable:    cfg.MIMEIndexable,
		}),
		usecase.NewConversationService(env.convs),
		usecase.NewChatService(env.convs, router, exec, env.llm),
		retr,
		usecase.NewAiAdminService(env.creds, box),
		usecase.NewSkillAdminService(env.skills, env.tools),
		usecase.NewToolAdminService(env.tools, tool.NewGuard(), box),
	)
	return env
}

func seedEntry(t *testing.T, env *testEnv, title string) string {
	t.Helper()
	e, err := env.entries.Create(context.Background(), domain.Entry{
		Title: title, TypeID: env.noteTypeID, TimeMode: domain.TimeModeNone,
	})
	require.NoError(t, err)
	return e.ID
}

func seedRelationType(t *testing.T, env *testEnv, code string, directed bool) string {
	t.Helper()
	rt, err := env.relTypes.Create(context.Background(), domain.RelationType{
		Code: code, Name: code, Directed: directed, Enabled: true,
	})
	require.NoError(t, err)
	return rt.ID
}

func tagFixture(name string) domain.Tag {
	return domain.Tag{Name: name, Color: "#888888"}
}

// withURLParam injects a chi route parameter for direct handler invocation.
func withURLParam(r *http.Request, key, val string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, val)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, target, body)
	r.Header.Set("Content-Type", "application/json")
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return env
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) envelope {
	t.Helper()
	env := decodeEnvelope(t, w)
	require.True(t, env.Success, "expected success envelope, got: %s", w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
	return env
}

// listOf decodes the standard list payload into a typed slice.
func listOf[T any](t *testing.T, w *httptest.ResponseRecorder) ([]T, int) {
	t.Helper()
	var page struct {
		Items []T `json:"items"`
		Total int `json:"total"`
	}
	decodeData(t, w, &page)
	return page.Items, page.Total
}
