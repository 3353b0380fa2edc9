package usecase_test

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type fakeEntryRepo struct {
	mu      sync.Mutex
	entries map[string]domain.Entry
	created []domain.Entry
	tagSets map[string][]string
	nextID  int
}

func newFakeEntryRepo(seed ...domain.Entry) *fakeEntryRepo {
	r := &fakeEntryRepo{entries: map[string]domain.Entry{}, tagSets: map[string][]string{}}
	for _, e := range seed {
		r.entries[e.ID] = e
	}
	return r
}

func (r *fakeEntryRepo) Create(_ domain.Context, e domain.Entry) (domain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if e.ID == "" {
		e.ID = fmt.Sprintf("entry-%d", r.nextID)
	}
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	r.entries[e.ID] = e
	r.created = append(r.created, e)
	return e, nil
}

func (r *fakeEntryRepo) Get(_ domain.Context, id string) (domain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	return e, nil
}

func (r *fakeEntryRepo) List(_ domain.Context, f domain.EntryFilter) ([]domain.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Entry
	for _, e := range r.entries {
		out = append(out, e)
	}
	_ = f
	return out, len(out), nil
}

func (r *fakeEntryRepo) Update(_ domain.Context, e domain.Entry) (domain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	e.UpdatedAt = time.Now().UTC()
	r.entries[e.ID] = e
	return e, nil
}

func (r *fakeEntryRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.entries, id)
	return nil
}

func (r *fakeEntryRepo) SetTags(_ domain.Context, entryID string, tagIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tagSets[entryID] = tagIDs
	return nil
}

type fakeTypeRepo struct {
	types map[string]domain.EntryType
}

func newFakeTypeRepo(seed ...domain.EntryType) *fakeTypeRepo {
	r := &fakeTypeRepo{types: map[string]domain.EntryType{}}
	for _, t := range seed {
		r.types[t.ID] = t
	}
	return r
}

func (r *fakeTypeRepo) Create(_ domain.Context, t domain.EntryType) (domain.EntryType, error) {
	if t.ID == "" {
		t.ID = "type-" + t.Code
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *fakeTypeRepo) Get(_ domain.Context, id string) (domain.EntryType, error) {
	t, ok := r.types[id]
	if !ok {
		return domain.EntryType{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *fakeTypeRepo) GetByCode(_ domain.Context, code string) (domain.EntryType, error) {
	for _, t := range r.types {
		if t.Code == code {
			return t, nil
		}
	}
	return domain.EntryType{}, domain.ErrNotFound
}

func (r *fakeTypeRepo) List(_ domain.Context) ([]domain.EntryType, error) {
	var out []domain.EntryType
	for _, t := range r.types {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeTypeRepo) Update(_ domain.Context, t domain.EntryType) (domain.EntryType, error) {
	if _, ok := r.types[t.ID]; !ok {
		return domain.EntryType{}, domain.ErrNotFound
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *fakeTypeRepo) Delete(_ domain.Context, id string) error {
	delete(r.types, id)
	return nil
}

type fakeTagRepo struct {
	tags map[string]domain.Tag
}

func newFakeTagRepo(seed ...domain.Tag) *fakeTagRepo {
	r := &fakeTagRepo{tags: map[string]domain.Tag{}}
	for _, t := range seed {
		r.tags[t.ID] = t
	}
	return r
}

func (r *fakeTagRepo) Create(_ domain.Context, t domain.Tag) (domain.Tag, error) {
	for _, cur := range r.tags {
		if cur.Name == t.Name {
			return domain.Tag{}, domain.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = "tag-" + t.Name
	}
	r.tags[t.ID] = t
	return t, nil
}

func (r *fakeTagRepo) Get(_ domain.Context, id string) (domain.Tag, error) {
	t, ok := r.tags[id]
	if !ok {
		return domain.Tag{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *fakeTagRepo) List(_ domain.Context) ([]domain.Tag, error) {
	var out []domain.Tag
	for _, t := range r.tags {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeTagRepo) Update(_ domain.Context, t domain.Tag) (domain.Tag, error) {
	if _, ok := r.tags[t.ID]; !ok {
		return domain.Tag{}, domain.ErrNotFound
	}
	r.tags[t.ID] = t
	return t, nil
}

func (r *fakeTagRepo) Delete(_ domain.Context, id string) error {
	delete(r.tags, id)
	return nil
}

type fakeRelTypeRepo struct {
	types map[string]domain.RelationType
}

func newFakeRelTypeRepo(seed ...domain.RelationType) *fakeRelTypeRepo {
	r := &fakeRelTypeRepo{types: map[string]domain.RelationType{}}
	for _, t := range seed {
		r.types[t.ID] = t
	}
	return r
}

func (r *fakeRelTypeRepo) Create(_ domain.Context, t domain.RelationType) (domain.RelationType, error) {
	if t.ID == "" {
		t.ID = "rt-" + t.Code
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *fakeRelTypeRepo) List(_ domain.Context) ([]domain.RelationType, error) {
	var out []domain.RelationType
	for _, t := range r.types {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeRelTypeRepo) ListEnabled(_ domain.Context) ([]domain.RelationType, error) {
	var out []domain.RelationType
	for _, t := range r.types {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeRelTypeRepo) Update(_ domain.Context, t domain.RelationType) (domain.RelationType, error) {
	if _, ok := r.types[t.ID]; !ok {
		return domain.RelationType{}, domain.ErrNotFound
	}
	r.types[t.ID] = t
	return t, nil
}

func (r *fakeRelTypeRepo) Delete(_ domain.Context, id string) error {
	delete(r.types, id)
	return nil
}

type fakeRelationRepo struct {
	rows   map[string]domain.EntryRelation
	nextID int
}

func newFakeRelationRepo() *fakeRelationRepo {
	return &fakeRelationRepo{rows: map[string]domain.EntryRelation{}}
}

func (r *fakeRelationRepo) Create(_ domain.Context, rel domain.EntryRelation) (domain.EntryRelation, error) {
	r.nextID++
	rel.ID = fmt.Sprintf("rel-%d", r.nextID)
	rel.CreatedAt = time.Now().UTC()
	r.rows[rel.ID] = rel
	return rel, nil
}

func (r *fakeRelationRepo) ListByEntry(_ domain.Context, entryID string) ([]domain.EntryRelation, error) {
	var out []domain.EntryRelation
	for _, rel := range r.rows {
		if rel.SourceEntryID == entryID || rel.TargetEntryID == entryID {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r *fakeRelationRepo) Delete(_ domain.Context, id string) error {
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeRelationRepo) Exists(_ domain.Context, sourceID, targetID, typeID string) (bool, error) {
	for _, rel := range r.rows {
		same := rel.SourceEntryID == sourceID && rel.TargetEntryID == targetID
		flipped := rel.SourceEntryID == targetID && rel.TargetEntryID == sourceID
		if rel.TypeID == typeID && (same || flipped) {
			return true, nil
		}
	}
	return false, nil
}

type storedObject struct {
	data        []byte
	contentType string
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
	putErr  error
	deletes []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string]storedObject{}}
}

func (s *fakeObjectStore) Put(_ domain.Context, key string, r io.Reader, _ int64, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storedObject{data: b, contentType: contentType}
	return nil
}

func (s *fakeObjectStore) Get(_ domain.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (s *fakeObjectStore) Delete(_ domain.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deletes = append(s.deletes, key)
	return nil
}

func (s *fakeObjectStore) Stat(_ domain.Context, key string) (domain.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return domain.ObjectInfo{}, domain.ErrNotFound
	}
	return domain.ObjectInfo{Key: key, Size: int64(len(o.data)), ContentType: o.contentType}, nil
}

type fakeAttachmentRepo struct {
	mu        sync.Mutex
	rows      map[string]domain.Attachment
	createErr error
}

func newFakeAttachmentRepo() *fakeAttachmentRepo {
	return &fakeAttachmentRepo{rows: map[string]domain.Attachment{}}
}

func (r *fakeAttachmentRepo) Create(_ domain.Context, a domain.Attachment) (domain.Attachment, error) {
	if r.createErr != nil {
		return domain.Attachment{}, r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ParseStatus = domain.ParsePending
	r.rows[a.ID] = a
	return a, nil
}

func (r *fakeAttachmentRepo) Get(_ domain.Context, id string) (domain.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return domain.Attachment{}, domain.ErrNotFound
	}
	return a, nil
}

func (r *fakeAttachmentRepo) ListByEntry(_ domain.Context, entryID string) ([]domain.Attachment, error) {
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

func (r *fakeAttachmentRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeAttachmentRepo) SetParseStatus(_ domain.Context, id string, st domain.ParseStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.rows[id]
	a.ParseStatus = st
	r.rows[id] = a
	return nil
}

func (r *fakeAttachmentRepo) CompleteParse(_ domain.Context, id string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.rows[id]
	a.ParseStatus = domain.ParseCompleted
	a.ParsedText = text
	r.rows[id] = a
	return nil
}

func (r *fakeAttachmentRepo) FailParse(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.rows[id]
	a.ParseStatus = domain.ParseFailed
	r.rows[id] = a
	return nil
}

type fakeConversationRepo struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	messages map[string][]domain.Message
	nextID   int
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{convs: map[string]domain.Conversation{}, messages: map[string][]domain.Message{}}
}

func (r *fakeConversationRepo) Create(_ domain.Context, c domain.Conversation) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c.ID = fmt.Sprintf("conv-%d", r.nextID)
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	r.convs[c.ID] = c
	return c, nil
}

func (r *fakeConversationRepo) Get(_ domain.Context, id string) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *fakeConversationRepo) List(_ domain.Context, _, _ int) ([]domain.Conversation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Conversation
	for _, c := range r.convs {
		out = append(out, c)
	}
	return out, len(out), nil
}

func (r *fakeConversationRepo) SetTitle(_ domain.Context, id, title string) error {
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

func (r *fakeConversationRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.messages, id)
	return nil
}

func (r *fakeConversationRepo) AppendMessage(_ domain.Context, m domain.Message) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	m.ID = fmt.Sprintf("msg-%d", r.nextID)
	m.CreatedAt = time.Now().UTC()
	r.messages[m.ConversationID] = append(r.messages[m.ConversationID], m)
	return m, nil
}

func (r *fakeConversationRepo) ListMessages(_ domain.Context, conversationID string) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages[conversationID]...), nil
}

// fakeLLM returns scripted responses in order, repeating the last one.
type fakeLLM struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	err       error
	requests  []domain.ChatRequest
}

func (f *fakeLLM) next() domain.ChatResponse {
	if len(f.responses) == 0 {
		return domain.ChatResponse{Content: "ok", FinishReason: "stop"}
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp
}

func (f *fakeLLM) Chat(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return domain.ChatResponse{}, f.err
	}
	return f.next(), nil
}

func (f *fakeLLM) ChatStream(ctx domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
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
	_ = ctx
	return resp, nil
}

type fakeSkillRepo struct {
	rows map[string]domain.Skill
	err  error
}

func newFakeSkillRepo(seed ...domain.Skill) *fakeSkillRepo {
	r := &fakeSkillRepo{rows: map[string]domain.Skill{}}
	for _, s := range seed {
		r.rows[s.ID] = s
	}
	return r
}

func (r *fakeSkillRepo) Create(_ domain.Context, s domain.Skill) (domain.Skill, error) {
	if s.ID == "" {
		s.ID = "skill-" + s.Name
	}
	r.rows[s.ID] = s
	return s, nil
}

func (r *fakeSkillRepo) Get(_ domain.Context, id string) (domain.Skill, error) {
	s, ok := r.rows[id]
	if !ok {
		return domain.Skill{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *fakeSkillRepo) GetByName(_ domain.Context, name string) (domain.Skill, error) {
	for _, s := range r.rows {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.Skill{}, domain.ErrNotFound
}

func (r *fakeSkillRepo) List(_ domain.Context) ([]domain.Skill, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.Skill
	for _, s := range r.rows {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeSkillRepo) Update(_ domain.Context, s domain.Skill) (domain.Skill, error) {
	if _, ok := r.rows[s.ID]; !ok {
		return domain.Skill{}, domain.ErrNotFound
	}
	r.rows[s.ID] = s
	return s, nil
}

func (r *fakeSkillRepo) Delete(_ domain.Context, id string) error {
	delete(r.rows, id)
	return nil
}

type fakeToolRepo struct {
	rows map[string]domain.AssistantTool
}

func newFakeToolRepo(seed ...domain.AssistantTool) *fakeToolRepo {
	r := &fakeToolRepo{rows: map[string]domain.AssistantTool{}}
	for _, t := range seed {
		r.rows[t.ID] = t
	}
	return r
}

func (r *fakeToolRepo) Create(_ domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	for _, cur := range r.rows {
		if cur.Name == t.Name {
			return domain.AssistantTool{}, domain.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = "tool-" + t.Name
	}
	r.rows[t.ID] = t
	return t, nil
}

func (r *fakeToolRepo) Get(_ domain.Context, id string) (domain.AssistantTool, error) {
	t, ok := r.rows[id]
	if !ok {
		return domain.AssistantTool{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *fakeToolRepo) GetByName(_ domain.Context, name string) (domain.AssistantTool, error) {
	for _, t := range r.rows {
		if t.Name == name {
			return t, nil
		}
	}
	return domain.AssistantTool{}, domain.ErrNotFound
}

func (r *fakeToolRepo) List(_ domain.Context) ([]domain.AssistantTool, error) {
	var out []domain.AssistantTool
	for _, t := range r.rows {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeToolRepo) Update(_ domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	if _, ok := r.rows[t.ID]; !ok {
		return domain.AssistantTool{}, domain.ErrNotFound
	}
	r.rows[t.ID] = t
	return t, nil
}

func (r *fakeToolRepo) Delete(_ domain.Context, id string) error {
	delete(r.rows, id)
	return nil
}

type fakeCredRepo struct {
	creds    map[string]domain.AiCredential
	models   map[string]domain.AiModel
	bindings map[string]domain.AiComponentBinding
}

func newFakeCredRepo() *fakeCredRepo {
	return &fakeCredRepo{
		creds:    map[string]domain.AiCredential{},
		models:   map[string]domain.AiModel{},
		bindings: map[string]domain.AiComponentBinding{},
	}
}

func (r *fakeCredRepo) CreateCredential(_ domain.Context, c domain.AiCredential) (domain.AiCredential, error) {
	if c.ID == "" {
		c.ID = "cred-" + c.Name
	}
	r.creds[c.ID] = c
	return c, nil
}

func (r *fakeCredRepo) GetCredential(_ domain.Context, id string) (domain.AiCredential, error) {
	c, ok := r.creds[id]
	if !ok {
		return domain.AiCredential{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *fakeCredRepo) ListCredentials(_ domain.Context) ([]domain.AiCredential, error) {
	var out []domain.AiCredential
	for _, c := range r.creds {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeCredRepo) UpdateCredential(_ domain.Context, c domain.AiCredential) (domain.AiCredential, error) {
	if _, ok := r.creds[c.ID]; !ok {
		return domain.AiCredential{}, domain.ErrNotFound
	}
	r.creds[c.ID] = c
	return c, nil
}

func (r *fakeCredRepo) DeleteCredential(_ domain.Context, id string) error {
	delete(r.creds, id)
	return nil
}

func (r *fakeCredRepo) CreateModel(_ domain.Context, m domain.AiModel) (domain.AiModel, error) {
	if m.ID == "" {
		m.ID = "model-" + m.Name
	}
	r.models[m.ID] = m
	return m, nil
}

func (r *fakeCredRepo) ListModels(_ domain.Context, credentialID string) ([]domain.AiModel, error) {
	var out []domain.AiModel
	for _, m := range r.models {
		if credentialID == "" || m.CredentialID == credentialID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeCredRepo) DeleteModel(_ domain.Context, id string) error {
	delete(r.models, id)
	return nil
}

func (r *fakeCredRepo) SetBinding(_ domain.Context, component, modelType string, modelID *string) (domain.AiComponentBinding, error) {
	b := domain.AiComponentBinding{ID: component + ":" + modelType, Component: component, ModelType: modelType, ModelID: modelID}
	r.bindings[b.ID] = b
	return b, nil
}

func (r *fakeCredRepo) ListBindings(_ domain.Context) ([]domain.AiComponentBinding, error) {
	var out []domain.AiComponentBinding
	for _, b := range r.bindings {
		out = append(out, b)
	}
	return out, nil
}

func (r *fakeCredRepo) ResolveBinding(_ domain.Context, component, modelType string) (domain.ResolvedModel, error) {
	b, ok := r.bindings[component+":"+modelType]
	if !ok || b.ModelID == nil {
		return domain.ResolvedModel{}, domain.ErrNotFound
	}
	m := r.models[*b.ModelID]
	c := r.creds[m.CredentialID]
	return domain.ResolvedModel{Model: m, BaseURL: c.BaseURL, APIKeyEnc: c.APIKeyEnc, Credential: c}, nil
}
