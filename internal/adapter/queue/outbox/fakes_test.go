package outbox

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type ackCall struct {
	kind        string
	id          int64
	workerID    string
	availableAt time.Time
	lastErr     string
}

type fakeStore struct {
	mu           sync.Mutex
	claims       [][]domain.OutboxRow
	claimErr     error
	ackOK        bool
	acks         []ackCall
	activeUpsert bool
	activeErr    error
}

func newFakeStore(batches ...[]domain.OutboxRow) *fakeStore {
	return &fakeStore{claims: batches, ackOK: true}
}

func (s *fakeStore) Enqueue(domain.Context, domain.OutboxEvent) error { return nil }

func (s *fakeStore) ClaimBatch(_ domain.Context, _ time.Time, _ int, _ string, _ time.Duration, _ int) ([]domain.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.claims) == 0 {
		return nil, nil
	}
	batch := s.claims[0]
	s.claims = s.claims[1:]
	return batch, nil
}

func (s *fakeStore) MarkSucceeded(_ domain.Context, id int64, workerID string) (bool, error) {
	return s.record(ackCall{kind: "succeeded", id: id, workerID: workerID})
}

func (s *fakeStore) MarkRetry(_ domain.Context, id int64, workerID string, availableAt time.Time, lastErr string) (bool, error) {
	return s.record(ackCall{kind: "retry", id: id, workerID: workerID, availableAt: availableAt, lastErr: lastErr})
}

func (s *fakeStore) MarkDead(_ domain.Context, id int64, workerID string, lastErr string) (bool, error) {
	return s.record(ackCall{kind: "dead", id: id, workerID: workerID, lastErr: lastErr})
}

func (s *fakeStore) MarkPending(_ domain.Context, id int64, workerID string, availableAt time.Time) (bool, error) {
	return s.record(ackCall{kind: "pending", id: id, workerID: workerID, availableAt: availableAt})
}

func (s *fakeStore) ActiveUpsertExists(domain.Context, string, int64) (bool, error) {
	return s.activeUpsert, s.activeErr
}

func (s *fakeStore) CountByStatus(domain.Context) (map[domain.OutboxStatus]int64, error) {
	return map[domain.OutboxStatus]int64{}, nil
}

func (s *fakeStore) record(c ackCall) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, c)
	return s.ackOK, nil
}

func (s *fakeStore) ackCalls() []ackCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ackCall(nil), s.acks...)
}

type fakeIndexer struct {
	mu   sync.Mutex
	res  domain.IndexResult
	reqs []domain.IndexRequest
}

func (f *fakeIndexer) Execute(_ domain.Context, req domain.IndexRequest) domain.IndexResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res
}

func (f *fakeIndexer) requests() []domain.IndexRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.IndexRequest(nil), f.reqs...)
}

type fakeEntryRepo struct {
	get func(id string) (domain.Entry, error)
}

func (f *fakeEntryRepo) Get(_ domain.Context, id string) (domain.Entry, error) { return f.get(id) }

func (f *fakeEntryRepo) Create(domain.Context, domain.Entry) (domain.Entry, error) {
	panic("not implemented")
}

func (f *fakeEntryRepo) List(domain.Context, domain.EntryFilter) ([]domain.Entry, int, error) {
	panic("not implemented")
}

func (f *fakeEntryRepo) Update(domain.Context, domain.Entry) (domain.Entry, error) {
	panic("not implemented")
}

func (f *fakeEntryRepo) Delete(domain.Context, string) error { panic("not implemented") }

func (f *fakeEntryRepo) SetTags(domain.Context, string, []string) error { panic("not implemented") }

type fakeTypeRepo struct {
	get func(id string) (domain.EntryType, error)
}

func (f *fakeTypeRepo) Get(_ domain.Context, id string) (domain.EntryType, error) { return f.get(id) }

func (f *fakeTypeRepo) Create(domain.Context, domain.EntryType) (domain.EntryType, error) {
	panic("not implemented")
}

func (f *fakeTypeRepo) GetByCode(domain.Context, string) (domain.EntryType, error) {
	panic("not implemented")
}

func (f *fakeTypeRepo) List(domain.Context) ([]domain.EntryType, error) { panic("not implemented") }

func (f *fakeTypeRepo) Update(domain.Context, domain.EntryType) (domain.EntryType, error) {
	panic("not implemented")
}

func (f *fakeTypeRepo) Delete(domain.Context, string) error { panic("not implemented") }

type fakeAttachmentRepo struct {
	mu          sync.Mutex
	get         func(id string) (domain.Attachment, error)
	statuses    []domain.ParseStatus
	completed   []string
	failed      []string
	completeErr error
}

func (f *fakeAttachmentRepo) Get(_ domain.Context, id string) (domain.Attachment, error) {
	return f.get(id)
}

func (f *fakeAttachmentRepo) SetParseStatus(_ domain.Context, _ string, status domain.ParseStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeAttachmentRepo) CompleteParse(_ domain.Context, _ string, parsedText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, parsedText)
	return nil
}

func (f *fakeAttachmentRepo) FailParse(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeAttachmentRepo) Create(domain.Context, domain.Attachment) (domain.Attachment, error) {
	panic("not implemented")
}

func (f *fakeAttachmentRepo) ListByEntry(domain.Context, string) ([]domain.Attachment, error) {
	panic("not implemented")
}

func (f *fakeAttachmentRepo) Delete(domain.Context, string) error { panic("not implemented") }

type fakeObjectStore struct {
	objects map[string][]byte
	getErr  error
}

func (f *fakeObjectStore) Get(_ domain.Context, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeObjectStore) Put(domain.Context, string, io.Reader, int64, string) error {
	panic("not implemented")
}

func (f *fakeObjectStore) Delete(domain.Context, string) error { panic("not implemented") }

func (f *fakeObjectStore) Stat(domain.Context, string) (domain.ObjectInfo, error) {
	panic("not implemented")
}

type fakeParser struct {
	mu          sync.Mutex
	text        string
	err         error
	paths       []string
	contentType string
}

func (f *fakeParser) Parse(_ domain.Context, path, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.contentType = contentType
	return f.text, f.err
}
