package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
)

// TimeMode enumerates how an entry is anchored in time.
type TimeMode string

const (
	TimeModeNone  TimeMode = "NONE"
	TimeModePoint TimeMode = "POINT"
	TimeModeRange TimeMode = "RANGE"
)

//go:generate mockery --name=EntryRepository --with-expecter --filename=entry_repository_mock.go
//go:generate mockery --name=AttachmentRepository --with-expecter --filename=attachment_repository_mock.go
//go:generate mockery --name=OutboxStore --with-expecter --filename=outbox_store_mock.go

// Entry is a typed note. Invariants: if TimeMode=POINT then TimeAt is set;
// if RANGE then TimeFrom <= TimeTo. UpdatedAt is monotonic per entry.
type Entry struct {
	ID        string
	Title     string
	Summary   string
	Content   string
	TypeID    string
	TimeMode  TimeMode
	TimeAt    *time.Time
	TimeFrom  *time.Time
	TimeTo    *time.Time
	Tags      []Tag
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndexSignature fingerprints the fields that feed the knowledge graph.
// Tag/type/time edits do not change it, so they never enqueue an upsert.
func (e Entry) IndexSignature() string {
	h := sha256.New()
	for _, s := range []string{e.Title, e.Summary, e.Content} {
		var n [8]byte
		ln := uint64(len(s))
		for i := 0; i < 8; i++ {
			n[i] = byte(ln >> (8 * i))
		}
		h.Write(n[:])
		io.WriteString(h, s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type EntryType struct {
	ID           string
	Code         string
	Name         string
	Color        string
	Icon         string
	GraphEnabled bool
	AIEnabled    bool
	Enabled      bool
}

// Indexable reports whether entries of this type belong in the knowledge graph.
func (t EntryType) Indexable() bool {
	return t.GraphEnabled && t.AIEnabled && t.Enabled
}

// Tag names are case-insensitively unique.
type Tag struct {
	ID          string
	Name        string
	Color       string
	Description string
}

type RelationType struct {
	ID       string
	Code     string
	Name     string
	Directed bool
	Enabled  bool
}

type EntryRelation struct {
	ID            string
	SourceEntryID string
	TargetEntryID string
	TypeID        string
	Note          string
	CreatedAt     time.Time
}

// ParseStatus tracks the attachment text-extraction lifecycle.
type ParseStatus string

const (
	ParsePending    ParseStatus = "pending"
	ParseProcessing ParseStatus = "processing"
	ParseCompleted  ParseStatus = "completed"
	ParseFailed     ParseStatus = "failed"
)

type Attachment struct {
	ID                    string
	EntryID               string
	FilePath              string // object store key
	OriginalFilename      string
	ContentType           string
	Size                  int64
	ParseStatus           ParseStatus
	ParsedText            string
	IndexToKnowledgeGraph bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Repositories (ports)

type EntryFilter struct {
	TypeID string
	TagID  string
	Search string
	Limit  int
	Offset int
}

type EntryRepository interface {
	// Create persists the entry and enqueues an index upsert in the same
	// transaction. The worker rewrites the event to a delete when the type
	// turns out to be non-indexable.
	Create(ctx Context, e Entry) (Entry, error)
	Get(ctx Context, id string) (Entry, error)
	List(ctx Context, f EntryFilter) ([]Entry, int, error)
	// Update applies the change and enqueues an upsert only when the
	// (title, summary, content) signature actually changed.
	Update(ctx Context, e Entry) (Entry, error)
	// Delete removes the entry, cascades attachments and relations, and
	// enqueues index delete events in the same transaction.
	Delete(ctx Context, id string) error
	SetTags(ctx Context, entryID string, tagIDs []string) error
}

type EntryTypeRepository interface {
	Create(ctx Context, t EntryType) (EntryType, error)
	Get(ctx Context, id string) (EntryType, error)
	GetByCode(ctx Context, code string) (EntryType, error)
	List(ctx Context) ([]EntryType, error)
	Update(ctx Context, t EntryType) (EntryType, error)
	Delete(ctx Context, id string) error
}

type TagRepository interface {
	Create(ctx Context, t Tag) (Tag, error)
	Get(ctx Context, id string) (Tag, error)
	List(ctx Context) ([]Tag, error)
	Update(ctx Context, t Tag) (Tag, error)
	Delete(ctx Context, id string) error
}

type RelationTypeRepository interface {
	Create(ctx Context, t RelationType) (RelationType, error)
	List(ctx Context) ([]RelationType, error)
	ListEnabled(ctx Context) ([]RelationType, error)
	Update(ctx Context, t RelationType) (RelationType, error)
	Delete(ctx Context, id string) error
}

type RelationRepository interface {
	Create(ctx Context, r EntryRelation) (EntryRelation, error)
	ListByEntry(ctx Context, entryID string) ([]EntryRelation, error)
	Delete(ctx Context, id string) error
	// Exists reports whether an edge with the same endpoints and type is
	// already present, in either direction for undirected types.
	Exists(ctx Context, sourceID, targetID, typeID string) (bool, error)
}

type AttachmentRepository interface {
	// Create persists the attachment and enqueues a parse event in the same
	// transaction when parsing was requested.
	Create(ctx Context, a Attachment) (Attachment, error)
	Get(ctx Context, id string) (Attachment, error)
	ListByEntry(ctx Context, entryID string) ([]Attachment, error)
	Delete(ctx Context, id string) error
	SetParseStatus(ctx Context, id string, status ParseStatus) error
	// CompleteParse stores the extracted text, marks the attachment
	// completed and, when indexing was requested, enqueues an index upsert
	// in the same transaction.
	CompleteParse(ctx Context, id string, parsedText string) error
	FailParse(ctx Context, id string) error
}

// ObjectStore is the S3-compatible binary store.
type ObjectStore interface {
	Put(ctx Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx Context, key string) (io.ReadCloser, error)
	Delete(ctx Context, key string) error
	Stat(ctx Context, key string) (ObjectInfo, error)
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// DocParser turns a downloaded attachment into plain text.
type DocParser interface {
	Parse(ctx Context, path, contentType string) (string, error)
}

// ParseError marks a parse failure as retryable or permanent.
type ParseError struct {
	Retryable bool
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse error"
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases should pass context.Context through.
type Context = context.Context
