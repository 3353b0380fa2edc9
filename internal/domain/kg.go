package domain

import "strings"

// KGQueryMode mirrors the engine's retrieval modes.
type KGQueryMode string

const (
	KGModeNaive  KGQueryMode = "naive"
	KGModeLocal  KGQueryMode = "local"
	KGModeGlobal KGQueryMode = "global"
	KGModeHybrid KGQueryMode = "hybrid"
	KGModeMix    KGQueryMode = "mix"
)

func ValidKGMode(m KGQueryMode) bool {
	switch m {
	case KGModeNaive, KGModeLocal, KGModeGlobal, KGModeHybrid, KGModeMix:
		return true
	}
	return false
}

type KGQueryParam struct {
	Mode            KGQueryMode
	TopK            int
	ChunkTopK       int
	OnlyNeedContext bool
	EnableRerank    bool
	MaxTokens       int
}

type KGQueryResult struct {
	Answer  string
	Context *KGContext
}

// KGContext is the structured retrieval context returned when
// OnlyNeedContext is set.
type KGContext struct {
	Chunks        []KGChunk
	Entities      []KGEntity
	Relationships []KGRelationship
}

type KGChunk struct {
	Content  string
	FilePath string
	Score    float64
}

type KGEntity struct {
	Name        string
	Type        string
	Description string
	FilePath    string
}

type KGRelationship struct {
	Source      string
	Target      string
	Keywords    string
	Description string
	FilePath    string
}

// ChunkHit is one vector-store match (no LLM involved).
type ChunkHit struct {
	DocID    string
	FilePath string
	Content  string
	Score    float64
}

// KGGraph is the raw engine graph before API normalisation.
type KGGraph struct {
	Nodes []KGGraphNode
	Edges []KGGraphEdge
}

type KGGraphNode struct {
	ID         string
	Labels     []string
	Properties map[string]any
}

type KGGraphEdge struct {
	ID         string
	Source     string
	Target     string
	Type       string
	Properties map[string]any
}

// KGEngine is the opaque knowledge-graph engine. All calls MUST go through
// the runtime host; the engine is not safe for concurrent use.
type KGEngine interface {
	Init(ctx Context) error
	Insert(ctx Context, text string, ids []string, filePaths []string) error
	DeleteByDocID(ctx Context, docID string) error
	Query(ctx Context, q string, p KGQueryParam) (KGQueryResult, error)
	KnowledgeGraph(ctx Context, label string, maxDepth, maxNodes int) (KGGraph, error)
	ChunkSearch(ctx Context, q string, topK int) ([]ChunkHit, error)
}

// Index pipeline message types.

type IndexOp string

const (
	IndexOpUpsert IndexOp = "upsert"
	IndexOpDelete IndexOp = "delete"
)

// IndexRequest is what the worker hands to the indexer. AttachmentID is
// empty for entry documents.
type IndexRequest struct {
	Op           IndexOp
	EntryID      string
	AttachmentID string
	Payload      string
}

// IndexErrorKind classifies indexer failures for the retry decision.
type IndexErrorKind string

const (
	IndexErrPayload    IndexErrorKind = "payload"
	IndexErrDependency IndexErrorKind = "dependency"
	IndexErrConfig     IndexErrorKind = "config"
	IndexErrTransient  IndexErrorKind = "transient"
	IndexErrUnknown    IndexErrorKind = "unknown"
)

type IndexResult struct {
	OK        bool
	Retryable bool
	Kind      IndexErrorKind
	Detail    string
}

// Doc id conventions. Retrieved chunks must always map back to entries, so
// both doc_id and file_path of an entry document equal the entry UUID.

const attachmentDocPrefix = "attachment:"

func EntryDocID(entryID string) string { return entryID }

func AttachmentDocID(attachmentID string) string {
	return attachmentDocPrefix + attachmentID
}

// AttachmentFilePath is "{entry_id}/attachments/{attachment_id}".
func AttachmentFilePath(entryID, attachmentID string) string {
	return entryID + "/attachments/" + attachmentID
}

// SourceKind tags a retrieval source with its origin.
type SourceKind string

const (
	SourceKindEntry      SourceKind = "entry"
	SourceKindAttachment SourceKind = "attachment"
)

type SourceRef struct {
	Kind         SourceKind
	EntryID      string
	AttachmentID string
}

// ParseDocRef recovers the source linkage from doc_id/file_path. The
// attachment: prefix may have been dropped upstream; the composite file_path
// is authoritative then. Multi-value file_path fields (separator <SEP>) keep
// only the first value.
func ParseDocRef(docID, filePath string) SourceRef {
	filePath = FirstFilePath(filePath)
	if strings.HasPrefix(docID, attachmentDocPrefix) {
		ref := SourceRef{Kind: SourceKindAttachment, AttachmentID: strings.TrimPrefix(docID, attachmentDocPrefix)}
		if entryID, attID, ok := splitAttachmentPath(filePath); ok {
			ref.EntryID = entryID
			if ref.AttachmentID == "" {
				ref.AttachmentID = attID
			}
		}
		return ref
	}
	if entryID, attID, ok := splitAttachmentPath(filePath); ok {
		return SourceRef{Kind: SourceKindAttachment, EntryID: entryID, AttachmentID: attID}
	}
	if docID != "" {
		return SourceRef{Kind: SourceKindEntry, EntryID: docID}
	}
	return SourceRef{Kind: SourceKindEntry, EntryID: filePath}
}

// FirstFilePath keeps the first value of a <SEP>-joined file_path list.
func FirstFilePath(fp string) string {
	if i := strings.Index(fp, "<SEP>"); i >= 0 {
		fp = fp[:i]
	}
	return strings.TrimSpace(fp)
}

func splitAttachmentPath(fp string) (entryID, attachmentID string, ok bool) {
	parts := strings.Split(fp, "/")
	if len(parts) == 3 && parts[1] == "attachments" && parts[0] != "" && parts[2] != "" {
		return parts[0], parts[2], true
	}
	return "", "", false
}
