package index

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"syscall"

	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/domain"
)

// Indexer translates outbox events into engine calls. It never decides
// retries itself; it reports a classified IndexResult and the worker picks
// retry, dead or success from it.
type Indexer struct {
	engine  domain.KGEngine
	enabled bool
}

// NewIndexer wires the serialized engine. With enabled=false every request
// short-circuits to success so a disabled feature cannot backlog the outbox.
func NewIndexer(engine domain.KGEngine, enabled bool) *Indexer {
	return &Indexer{engine: engine, enabled: enabled}
}

// Execute runs one index request. Upserts converge because the engine
// treats insert of an existing doc_id as delete+insert.
func (ix *Indexer) Execute(ctx domain.Context, req domain.IndexRequest) domain.IndexResult {
	res := ix.execute(ctx, req)
	kind := "ok"
	if !res.OK {
		kind = string(res.Kind)
	}
	observability.ObserveIndexResult(string(req.Op), kind)
	return res
}

func (ix *Indexer) execute(ctx domain.Context, req domain.IndexRequest) domain.IndexResult {
	if !ix.enabled {
		return domain.IndexResult{OK: true, Detail: "indexing disabled, skipped"}
	}
	docID, filePath := docRef(req)
	switch req.Op {
	case domain.IndexOpDelete:
		if err := ix.engine.DeleteByDocID(ctx, docID); err != nil {
			return classify(err)
		}
		return domain.IndexResult{OK: true}
	case domain.IndexOpUpsert:
		if strings.TrimSpace(req.Payload) == "" {
			return domain.IndexResult{
				OK: false, Retryable: false,
				Kind: domain.IndexErrPayload, Detail: "empty payload",
			}
		}
		if err := ix.engine.Insert(ctx, req.Payload, []string{docID}, []string{filePath}); err != nil {
			return classify(err)
		}
		return domain.IndexResult{OK: true}
	default:
		return domain.IndexResult{
			OK: false, Retryable: false,
			Kind: domain.IndexErrPayload, Detail: "unknown op " + string(req.Op),
		}
	}
}

func docRef(req domain.IndexRequest) (docID, filePath string) {
	if req.AttachmentID != "" {
		return domain.AttachmentDocID(req.AttachmentID), domain.AttachmentFilePath(req.EntryID, req.AttachmentID)
	}
	return domain.EntryDocID(req.EntryID), req.EntryID
}

type httpStatusError interface{ HTTPStatus() int }

// classify maps an engine failure onto the retry taxonomy. Payload and
// config failures are permanent; everything reachable-but-unhealthy is
// transient and everything unreachable is a dependency failure. Unknown
// errors stay retryable so the max-attempts cap is what finally kills them.
func classify(err error) domain.IndexResult {
	detail := domain.TruncateError(err.Error())

	if errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return domain.IndexResult{Retryable: true, Kind: domain.IndexErrTransient, Detail: detail}
	}
	if errors.Is(err, domain.ErrDependencyMissing) {
		return domain.IndexResult{Retryable: true, Kind: domain.IndexErrDependency, Detail: detail}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch status := statusErr.HTTPStatus(); {
		case status == 401 || status == 403 || status == 404:
			return domain.IndexResult{Retryable: false, Kind: domain.IndexErrConfig, Detail: detail}
		case status >= 400 && status < 500 && status != 429:
			return domain.IndexResult{Retryable: false, Kind: domain.IndexErrPayload, Detail: detail}
		default:
			return domain.IndexResult{Retryable: true, Kind: domain.IndexErrTransient, Detail: detail}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		slog.Debug("indexer dependency unreachable", slog.String("error", detail))
		return domain.IndexResult{Retryable: true, Kind: domain.IndexErrDependency, Detail: detail}
	}

	return domain.IndexResult{Retryable: true, Kind: domain.IndexErrUnknown, Detail: detail}
}
