// Package outbox runs the leased worker pipelines that drain the index and
// parse outboxes. One worker goroutine serves one pipeline: it claims a
// batch under a lease, processes rows sequentially and acks each row as
// succeeded, retried, dead or re-queued. Crash recovery is free: a row whose
// lease expired is claimable again by anyone.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/config"
	"github.com/mindatlas/mindatlas/internal/domain"
)

// HandleResult is the per-row verdict a pipeline handler returns. The
// worker, not the handler, owns ack/retry/dead bookkeeping.
type HandleResult struct {
	// Success acks the row as succeeded.
	Success bool
	// Requeue re-queues the succeeded row in place with attempts reset,
	// for the entry pipeline's coalescing re-queue after the entry changed
	// mid-flight. Only honored together with Success.
	Requeue bool
	// Retryable selects retry vs dead on failure.
	Retryable bool
	// Detail lands in last_error (truncated) and the log line.
	Detail string
}

type RowHandler interface {
	Handle(ctx domain.Context, row domain.OutboxRow) HandleResult
}

// IndexExecutor is the indexer boundary the index pipelines call through.
// Satisfied by *index.Indexer.
type IndexExecutor interface {
	Execute(ctx domain.Context, req domain.IndexRequest) domain.IndexResult
}

// WorkerID is "hostname:pid", stable for the process lifetime.
func WorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

const depthSampleInterval = 30 * time.Second

// Worker drains one outbox table.
type Worker struct {
	pipeline string
	store    domain.OutboxStore
	handler  RowHandler
	opts     config.WorkerOptions
	id       string
	now      func() time.Time
}

func NewWorker(pipeline string, store domain.OutboxStore, handler RowHandler, opts config.WorkerOptions) *Worker {
	return &Worker{
		pipeline: pipeline,
		store:    store,
		handler:  handler,
		opts:     opts,
		id:       WorkerID(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is canceled. Cancellation is cooperative: the batch
// already claimed is drained before returning, so rows are not abandoned to
// the lease reaper on a clean shutdown.
func (w *Worker) Run(ctx domain.Context) error {
	slog.Info("outbox worker started",
		slog.String("pipeline", w.pipeline),
		slog.String("worker_id", w.id),
		slog.Int("batch_size", w.opts.BatchSize),
		slog.Duration("poll_interval", w.opts.PollInterval),
		slog.Duration("lock_ttl", w.opts.LockTTL))

	lastDepth := time.Time{}
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox worker stopping", slog.String("pipeline", w.pipeline))
			return nil
		default:
		}

		if time.Since(lastDepth) >= depthSampleInterval {
			w.sampleDepth(ctx)
			lastDepth = time.Now()
		}

		processed := w.pollOnce(ctx)
		if processed == 0 {
			select {
			case <-ctx.Done():
				slog.Info("outbox worker stopping", slog.String("pipeline", w.pipeline))
				return nil
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// pollOnce claims and processes one batch. In-flight rows run on a context
// detached from shutdown so a SIGTERM drains instead of aborting them.
func (w *Worker) pollOnce(ctx domain.Context) int {
	rows, err := w.store.ClaimBatch(ctx, w.now(), w.opts.BatchSize, w.id, w.opts.LockTTL, w.opts.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("outbox claim failed", slog.String("pipeline", w.pipeline), slog.Any("error", err))
		}
		return 0
	}
	if len(rows) == 0 {
		return 0
	}
	observability.ObserveOutboxClaims(w.pipeline, len(rows))

	procCtx := context.WithoutCancel(ctx)
	for _, row := range rows {
		w.processRow(procCtx, row)
	}
	return len(rows)
}

func (w *Worker) processRow(ctx domain.Context, row domain.OutboxRow) {
	start := time.Now()
	res := w.handler.Handle(ctx, row)

	var (
		acked   bool
		ackErr  error
		outcome string
	)
	switch {
	case res.Success && res.Requeue:
		outcome = "requeued"
		acked, ackErr = w.store.MarkPending(ctx, row.ID, w.id, w.now())
	case res.Success:
		outcome = "succeeded"
		acked, ackErr = w.store.MarkSucceeded(ctx, row.ID, w.id)
	case res.Retryable && row.Attempts < w.opts.MaxAttempts:
		outcome = "retry"
		delay := w.opts.Backoff.Delay(row.Attempts)
		acked, ackErr = w.store.MarkRetry(ctx, row.ID, w.id, w.now().Add(delay), domain.TruncateError(res.Detail))
	default:
		outcome = "dead"
		acked, ackErr = w.store.MarkDead(ctx, row.ID, w.id, domain.TruncateError(res.Detail))
	}

	if ackErr != nil {
		slog.Error("outbox ack failed",
			slog.String("pipeline", w.pipeline), slog.Int64("outbox_id", row.ID),
			slog.String("outcome", outcome), slog.Any("error", ackErr))
		return
	}
	if !acked {
		// Lease expired mid-flight; the new owner's result wins.
		outcome = "dropped"
	}
	observability.ObserveOutboxAck(w.pipeline, outcome)

	level := slog.LevelDebug
	if outcome == "dead" {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "outbox row processed",
		slog.String("pipeline", w.pipeline),
		slog.Int64("outbox_id", row.ID),
		slog.String("entry_id", row.EntryID),
		slog.String("op", string(row.Op)),
		slog.Int("attempts", row.Attempts),
		slog.String("outcome", outcome),
		slog.String("detail", res.Detail),
		slog.Duration("took", time.Since(start)))
}

func (w *Worker) sampleDepth(ctx domain.Context) {
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		observability.SetOutboxDepth(w.pipeline, string(status), n)
	}
}
