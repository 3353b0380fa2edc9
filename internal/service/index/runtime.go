// Package index hosts the knowledge-graph engine and translates outbox
// events into engine calls. The engine serializes per-connection state, so
// exactly one goroutine may touch it; everything here exists to enforce
// that while keeping callers time-bounded.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/domain"
)

type RuntimeOptions struct {
	// JobTimeout is the hard cap a submitter waits for one engine call.
	JobTimeout time.Duration
	// InitTimeout bounds the lazy engine init.
	InitTimeout time.Duration
	// QueueSize bounds pending jobs; a full queue counts against the
	// submitter's JobTimeout.
	QueueSize int
}

func (o RuntimeOptions) withDefaults() RuntimeOptions {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 120 * time.Second
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 60 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	return o
}

type ragJob struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// Runtime owns the engine on a single goroutine and implements
// domain.KGEngine itself, so callers cannot accidentally bypass the
// serialization. Submitters wait with a hard timeout; a job that outlives
// its submitter keeps running on the runtime goroutine bounded by its own
// deadline.
type Runtime struct {
	engine domain.KGEngine
	opts   RuntimeOptions
	jobs   chan ragJob
	stop   chan struct{}

	initMu      sync.Mutex
	initialized bool
}

func NewRuntime(engine domain.KGEngine, opts RuntimeOptions) *Runtime {
	opts = opts.withDefaults()
	r := &Runtime{
		engine: engine,
		opts:   opts,
		jobs:   make(chan ragJob, opts.QueueSize),
		stop:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runtime) loop() {
	for {
		select {
		case <-r.stop:
			return
		case j := <-r.jobs:
			// The job runs detached from the submitter's context: when
			// the submitter stops waiting the call still completes here,
			// bounded by its own deadline.
			jctx, cancel := context.WithTimeout(context.Background(), r.opts.JobTimeout)
			start := time.Now()
			err := j.fn(jctx)
			cancel()
			observability.RAGJobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
			j.done <- err
		}
	}
}

// Stop shuts the runtime down. Queued jobs that were not started are
// abandoned; their submitters time out.
func (r *Runtime) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *Runtime) submit(ctx domain.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	select {
	case <-r.stop:
		return fmt.Errorf("op=ragruntime.%s: runtime stopped: %w", name, domain.ErrDependencyMissing)
	default:
	}
	j := ragJob{name: name, fn: fn, done: make(chan error, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.jobs <- j:
	case <-timer.C:
		return fmt.Errorf("op=ragruntime.%s: queue full: %w", name, domain.ErrUpstreamTimeout)
	case <-ctx.Done():
		return fmt.Errorf("op=ragruntime.%s: %w", name, ctx.Err())
	}
	select {
	case err := <-j.done:
		return err
	case <-timer.C:
		slog.Warn("rag job timed out, abandoning submitter wait", slog.String("job", name), slog.Duration("timeout", timeout))
		return fmt.Errorf("op=ragruntime.%s: %w", name, domain.ErrUpstreamTimeout)
	case <-ctx.Done():
		return fmt.Errorf("op=ragruntime.%s: %w", name, ctx.Err())
	case <-r.stop:
		return fmt.Errorf("op=ragruntime.%s: runtime stopped: %w", name, domain.ErrDependencyMissing)
	}
}

// ensureInit runs the engine init exactly once on the runtime goroutine.
// Failures are not latched: the next caller retries, so a sidecar that was
// down at boot does not poison the process.
func (r *Runtime) ensureInit(ctx domain.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}
	if err := r.submit(ctx, "init", r.opts.InitTimeout, r.engine.Init); err != nil {
		return err
	}
	r.initialized = true
	slog.Info("knowledge-graph engine initialized")
	return nil
}

func (r *Runtime) run(ctx domain.Context, name string, fn func(ctx context.Context) error) error {
	if err := r.ensureInit(ctx); err != nil {
		return err
	}
	return r.submit(ctx, name, r.opts.JobTimeout, fn)
}

// domain.KGEngine implementation, each call serialized on the runtime.

func (r *Runtime) Init(ctx domain.Context) error {
	return r.ensureInit(ctx)
}

func (r *Runtime) Insert(ctx domain.Context, text string, ids []string, filePaths []string) error {
	return r.run(ctx, "insert", func(jctx context.Context) error {
		return r.engine.Insert(jctx, text, ids, filePaths)
	})
}

func (r *Runtime) DeleteByDocID(ctx domain.Context, docID string) error {
	return r.run(ctx, "delete", func(jctx context.Context) error {
		return r.engine.DeleteByDocID(jctx, docID)
	})
}

func (r *Runtime) Query(ctx domain.Context, q string, p domain.KGQueryParam) (domain.KGQueryResult, error) {
	var res domain.KGQueryResult
	err := r.run(ctx, "query", func(jctx context.Context) error {
		var innerErr error
		res, innerErr = r.engine.Query(jctx, q, p)
		return innerErr
	})
	return res, err
}

func (r *Runtime) KnowledgeGraph(ctx domain.Context, label string, maxDepth, maxNodes int) (domain.KGGraph, error) {
	var g domain.KGGraph
	err := r.run(ctx, "graph", func(jctx context.Context) error {
		var innerErr error
		g, innerErr = r.engine.KnowledgeGraph(jctx, label, maxDepth, maxNodes)
		return innerErr
	})
	return g, err
}

func (r *Runtime) ChunkSearch(ctx domain.Context, q string, topK int) ([]domain.ChunkHit, error) {
	var hits []domain.ChunkHit
	err := r.run(ctx, "chunk_search", func(jctx context.Context) error {
		var innerErr error
		hits, innerErr = r.engine.ChunkSearch(jctx, q, topK)
		return innerErr
	})
	return hits, err
}
