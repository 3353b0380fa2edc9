package skill

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type invokeFunc func(ctx domain.Context, args map[string]any) (string, error)

type prefetchJob struct {
	ctx  domain.Context
	args map[string]any
	done chan prefetchResult
}

type prefetchResult struct {
	out string
	err error
}

// Prefetcher serializes knowledge-base lookups through a single worker with
// a hard deadline per call. When a call overruns the deadline the worker is
// abandoned along with its wedged downstream call, and a fresh worker takes
// over for subsequent turns.
type Prefetcher struct {
	invoke  invokeFunc
	timeout time.Duration

	mu   sync.Mutex
	jobs chan prefetchJob
}

func NewPrefetcher(invoke invokeFunc, timeout time.Duration) *Prefetcher {
	p := &Prefetcher{invoke: invoke, timeout: timeout}
	p.jobs = p.spawn()
	return p
}

func (p *Prefetcher) spawn() chan prefetchJob {
	jobs := make(chan prefetchJob)
	go p.worker(jobs)
	return jobs
}

func (p *Prefetcher) worker(jobs chan prefetchJob) {
	for j := range jobs {
		out, err := p.invoke(j.ctx, j.args)
		// done is buffered; the send succeeds even if the caller gave up.
		j.done <- prefetchResult{out: out, err: err}

		p.mu.Lock()
		stale := p.jobs != jobs
		p.mu.Unlock()
		if stale {
			return
		}
	}
}

// Fetch runs a kb_search for the query. ok is false when the lookup failed
// or overran the deadline; a deadline overrun also rotates the worker so a
// wedged call cannot poison later turns.
func (p *Prefetcher) Fetch(ctx domain.Context, query string) (string, bool) {
	p.mu.Lock()
	jobs := p.jobs
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	j := prefetchJob{ctx: ctx, args: map[string]any{"query": query}, done: make(chan prefetchResult, 1)}
	select {
	case jobs <- j:
	case <-timer.C:
		p.rotate(jobs)
		return "", false
	case <-ctx.Done():
		return "", false
	}

	select {
	case r := <-j.done:
		if r.err != nil {
			slog.Warn("kb prefetch failed", slog.Any("error", r.err))
			return "", false
		}
		return r.out, true
	case <-timer.C:
		p.rotate(jobs)
		return "", false
	case <-ctx.Done():
		p.rotate(jobs)
		return "", false
	}
}

// rotate replaces the worker a timed-out call was queued on. The old worker
// finishes its current call in the background and exits once it notices it
// was replaced.
func (p *Prefetcher) rotate(old chan prefetchJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobs != old {
		return
	}
	slog.Warn("kb prefetch timed out, replacing worker")
	p.jobs = p.spawn()
}
