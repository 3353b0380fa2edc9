package outbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindatlas/mindatlas/internal/config"
	"github.com/mindatlas/mindatlas/internal/domain"
)

type handlerFunc func(ctx domain.Context, row domain.OutboxRow) HandleResult

func (f handlerFunc) Handle(ctx domain.Context, row domain.OutboxRow) HandleResult {
	return f(ctx, row)
}

func testOptions() config.WorkerOptions {
	return config.WorkerOptions{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  6,
		LockTTL:      time.Minute,
		Backoff:      domain.RetryPolicy{Base: 2 * time.Second, Cap: 60 * time.Second},
	}
}

func newTestWorker(store domain.OutboxStore, h RowHandler) *Worker {
	w := NewWorker("entry_index", store, h, testOptions())
	w.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return w
}

func TestWorkerID_HostnameAndPID(t *testing.T) {
	id := WorkerID()
	require.True(t, strings.HasSuffix(id, fmt.Sprintf(":%d", os.Getpid())))
	assert.Greater(t, strings.IndexByte(id, ':'), 0)
}

func TestWorker_SuccessAcksSucceeded(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{{ID: 7, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 1}})
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Success: true}
	}))

	n := w.pollOnce(context.Background())
	require.Equal(t, 1, n)

	acks := store.ackCalls()
	require.Len(t, acks, 1)
	assert.Equal(t, "succeeded", acks[0].kind)
	assert.Equal(t, int64(7), acks[0].id)
	assert.Equal(t, w.id, acks[0].workerID)
}

func TestWorker_RetryableFailureSchedulesBackoff(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{{ID: 1, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 1}})
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Retryable: true, Detail: "engine busy"}
	}))

	w.pollOnce(context.Background())

	acks := store.ackCalls()
	require.Len(t, acks, 1)
	require.Equal(t, "retry", acks[0].kind)
	assert.Equal(t, "engine busy", acks[0].lastErr)

	// First attempt failed, so the delay is base plus up to 10% jitter.
	delay := acks[0].availableAt.Sub(w.now())
	assert.GreaterOrEqual(t, delay, 2*time.Second)
	assert.LessOrEqual(t, delay, 2*time.Second+200*time.Millisecond)
}

func TestWorker_ExhaustedAttemptsGoDead(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{{ID: 1, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 6}})
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Retryable: true, Detail: "still failing"}
	}))

	w.pollOnce(context.Background())

	acks := store.ackCalls()
	require.Len(t, acks, 1)
	assert.Equal(t, "dead", acks[0].kind)
	assert.Equal(t, "still failing", acks[0].lastErr)
}

func TestWorker_PermanentFailureGoesDeadImmediately(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{{ID: 1, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 1}})
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Retryable: false, Detail: "payload rejected"}
	}))

	w.pollOnce(context.Background())

	acks := store.ackCalls()
	require.Len(t, acks, 1)
	assert.Equal(t, "dead", acks[0].kind)
}

func TestWorker_RequeueMarksPending(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{{ID: 3, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 2}})
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Success: true, Requeue: true}
	}))

	w.pollOnce(context.Background())

	acks := store.ackCalls()
	require.Len(t, acks, 1)
	assert.Equal(t, "pending", acks[0].kind)
	assert.Equal(t, w.now(), acks[0].availableAt)
}

func TestWorker_TruncatesLastError(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{{ID: 1, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 1}})
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Retryable: true, Detail: strings.Repeat("x", domain.LastErrorMaxLen+500)}
	}))

	w.pollOnce(context.Background())

	acks := store.ackCalls()
	require.Len(t, acks, 1)
	assert.Len(t, acks[0].lastErr, domain.LastErrorMaxLen)
}

func TestWorker_DrainsBatchAfterCancel(t *testing.T) {
	store := newFakeStore([]domain.OutboxRow{
		{ID: 1, EntryID: "e-1", Op: domain.OutboxUpsert, Attempts: 1},
		{ID: 2, EntryID: "e-2", Op: domain.OutboxUpsert, Attempts: 1},
	})
	ctx, cancel := context.WithCancel(context.Background())
	var handled int
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		handled++
		cancel() // stop requested mid-batch
		return HandleResult{Success: true}
	}))

	n := w.pollOnce(ctx)

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, handled)
	assert.Len(t, store.ackCalls(), 2)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := newFakeStore() // always empty
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		return HandleResult{Success: true}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_ClaimErrorBacksOffToNextPoll(t *testing.T) {
	store := newFakeStore()
	store.claimErr = fmt.Errorf("connection refused")
	w := newTestWorker(store, handlerFunc(func(domain.Context, domain.OutboxRow) HandleResult {
		t.Fatal("handler must not run when claim fails")
		return HandleResult{}
	}))

	n := w.pollOnce(context.Background())
	assert.Equal(t, 0, n)
	assert.Empty(t, store.ackCalls())
}
