package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mindatlas/mindatlas/internal/adapter/repo/postgres"
)

// OutboxSweeper periodically reports outbox rows stuck in processing and
// prunes terminal rows past retention. Stuck rows are logged, not touched:
// the claim query already reclaims expired leases, so flipping status here
// would race the workers.
type OutboxSweeper struct {
	maintenance *postgres.OutboxMaintenance

	// StuckAfter is how long a processing lock may stand before the row is
	// reported. The default is ten times the longest pipeline lock TTL.
	StuckAfter         time.Duration
	SucceededRetention time.Duration
	DeadRetention      time.Duration
	Interval           time.Duration
}

// NewOutboxSweeper constructs a sweeper with defaults filled in.
func NewOutboxSweeper(m *postgres.OutboxMaintenance, stuckAfter time.Duration) *OutboxSweeper {
	if m == nil {
		return nil
	}
	if stuckAfter <= 0 {
		stuckAfter = 150 * time.Minute
	}
	return &OutboxSweeper{
		maintenance:        m,
		StuckAfter:         stuckAfter,
		SucceededRetention: 7 * 24 * time.Hour,
		DeadRetention:      30 * 24 * time.Hour,
		Interval:           10 * time.Minute,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *OutboxSweeper) Run(ctx context.Context) {
	if s == nil || s.maintenance == nil {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *OutboxSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("outbox.sweeper")
	ctx, span := tracer.Start(ctx, "OutboxSweeper.sweepOnce")
	defer span.End()

	now := time.Now().UTC()
	stuck, err := s.maintenance.ListStuck(ctx, now.Add(-s.StuckAfter), 100)
	if err != nil {
		span.RecordError(err)
		slog.Error("outbox stuck-row sweep failed", slog.Any("error", err))
	} else {
		for _, row := range stuck {
			slog.Warn("outbox row stuck in processing",
				slog.String("table", row.Table),
				slog.Int64("id", row.ID),
				slog.String("entry_id", row.EntryID),
				slog.String("op", string(row.Op)),
				slog.Int("attempts", row.Attempts),
				slog.String("locked_by", row.LockedBy),
				slog.Time("locked_at", row.LockedAt),
			)
		}
		span.SetAttributes(attribute.Int("outbox.stuck_rows", len(stuck)))
	}

	pruned, err := s.maintenance.PruneTerminal(ctx,
		now.Add(-s.SucceededRetention), now.Add(-s.DeadRetention))
	if err != nil {
		span.RecordError(err)
		slog.Error("outbox retention sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("outbox.pruned_rows", pruned))
	if pruned > 0 {
		slog.Info("outbox retention sweep completed", slog.Int64("pruned", pruned))
	}
}
