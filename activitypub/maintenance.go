package activitypub

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"go.uber.org/zap"
)

const (
	lockRetry      = 5 * time.Minute
	staleLockAfter = time.Hour
)

// Maintenance prunes failing followers and purges old published outbox items. Only one run at a
// time does work; the others reschedule themselves.
type Maintenance struct {
	db        *db.DB
	jobs      JobScheduler
	threshold int
	retention time.Duration
	clock     clock.Clock
	log       *zap.Logger
}

func NewMaintenance(database *db.DB, jobs JobScheduler, threshold int, retentionDays int, clk clock.Clock, logger *zap.Logger) *Maintenance {
	if threshold <= 0 {
		threshold = 5
	}
	return &Maintenance{
		db:        database,
		jobs:      jobs,
		threshold: threshold,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		clock:     clk,
		log:       logger.Named("maintenance"),
	}
}

// Register wires the maintenance job into r.
func (m *Maintenance) Register(r *Runner) {
	r.Handle(JobMaintenance, func(ctx context.Context, _ string) error {
		return m.Run(ctx)
	})
}

// Run does one maintenance pass under the maintenance lock. A lock older than an hour is assumed
// to belong to a crashed run and is broken.
func (m *Maintenance) Run(ctx context.Context) error {
	acquired, since, err := m.db.Lock(ctx)
	if err != nil {
		return storageError("take maintenance lock", err)
	}
	if !acquired {
		age := m.clock.Now().Sub(since)
		if age < staleLockAfter {
			m.log.Info("Maintenance lock held, retrying later", zap.Time("since", since), zap.Duration("retry", lockRetry))
			return m.jobs.Schedule(ctx, JobMaintenance, "retry", m.clock.Now().Add(lockRetry))
		}
		m.log.Warn("Breaking stale maintenance lock", zap.Time("since", since), zap.Duration("age", age))
		if err := m.db.Unlock(ctx); err != nil {
			return storageError("break maintenance lock", err)
		}
		if acquired, _, err = m.db.Lock(ctx); err != nil {
			return storageError("take maintenance lock", err)
		}
		if !acquired {
			return m.jobs.Schedule(ctx, JobMaintenance, "retry", m.clock.Now().Add(lockRetry))
		}
	}
	defer func() {
		if err := m.db.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.log.Error("Failed to release maintenance lock", zap.Error(err))
		}
	}()

	pruned, err := m.db.PruneFollowers(ctx, m.threshold)
	if err != nil {
		return storageError("prune followers", err)
	}
	purged := 0
	if m.retention > 0 {
		purged, err = m.db.DeleteOutboxItemsBefore(ctx, domain.OutboxPublished, m.clock.Now().Add(-m.retention))
		if err != nil {
			return storageError("purge outbox", err)
		}
	}
	m.log.Info("Maintenance done", zap.Int("followersPruned", pruned), zap.Int("outboxPurged", purged))
	return nil
}
