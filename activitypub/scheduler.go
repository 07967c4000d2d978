package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job names
const (
	JobProcessOutboxItem = "process_outbox_item"
	JobReprocessOutbox   = "reprocess_outbox"
	JobMaintenance       = "maintenance"
)

const (
	runnerInterval   = 10 * time.Second
	runnerBatch      = 50
	jobLease         = 5 * time.Minute
	maxJobAttempts   = 10
	reprocessDelay   = 10 * time.Second
	reprocessStagger = time.Second
	itemClaimLease   = 2 * time.Minute
	defaultBatchSize = 50
)

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// JobScheduler queues named work for later.
type JobScheduler interface {
	Schedule(ctx context.Context, name, arg string, at time.Time) error
}

// JobFunc runs one job. A returned error schedules a retry with backoff.
type JobFunc func(ctx context.Context, arg string) error

type periodicJob struct {
	name  string
	every time.Duration
	next  time.Time
}

// Runner executes jobs stored in the jobs table on a ticker.
type Runner struct {
	db       *db.DB
	clock    clock.Clock
	metrics  *Metrics
	log      *zap.Logger
	handlers map[string]JobFunc
	periodic []*periodicJob
}

func NewRunner(database *db.DB, clk clock.Clock, metrics *Metrics, logger *zap.Logger) *Runner {
	return &Runner{
		db:       database,
		clock:    clk,
		metrics:  metrics,
		log:      logger.Named("runner"),
		handlers: make(map[string]JobFunc),
	}
}

// Handle registers fn for jobs called name. Registration happens before Run.
func (r *Runner) Handle(name string, fn JobFunc) {
	r.handlers[name] = fn
}

// Every queues name on every tick once the interval has passed, starting with the first tick.
func (r *Runner) Every(name string, every time.Duration) {
	r.periodic = append(r.periodic, &periodicJob{name: name, every: every})
}

// Schedule queues name(arg) to run at or after at.
func (r *Runner) Schedule(ctx context.Context, name, arg string, at time.Time) error {
	return r.db.ScheduleJob(ctx, name, arg, at)
}

// Run ticks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("Starting job runner", zap.Duration("interval", runnerInterval))
	ticker := r.clock.Ticker(runnerInterval)
	defer ticker.Stop()

	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("Job runner stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues due periodic jobs and runs every due job once. It returns the number of jobs run.
func (r *Runner) Tick(ctx context.Context) int {
	now := r.clock.Now()
	for _, p := range r.periodic {
		if now.Before(p.next) {
			continue
		}
		if err := r.Schedule(ctx, p.name, "", now); err != nil {
			r.log.Error("Failed to enqueue periodic job", zap.String("job", p.name), zap.Error(err))
			continue
		}
		p.next = now.Add(p.every)
	}

	jobs, err := r.db.ReadDueJobs(ctx, now, runnerBatch)
	if err != nil {
		r.log.Error("Failed to read job queue", zap.Error(err))
		return 0
	}

	ran := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if r.runJob(ctx, j) {
			ran++
		}
	}
	return ran
}

func (r *Runner) runJob(ctx context.Context, j db.QueuedJob) bool {
	log := r.log.With(zap.String("job", j.Name), zap.String("arg", j.Arg))

	fn, ok := r.handlers[j.Name]
	if !ok {
		log.Warn("Dropping job without handler")
		if err := r.db.DropJob(ctx, j.Id); err != nil {
			log.Error("Failed to drop job", zap.Error(err))
		}
		return false
	}

	j, claimed, err := r.db.ClaimJob(ctx, j, r.clock.Now().Add(jobLease))
	if err != nil {
		log.Error("Failed to claim job", zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	if err := fn(ctx, j.Arg); err != nil {
		r.count(j.Name, "failure")
		if j.Attempts >= maxJobAttempts {
			log.Error("Giving up on job", zap.Int("attempts", j.Attempts), zap.Error(err))
			if err := r.db.DropJob(ctx, j.Id); err != nil {
				log.Error("Failed to drop job", zap.Error(err))
			}
			return true
		}
		backoff := time.Duration(backoffMinutes[min(j.Attempts-1, len(backoffMinutes)-1)]) * time.Minute
		log.Warn("Job failed, will retry", zap.Int("attempt", j.Attempts), zap.Duration("backoff", backoff), zap.Error(err))
		if err := r.db.RetryJob(ctx, j, r.clock.Now().Add(backoff)); err != nil {
			log.Error("Failed to reschedule job", zap.Error(err))
		}
		return true
	}

	r.count(j.Name, "success")
	if err := r.db.CompleteJob(ctx, j); err != nil {
		log.Error("Failed to complete job", zap.Error(err))
	}
	return true
}

func (r *Runner) count(name, result string) {
	if r.metrics != nil {
		r.metrics.Jobs.WithLabelValues(name, result).Inc()
	}
}

// Scheduler moves outbox items through delivery, one follower page per run.
type Scheduler struct {
	db         *db.DB
	jobs       JobScheduler
	dispatcher *Dispatcher
	directory  *ActorDirectory
	actors     *ActorResolver
	batchSize  int
	clock      clock.Clock
	log        *zap.Logger
}

func NewScheduler(database *db.DB, jobs JobScheduler, dispatcher *Dispatcher, directory *ActorDirectory, actors *ActorResolver, batchSize int, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Scheduler{
		db:         database,
		jobs:       jobs,
		dispatcher: dispatcher,
		directory:  directory,
		actors:     actors,
		batchSize:  batchSize,
		clock:      clk,
		log:        logger.Named("scheduler"),
	}
}

// Register wires the outbox jobs into r.
func (s *Scheduler) Register(r *Runner) {
	r.Handle(JobProcessOutboxItem, func(ctx context.Context, arg string) error {
		id, err := uuid.Parse(arg)
		if err != nil {
			s.log.Warn("Ignoring job with malformed outbox id", zap.String("arg", arg))
			return nil
		}
		return s.ProcessOutboxItem(ctx, id)
	})
	r.Handle(JobReprocessOutbox, func(ctx context.Context, _ string) error {
		_, err := s.ReprocessOutbox(ctx)
		return err
	})
}

// ScheduleItem queues delivery of an outbox item.
func (s *Scheduler) ScheduleItem(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.jobs.Schedule(ctx, JobProcessOutboxItem, id.String(), at)
}

// ReprocessOutbox queues every item that is not published or failed yet, including items a
// crashed run left in processing. Items are staggered one second apart, starting ten seconds
// from now. It returns the number of items queued.
func (s *Scheduler) ReprocessOutbox(ctx context.Context) (int, error) {
	items, err := s.db.ReadOutboxItemsByStatus(ctx, domain.OutboxPending, domain.OutboxProcessing)
	if err != nil {
		return 0, storageError("read outbox", err)
	}

	start := s.clock.Now().Add(reprocessDelay)
	for i, item := range items {
		if err := s.ScheduleItem(ctx, item.Id, start.Add(time.Duration(i)*reprocessStagger)); err != nil {
			return i, storageError("schedule outbox item", err)
		}
	}
	if len(items) > 0 {
		s.log.Info("Rescheduled outbox items", zap.Int("count", len(items)))
	}
	return len(items), nil
}

// ProcessOutboxItem delivers the next follower page of an item. Concurrent runs for the same item
// are excluded by a lease on the item; the loser returns without doing anything.
func (s *Scheduler) ProcessOutboxItem(ctx context.Context, id uuid.UUID) error {
	log := s.log.With(zap.String("item", id.String()))

	item, err := s.db.ReadOutboxItem(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		log.Debug("Outbox item is gone")
		return nil
	}
	if err != nil {
		return storageError("read outbox item", err)
	}
	if item.Status.Terminal() {
		return nil
	}

	claimed, err := s.db.ClaimOutboxItem(ctx, id, s.clock.Now().Add(itemClaimLease))
	if err != nil {
		return storageError("claim outbox item", err)
	}
	if !claimed {
		log.Debug("Outbox item is claimed by another run")
		return nil
	}

	more, err := s.processClaimed(ctx, item, log)
	if rerr := s.db.ReleaseOutboxItem(context.WithoutCancel(ctx), id); rerr != nil {
		log.Warn("Failed to release outbox item", zap.Error(rerr))
	}
	if err != nil {
		return err
	}
	if more {
		return s.ScheduleItem(ctx, id, s.clock.Now())
	}
	return nil
}

func (s *Scheduler) processClaimed(ctx context.Context, item *domain.OutboxItem, log *zap.Logger) (bool, error) {
	if item.Status == domain.OutboxPending {
		if err := s.db.TransitionOutboxItem(ctx, item.Id, domain.OutboxProcessing); err != nil {
			if errors.Is(err, db.ErrConflict) {
				return false, nil
			}
			return false, storageError("start outbox item", err)
		}
		item.Status = domain.OutboxProcessing
	}

	activity, err := domain.ToActivity(item.Payload)
	if err != nil {
		return false, s.fail(ctx, item, err)
	}
	actor, err := s.directory.LocalActorByID(ctx, item.AccountId)
	if errors.Is(err, db.ErrNotFound) {
		return false, s.fail(ctx, item, fmt.Errorf("%w: actor %s is gone", ErrNoActor, item.AccountId))
	}
	if err != nil {
		return false, storageError("read actor", err)
	}

	var targets []DeliveryTarget
	if item.Offset == 0 {
		targets = s.explicitTargets(ctx, actor, deliveryRecipients(activity, s.directory.URI(actor)), log)
	}

	offset, done := item.Offset, true
	if addressesFollowers(activity, s.directory.FollowersURI(actor)) {
		page, err := s.db.ReadFollowersPage(ctx, actor.Id, item.Offset, s.batchSize)
		if err != nil {
			return false, storageError("read followers", err)
		}
		targets = mergeTargets(targets, s.dispatcher.Targets(page))
		offset += len(page)
		done = len(page) < s.batchSize
	}

	result, err := s.dispatcher.Deliver(ctx, actor, []byte(item.Payload), targets)
	if err != nil {
		if errors.Is(err, ErrStorage) {
			return false, err
		}
		return false, s.fail(ctx, item, err)
	}

	if err := s.db.CommitOutboxProgress(ctx, item.Id, offset, done); err != nil {
		if errors.Is(err, db.ErrConflict) {
			log.Warn("Outbox item moved on during delivery", zap.Error(err))
			return false, nil
		}
		return false, storageError("commit outbox progress", err)
	}
	log.Info("Processed outbox item",
		zap.String("activity", item.ActivityId),
		zap.Int("offset", offset),
		zap.Bool("published", done),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed))
	return !done, nil
}

// explicitTargets resolves addressed actors that are neither public nor a collection of ours.
// Recipients that cannot be resolved to an actor are skipped.
func (s *Scheduler) explicitTargets(ctx context.Context, actor *domain.Account, recipients []string, log *zap.Logger) []DeliveryTarget {
	followers := s.directory.FollowersURI(actor)
	var targets []DeliveryTarget
	for _, r := range recipients {
		if isPublicCollection(r) || r == followers || s.directory.IsLocal(r) {
			continue
		}
		remote, err := s.actors.GetOrFetchActor(ctx, r)
		if err != nil {
			log.Warn("Skipping unresolvable recipient", zap.String("recipient", r), zap.Error(err))
			continue
		}
		targets = mergeTargets(targets, []DeliveryTarget{{Inbox: remote.DeliveryInbox()}})
	}
	return targets
}

// fail marks the item failed. Only storage errors are returned; the job itself is done.
func (s *Scheduler) fail(ctx context.Context, item *domain.OutboxItem, cause error) error {
	s.log.Error("Outbox item failed", zap.String("item", item.Id.String()), zap.Error(cause))
	if err := s.db.TransitionOutboxItem(ctx, item.Id, domain.OutboxFailed); err != nil && !errors.Is(err, db.ErrConflict) {
		return storageError("fail outbox item", err)
	}
	return nil
}

// mergeTargets appends extra to targets, folding targets with the same inbox together.
func mergeTargets(targets, extra []DeliveryTarget) []DeliveryTarget {
	for _, t := range extra {
		merged := false
		for i := range targets {
			if targets[i].Inbox == t.Inbox {
				targets[i].Followers = append(targets[i].Followers, t.Followers...)
				merged = true
				break
			}
		}
		if !merged {
			targets = append(targets, t)
		}
	}
	return targets
}
