package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/deemkeen/apcore/util"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	reprocessEvery   = time.Hour
	maintenanceEvery = 24 * time.Hour
)

// Federation holds the wired federation components of one server.
type Federation struct {
	DB          *db.DB
	Directory   *ActorDirectory
	Keys        *KeyStore
	Signer      *Signer
	Verifier    *Verifier
	Actors      *ActorResolver
	Content     ContentStore
	Reactions   CommentKinds
	Outbox      *Outbox
	Dispatcher  *Dispatcher
	Runner      *Runner
	Scheduler   *Scheduler
	Maintenance *Maintenance
	Inbox       *Inbox
	Metrics     *Metrics
	Clock       clock.Clock
}

// New builds every component from conf on top of an open, migrated database. Metrics are
// registered with registry; nil gets a private registry.
func New(database *db.DB, conf *util.AppConfig, registry prometheus.Registerer, clk clock.Clock, logger *zap.Logger) (*Federation, error) {
	mode, err := ParseActorMode(conf.Conf.ActorMode)
	if err != nil {
		return nil, err
	}
	if conf.Conf.SslDomain == "" {
		return nil, fmt.Errorf("sslDomain is not configured")
	}
	if clk == nil {
		clk = clock.New()
	}

	f := &Federation{DB: database, Clock: clk, Metrics: NewMetrics(registry)}
	f.Directory = NewActorDirectory(database, conf.Conf.SslDomain, mode, conf.Conf.BlogIdentifier)
	f.Keys = NewKeyStore(database, logger, clk)
	f.Signer = NewSigner(clk)
	f.Actors = NewActorResolver(database, f.Directory, f.Keys, f.Signer, clk, logger)
	f.Verifier = NewVerifier(f.Actors, clk, logger)
	f.Content = NewContentStore(database)
	f.Reactions = NewCommentKinds()

	f.Outbox = NewOutbox(database, f.Directory, f.Content, f.Metrics, clk, logger)
	f.Outbox.AddHook(DebugOutboxHook(logger))

	f.Dispatcher = NewDispatcher(database, f.Keys, f.Signer, f.Directory, f.Metrics, conf.Conf.FollowerErrorThreshold, clk, logger)
	f.Runner = NewRunner(database, clk, f.Metrics, logger)
	f.Scheduler = NewScheduler(database, f.Runner, f.Dispatcher, f.Directory, f.Actors, conf.Conf.OutboxBatchSize, clk, logger)
	f.Maintenance = NewMaintenance(database, f.Runner, f.Dispatcher.Threshold(), conf.Conf.OutboxRetentionDays, clk, logger)

	f.Scheduler.Register(f.Runner)
	f.Maintenance.Register(f.Runner)
	f.Runner.Every(JobReprocessOutbox, reprocessEvery)
	f.Runner.Every(JobMaintenance, maintenanceEvery)

	f.Inbox = NewInbox(database, f.Directory, f.Actors, f.Verifier, f.Outbox, f.Scheduler, f.Content, f.Reactions, f.Metrics, InboxOptions{
		RequireSignatures: conf.Conf.RequireSignatures,
		AuthorizedFetch:   conf.Conf.AuthorizedFetch,
		Reactions:         conf.Conf.Reactions,
	}, clk, logger)
	f.Inbox.AddHook(DebugInboxHook(logger))

	return f, nil
}

// Start provisions the reserved actors.
func (f *Federation) Start(ctx context.Context) error {
	if err := f.Directory.ensureReserved(ctx); err != nil {
		return storageError("provision reserved actors", err)
	}
	return nil
}

// Publish queues payload as the actor called username and schedules its delivery right away.
func (f *Federation) Publish(ctx context.Context, username string, payload any, activityType string, visibility string) (string, error) {
	acc, err := f.DB.ReadAccByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoActor, username)
	}
	if err != nil {
		return "", storageError("read actor", err)
	}
	id, err := f.Outbox.Add(ctx, payload, activityType, acc.Id, domain.Visibility(visibility))
	if err != nil {
		return "", err
	}
	if id == uuid.Nil {
		return "", nil
	}
	if err := f.Scheduler.ScheduleItem(ctx, id, f.Clock.Now()); err != nil {
		return "", storageError("schedule outbox item", err)
	}
	return id.String(), nil
}
