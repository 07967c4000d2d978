package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbox queues outgoing activities. Delivery happens later, in the scheduler.
type Outbox struct {
	db        *db.DB
	directory *ActorDirectory
	content   ContentStore
	hooks     []OutboxHook
	metrics   *Metrics
	clock     clock.Clock
	log       *zap.Logger
}

func NewOutbox(database *db.DB, directory *ActorDirectory, content ContentStore, metrics *Metrics, clk clock.Clock, logger *zap.Logger) *Outbox {
	return &Outbox{
		db:        database,
		directory: directory,
		content:   content,
		metrics:   metrics,
		clock:     clk,
		log:       logger.Named("outbox"),
	}
}

// AddHook appends a hook run on every added activity, in registration order.
func (o *Outbox) AddHook(h OutboxHook) {
	o.hooks = append(o.hooks, h)
}

// Add queues payload for federation as actorID and returns the id of the new outbox item.
//
// payload is anything domain.ToActivity accepts. An empty or unknown activityType becomes
// Announce. A payload that already is an activity of that type is sent as is; anything else is
// wrapped into a new activity. The deliverer depends on the actor mode: a federating user
// delivers as itself, otherwise the blog actor stands in when the mode has one. When a hook
// stops the activity, Add returns uuid.Nil and no error.
func (o *Outbox) Add(ctx context.Context, payload any, activityType string, actorID uuid.UUID, visibility domain.Visibility) (uuid.UUID, error) {
	object, err := domain.ToActivity(payload)
	if err != nil {
		return uuid.Nil, &ValidationError{Field: "payload", Msg: err.Error()}
	}

	kind := domain.ParseKind(activityType)
	if kind == domain.KindUnknown {
		kind = domain.KindAnnounce
	}

	vis, ok := domain.ParseVisibility(string(visibility))
	if !ok {
		return uuid.Nil, &ValidationError{Field: "visibility", Msg: fmt.Sprintf("unknown visibility %q", visibility)}
	}
	if vis == domain.VisibilityLocal {
		return uuid.Nil, ErrLocalVisibility
	}

	deliverer, actorKind, err := o.resolveDeliverer(ctx, actorID)
	if err != nil {
		return uuid.Nil, err
	}

	itemID := uuid.New()
	wire := o.wrap(object, kind, itemID, deliverer, vis)
	item := &domain.OutboxItem{
		Id:           itemID,
		ActivityId:   wire.ID,
		ActivityType: wire.Type,
		AccountId:    deliverer.Id,
		ActorKind:    actorKind,
		Visibility:   vis,
		Status:       domain.OutboxPending,
	}

	if stop, err := runOutboxHooks(ctx, o.hooks, wire, item); stop {
		if err != nil {
			return uuid.Nil, err
		}
		o.log.Debug("Outbox hook dropped activity", zap.String("id", wire.ID))
		return uuid.Nil, nil
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return uuid.Nil, &ValidationError{Field: "payload", Msg: err.Error()}
	}
	item.Payload = string(body)

	if wire.Kind() == domain.KindCreate && wire.Object != nil && !wire.Object.IsReference() && o.directory.IsLocal(wire.Object.ID) {
		obj := &domain.LocalObject{AccountId: deliverer.Id, ObjectURI: wire.Object.ID, URL: wire.Object.URL.String()}
		if err := o.content.RegisterObject(ctx, obj); err != nil {
			return uuid.Nil, storageError("register object", err)
		}
	}

	if err := o.db.InsertOutboxItem(ctx, item); err != nil {
		return uuid.Nil, storageError("queue activity", err)
	}
	if o.metrics != nil {
		o.metrics.OutboxQueued.Inc()
	}
	o.log.Info("Queued activity",
		zap.String("id", wire.ID),
		zap.String("type", wire.Type),
		zap.String("actor", deliverer.Username),
		zap.String("visibility", string(vis)))
	return itemID, nil
}

// resolveDeliverer picks the local actor an activity of actorID is sent as.
func (o *Outbox) resolveDeliverer(ctx context.Context, actorID uuid.UUID) (*domain.Account, domain.ActorKind, error) {
	mode := o.directory.Mode()

	acc, err := o.db.ReadAccById(ctx, actorID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, "", storageError("read actor", err)
	}
	if acc != nil {
		switch {
		case acc.Username == domain.ApplicationUsername:
			return acc, domain.ActorKindApplication, nil
		case o.directory.IsBlog(acc):
			if mode.BlogEnabled() {
				return acc, domain.ActorKindBlog, nil
			}
		case mode.UsersEnabled() && acc.Federated:
			return acc, domain.ActorKindUser, nil
		}
	}

	if mode.BlogEnabled() {
		blog, err := o.directory.BlogActor(ctx)
		if err != nil {
			return nil, "", storageError("read blog actor", err)
		}
		return blog, domain.ActorKindBlog, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoActor, actorID)
}

// wrap builds the wire activity. Addressing is derived from visibility when the payload has none.
func (o *Outbox) wrap(object *domain.Activity, kind domain.Kind, itemID uuid.UUID, deliverer *domain.Account, vis domain.Visibility) *domain.Activity {
	actorURI := domain.IRI(o.directory.URI(deliverer))

	var wire *domain.Activity
	if object.Kind() == kind && object.Object != nil {
		wire = object
		wire.Actor = actorURI
		if wire.ID == "" {
			wire.ID = o.directory.ActivityURI(itemID)
		}
	} else {
		wire = &domain.Activity{
			ID:        o.directory.ActivityURI(itemID),
			Type:      kind.String(),
			Actor:     actorURI,
			Object:    object,
			Published: o.clock.Now().UTC().Format(time.RFC3339),
		}
	}
	if wire.Context == nil {
		wire.Context = domain.ContextActivityStreams
	}

	if len(wire.To) == 0 && len(wire.Cc) == 0 {
		followers := o.directory.FollowersURI(deliverer)
		switch vis {
		case domain.VisibilityPublic:
			wire.To, wire.Cc = domain.Audience{domain.PublicCollection}, domain.Audience{followers}
		case domain.VisibilityQuietPublic:
			wire.To, wire.Cc = domain.Audience{followers}, domain.Audience{domain.PublicCollection}
		case domain.VisibilityPrivate:
			wire.To = domain.Audience{followers}
		}
		if wire.Object != nil && !wire.Object.IsReference() && len(wire.Object.To) == 0 && len(wire.Object.Cc) == 0 {
			wire.Object.To, wire.Object.Cc = wire.To, wire.Cc
		}
	}
	return wire
}
