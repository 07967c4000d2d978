package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const inboxPageSize = 20

// InboxOptions are the switches of inbound processing.
type InboxOptions struct {
	RequireSignatures bool
	AuthorizedFetch   bool
	Reactions         bool
}

// Inbound is one accepted activity on its way to a handler, for one local recipient.
type Inbound struct {
	Activity  *domain.Activity
	Recipient *domain.Account
	// Signer is the verified remote actor, nil when signatures are not required.
	Signer *domain.RemoteAccount
}

// Handler processes one kind of inbound activity.
type Handler func(ctx context.Context, in *Inbound) error

// Inbox verifies, records and dispatches activities posted to local inboxes.
type Inbox struct {
	db        *db.DB
	directory *ActorDirectory
	actors    *ActorResolver
	verifier  *Verifier
	outbox    *Outbox
	scheduler *Scheduler
	content   ContentStore
	kinds     CommentKinds
	metrics   *Metrics
	opts      InboxOptions
	hooks     []InboxHook
	handlers  map[domain.Kind]Handler
	clock     clock.Clock
	log       *zap.Logger
}

func NewInbox(database *db.DB, directory *ActorDirectory, actors *ActorResolver, verifier *Verifier, outbox *Outbox, scheduler *Scheduler, content ContentStore, kinds CommentKinds, metrics *Metrics, opts InboxOptions, clk clock.Clock, logger *zap.Logger) *Inbox {
	in := &Inbox{
		db:        database,
		directory: directory,
		actors:    actors,
		verifier:  verifier,
		outbox:    outbox,
		scheduler: scheduler,
		content:   content,
		kinds:     kinds,
		metrics:   metrics,
		opts:      opts,
		clock:     clk,
		log:       logger.Named("inbox"),
	}
	in.handlers = in.defaultHandlers()
	return in
}

// AddHook appends a hook run before dispatch, in registration order.
func (in *Inbox) AddHook(h InboxHook) {
	in.hooks = append(in.hooks, h)
}

// Handle replaces the handler for kind.
func (in *Inbox) Handle(kind domain.Kind, h Handler) {
	in.handlers[kind] = h
}

// HandleActorInbox processes an activity posted to the inbox of username.
func (in *Inbox) HandleActorInbox(ctx context.Context, req *http.Request, body []byte, username string) error {
	return in.process(ctx, req, body, func(ctx context.Context, _ *domain.Activity) ([]*domain.Account, error) {
		acc, err := in.directory.LocalActorByUsername(ctx, username)
		if errors.Is(err, db.ErrNotFound) {
			return nil, &RecipientResolutionError{Target: username}
		}
		if err != nil {
			return nil, storageError("read actor", err)
		}
		return []*domain.Account{acc}, nil
	})
}

// HandleSharedInbox processes an activity posted to the shared inbox. Recipients are the local
// actors it addresses directly, through their followers collection, as the object of a Follow,
// or as the owner of the local content it refers to.
func (in *Inbox) HandleSharedInbox(ctx context.Context, req *http.Request, body []byte) error {
	return in.process(ctx, req, body, in.resolveRecipients)
}

type recipientResolver func(ctx context.Context, a *domain.Activity) ([]*domain.Account, error)

func (in *Inbox) process(ctx context.Context, req *http.Request, body []byte, resolve recipientResolver) error {
	var signer *domain.RemoteAccount
	if in.opts.RequireSignatures {
		var err error
		if signer, err = in.verifier.Verify(ctx, req, body); err != nil {
			in.count("", "unauthorized")
			in.log.Info("Rejected unsigned or badly signed request", zap.Error(err))
			return err
		}
	}

	activity, err := decodeInbound(body)
	if err != nil {
		in.count("", "invalid")
		return err
	}
	if signer != nil && !sameHost(signer.ActorURI, activity.Actor.String()) {
		in.count(activity.Type, "unauthorized")
		return signatureError(ReasonMismatch, "signed by %s on behalf of %s", signer.ActorURI, activity.Actor)
	}

	recipients, err := resolve(ctx, activity)
	if err != nil {
		in.count(activity.Type, "unaddressed")
		return err
	}

	log := in.log.With(zap.String("id", activity.ID), zap.String("type", activity.Type), zap.String("actor", activity.Actor.String()))
	log.Info("Received activity", zap.Int("recipients", len(recipients)))

	handler, ok := in.handlers[activity.Kind()]
	if !ok {
		handler = noopHandler
	}

	for _, recipient := range recipients {
		if _, err := in.db.LogInboundActivity(ctx, &domain.InboundActivity{
			AccountId:    recipient.Id,
			ActivityURI:  activity.ID,
			ActivityType: activity.Type,
			ActorURI:     activity.Actor.String(),
			RawJSON:      string(body),
		}); err != nil {
			in.count(activity.Type, "error")
			return storageError("log activity", err)
		}

		stop, err := runInboxHooks(ctx, in.hooks, activity, recipient)
		if err != nil {
			in.count(activity.Type, "error")
			return err
		}
		if stop {
			continue
		}

		if err := handler(ctx, &Inbound{Activity: activity, Recipient: recipient, Signer: signer}); err != nil {
			in.count(activity.Type, "error")
			log.Warn("Handler failed", zap.String("recipient", recipient.Username), zap.Error(err))
			return err
		}
	}
	in.count(activity.Type, "accepted")
	return nil
}

func (in *Inbox) count(activityType, result string) {
	if in.metrics == nil {
		return
	}
	if domain.ParseKind(activityType) == domain.KindUnknown {
		activityType = "other"
	}
	in.metrics.InboxActivities.WithLabelValues(activityType, result).Inc()
}

// decodeInbound parses and checks the members every handler relies on.
func decodeInbound(body []byte) (*domain.Activity, error) {
	var a domain.Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("malformed JSON: %v", err)}
	}
	switch {
	case a.IsReference():
		return nil, &ValidationError{Msg: "bare reference"}
	case a.ID == "":
		return nil, &ValidationError{Field: "id", Msg: "missing"}
	case a.Actor == "":
		return nil, &ValidationError{Field: "actor", Msg: "missing"}
	case a.Type == "":
		return nil, &ValidationError{Field: "type", Msg: "missing"}
	case a.Object == nil || a.Object.ID == "" && a.Object.IsReference():
		return nil, &ValidationError{Field: "object", Msg: "missing"}
	}
	return &a, nil
}

func (in *Inbox) resolveRecipients(ctx context.Context, a *domain.Activity) ([]*domain.Account, error) {
	candidates := ExtractRecipients(a)
	switch a.Kind() {
	case domain.KindFollow:
		candidates = append(candidates, a.ObjectID())
	case domain.KindUndo:
		if a.Object.Kind() == domain.KindFollow {
			candidates = append(candidates, a.Object.ObjectID())
		}
	}

	seen := make(map[uuid.UUID]struct{})
	var recipients []*domain.Account
	add := func(acc *domain.Account) {
		if _, ok := seen[acc.Id]; !ok {
			seen[acc.Id] = struct{}{}
			recipients = append(recipients, acc)
		}
	}

	for _, c := range candidates {
		if c == "" || isPublicCollection(c) || !in.directory.IsLocal(c) {
			continue
		}
		acc, err := in.directory.LocalActorByURI(ctx, c)
		if errors.Is(err, db.ErrNotFound) {
			acc, err = in.directory.FollowersOwner(ctx, c)
		}
		switch {
		case err == nil:
			add(acc)
		case !errors.Is(err, db.ErrNotFound):
			return nil, storageError("resolve recipient", err)
		}
	}

	// replies and reactions to local content reach the content's owner
	for _, ref := range contentRefs(a) {
		obj, err := in.content.LookupObject(ctx, ref)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storageError("resolve object", err)
		}
		acc, err := in.directory.LocalActorByID(ctx, obj.AccountId)
		if err == nil && in.directory.Published(acc) {
			add(acc)
		} else if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, storageError("resolve object owner", err)
		}
	}

	if len(recipients) == 0 {
		return nil, &RecipientResolutionError{}
	}
	return recipients, nil
}

// contentRefs are the local content ids an activity may refer to.
func contentRefs(a *domain.Activity) []string {
	var refs []string
	switch a.Kind() {
	case domain.KindCreate, domain.KindUpdate:
		if a.Object != nil && a.Object.InReplyTo != "" {
			refs = append(refs, a.Object.InReplyTo.String())
		}
	case domain.KindLike, domain.KindAnnounce:
		refs = append(refs, a.ObjectID())
	case domain.KindUndo:
		if k := a.Object.Kind(); k == domain.KindLike || k == domain.KindAnnounce {
			refs = append(refs, a.Object.ObjectID())
		}
	}
	return refs
}

// AuthorizeFetch checks the signature of a GET when authorized fetch is enabled.
func (in *Inbox) AuthorizeFetch(ctx context.Context, req *http.Request) error {
	if !in.opts.AuthorizedFetch {
		return nil
	}
	_, err := in.verifier.Verify(ctx, req, nil)
	return err
}

// OrderedCollection is an ActivityStreams OrderedCollection or OrderedCollectionPage.
type OrderedCollection struct {
	Context      any               `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	TotalItems   int               `json:"totalItems"`
	First        string            `json:"first,omitempty"`
	PartOf       string            `json:"partOf,omitempty"`
	Next         string            `json:"next,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems,omitempty"`
}

// Collection renders the inbox of username. Without page it is the collection head pointing at
// the first page. Pages list received activities newest first; maxID continues after a page.
func (in *Inbox) Collection(ctx context.Context, username string, page bool, maxID int64) (*OrderedCollection, error) {
	acc, err := in.directory.LocalActorByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &RecipientResolutionError{Target: username}
	}
	if err != nil {
		return nil, storageError("read actor", err)
	}

	total, err := in.db.CountInboundActivities(ctx, acc.Id)
	if err != nil {
		return nil, storageError("count activities", err)
	}
	inboxURI := acc.InboxURI(in.directory.Domain())

	if !page {
		return &OrderedCollection{
			Context:    domain.ContextActivityStreams,
			ID:         inboxURI,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      inboxURI + "?page=true",
		}, nil
	}

	activities, err := in.db.ReadInboundActivities(ctx, acc.Id, maxID, inboxPageSize+1)
	if err != nil {
		return nil, storageError("read activities", err)
	}
	pageID := inboxURI + "?page=true"
	if maxID > 0 {
		pageID += fmt.Sprintf("&max_id=%d", maxID)
	}
	coll := &OrderedCollection{
		Context:      domain.ContextActivityStreams,
		ID:           pageID,
		Type:         "OrderedCollectionPage",
		TotalItems:   total,
		PartOf:       inboxURI,
		OrderedItems: []json.RawMessage{},
	}
	if len(activities) > inboxPageSize {
		activities = activities[:inboxPageSize]
		coll.Next = fmt.Sprintf("%s?page=true&max_id=%d", inboxURI, activities[len(activities)-1].Seq)
	}
	for _, a := range activities {
		coll.OrderedItems = append(coll.OrderedItems, json.RawMessage(a.RawJSON))
	}
	return coll, nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}
