package activitypub

import (
	"context"
	"errors"
	"strings"

	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func noopHandler(context.Context, *Inbound) error { return nil }

func (in *Inbox) defaultHandlers() map[domain.Kind]Handler {
	h := map[domain.Kind]Handler{
		domain.KindFollow: in.handleFollow,
		domain.KindUndo:   in.handleUndo,
		domain.KindCreate: in.handleCreate,
		domain.KindUpdate: in.handleUpdate,
		domain.KindDelete: in.handleDelete,
	}
	if in.opts.Reactions {
		for _, ck := range in.kinds {
			h[ck.Activity] = in.handleReaction
		}
	}
	return h
}

// remoteActor returns the sender of an activity, reusing the verified signer when it is the same actor.
func (in *Inbox) remoteActor(ctx context.Context, ev *Inbound) (*domain.RemoteAccount, error) {
	if ev.Signer != nil && ev.Signer.ActorURI == ev.Activity.Actor.String() {
		return ev.Signer, nil
	}
	return in.actors.GetOrFetchActor(ctx, ev.Activity.Actor.String())
}

// acceptID derives the Accept id from the follow relation so a redelivered Follow gets the same Accept.
func acceptID(localURI, remoteURI string) string {
	if _, rest, ok := strings.Cut(remoteURI, "://"); ok {
		remoteURI = rest
	}
	return localURI + "#follow-" + remoteURI
}

func (in *Inbox) handleFollow(ctx context.Context, ev *Inbound) error {
	a := ev.Activity
	localURI := in.directory.URI(ev.Recipient)
	if a.ObjectID() != localURI {
		in.log.Debug("Follow is for someone else", zap.String("object", a.ObjectID()), zap.String("recipient", localURI))
		return nil
	}

	remote, err := in.remoteActor(ctx, ev)
	if err != nil {
		return &ValidationError{Field: "actor", Msg: err.Error()}
	}

	follower, err := in.db.UpsertFollower(ctx, &domain.Follower{
		AccountId:      ev.Recipient.Id,
		RemoteActorURI: remote.ActorURI,
		InboxURI:       remote.InboxURI,
		SharedInboxURI: remote.SharedInboxURI,
	})
	if err != nil {
		return storageError("store follower", err)
	}

	accept := &domain.Activity{
		Context: domain.ContextActivityStreams,
		ID:      acceptID(localURI, remote.ActorURI),
		Type:    domain.KindAccept.String(),
		Actor:   domain.IRI(localURI),
		Object:  a,
		To:      domain.Audience{remote.ActorURI},
	}
	id, err := in.outbox.Add(ctx, accept, domain.KindAccept.String(), ev.Recipient.Id, domain.VisibilityPrivate)
	if err != nil {
		return err
	}
	if id != uuid.Nil {
		if err := in.scheduler.ScheduleItem(ctx, id, in.clock.Now()); err != nil {
			return storageError("schedule accept", err)
		}
	}
	in.log.Info("New follower",
		zap.String("account", ev.Recipient.Username),
		zap.String("follower", follower.RemoteActorURI))
	return nil
}

func (in *Inbox) handleUndo(ctx context.Context, ev *Inbound) error {
	a := ev.Activity
	inner := a.Object
	if inner.Actor != "" && inner.Actor != a.Actor {
		in.log.Info("Ignoring undo of someone else's activity", zap.String("actor", a.Actor.String()), zap.String("inner", inner.Actor.String()))
		return nil
	}

	switch k := inner.Kind(); {
	case k == domain.KindFollow:
		removed, err := in.db.DeleteFollower(ctx, ev.Recipient.Id, a.Actor.String())
		if err != nil {
			return storageError("delete follower", err)
		}
		if removed {
			in.log.Info("Follower left", zap.String("account", ev.Recipient.Username), zap.String("follower", a.Actor.String()))
		}
		return nil
	case !in.opts.Reactions:
		return nil
	case inner.IsReference() || k == domain.KindUnknown:
		// a bare id does not say which reaction it was
		for _, kind := range in.kinds.Types() {
			if _, err := in.content.RemoveReply(ctx, inner.ID, kind); err != nil {
				return storageError("remove reaction", err)
			}
		}
		return nil
	default:
		ck, ok := in.kinds.ForActivity(k)
		if !ok {
			return nil
		}
		if _, err := in.content.RemoveReply(ctx, inner.ID, ck.Type); err != nil {
			return storageError("remove reaction", err)
		}
		return nil
	}
}

// handleCreate stores public replies to local content as comments.
func (in *Inbox) handleCreate(ctx context.Context, ev *Inbound) error {
	obj := ev.Activity.Object
	if obj.IsReference() || obj.InReplyTo == "" {
		return nil
	}
	if !IsPublic(ExtractRecipients(ev.Activity)) {
		in.log.Debug("Ignoring non-public reply", zap.String("object", obj.ID))
		return nil
	}

	parent, err := in.content.LookupObject(ctx, obj.InReplyTo.String())
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageError("read object", err)
	}
	if parent.AccountId != ev.Recipient.Id {
		return nil
	}

	reply := &domain.Reply{
		ObjectId: parent.Id,
		RemoteId: obj.ID,
		Kind:     replyKindComment,
		ActorURI: ev.Activity.Actor.String(),
		Content:  obj.Content,
		URL:      obj.URL.String(),
	}
	if reply.URL == "" {
		reply.URL = obj.ID
	}
	in.fillAuthor(ctx, ev, reply)

	if err := in.content.AddReply(ctx, reply); err != nil {
		return storageError("store reply", err)
	}
	in.log.Info("Stored reply", zap.String("object", parent.ObjectURI), zap.String("reply", obj.ID))
	return nil
}

func (in *Inbox) handleUpdate(ctx context.Context, ev *Inbound) error {
	obj := ev.Activity.Object
	if domain.IsActorType(obj.Type) || obj.ID == ev.Activity.Actor.String() {
		if obj.ID != ev.Activity.Actor.String() {
			return nil
		}
		if _, err := in.actors.Refresh(ctx, obj.ID); err != nil {
			in.log.Warn("Failed to refresh actor", zap.String("actor", obj.ID), zap.Error(err))
		}
		return nil
	}
	return in.handleCreate(ctx, ev)
}

func (in *Inbox) handleDelete(ctx context.Context, ev *Inbound) error {
	actorURI := ev.Activity.Actor.String()
	objectID := ev.Activity.ObjectID()

	if objectID == actorURI {
		if err := in.actors.Forget(ctx, actorURI); err != nil {
			return err
		}
		n, err := in.db.DeleteFollowersByRemote(ctx, actorURI)
		if err != nil {
			return storageError("delete followers", err)
		}
		in.log.Info("Remote actor deleted", zap.String("actor", actorURI), zap.Int("followersRemoved", n))
		return nil
	}

	if _, err := in.content.RemoveReply(ctx, objectID, replyKindComment); err != nil {
		return storageError("remove reply", err)
	}
	return nil
}

// handleReaction stores likes and announces of local content.
func (in *Inbox) handleReaction(ctx context.Context, ev *Inbound) error {
	ck, ok := in.kinds.ForActivity(ev.Activity.Kind())
	if !ok {
		return nil
	}
	parent, err := in.content.LookupObject(ctx, ev.Activity.ObjectID())
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageError("read object", err)
	}
	if parent.AccountId != ev.Recipient.Id {
		return nil
	}

	reply := &domain.Reply{
		ObjectId: parent.Id,
		RemoteId: ev.Activity.ID,
		Kind:     ck.Type,
		ActorURI: ev.Activity.Actor.String(),
		URL:      ev.Activity.ID,
	}
	in.fillAuthor(ctx, ev, reply)
	if err := in.content.AddReply(ctx, reply); err != nil {
		return storageError("store reaction", err)
	}
	in.log.Info("Stored "+ck.Singular, zap.String("object", parent.ObjectURI), zap.String("actor", reply.ActorURI))
	return nil
}

// fillAuthor completes reply with the sender's name and avatar. An unreachable sender leaves
// only the name taken from its id.
func (in *Inbox) fillAuthor(ctx context.Context, ev *Inbound, reply *domain.Reply) {
	remote, err := in.remoteActor(ctx, ev)
	if err != nil {
		in.log.Debug("Could not resolve reply author", zap.String("actor", reply.ActorURI), zap.Error(err))
		reply.AuthorName = extractUsername(reply.ActorURI)
		return
	}
	reply.AuthorName = remote.DisplayName
	if reply.AuthorName == "" {
		reply.AuthorName = remote.Username
	}
	reply.AvatarURL = remote.AvatarURL
}
