package activitypub

import (
	"context"

	"github.com/deemkeen/apcore/domain"
	"go.uber.org/zap"
)

// InboxHook sees every accepted inbound activity before it is dispatched, once per local
// recipient. Returning stop skips the handler and the remaining hooks.
type InboxHook func(ctx context.Context, activity *domain.Activity, recipient *domain.Account) (stop bool, err error)

// OutboxHook sees every activity before it is queued. Returning stop drops the activity.
type OutboxHook func(ctx context.Context, activity *domain.Activity, item *domain.OutboxItem) (stop bool, err error)

func runInboxHooks(ctx context.Context, hooks []InboxHook, activity *domain.Activity, recipient *domain.Account) (bool, error) {
	for _, hook := range hooks {
		stop, err := hook(ctx, activity, recipient)
		if err != nil || stop {
			return true, err
		}
	}
	return false, nil
}

func runOutboxHooks(ctx context.Context, hooks []OutboxHook, activity *domain.Activity, item *domain.OutboxItem) (bool, error) {
	for _, hook := range hooks {
		stop, err := hook(ctx, activity, item)
		if err != nil || stop {
			return true, err
		}
	}
	return false, nil
}

// DebugInboxHook logs inbound activities at debug level.
func DebugInboxHook(logger *zap.Logger) InboxHook {
	log := logger.Named("debug")
	return func(_ context.Context, activity *domain.Activity, recipient *domain.Account) (bool, error) {
		log.Debug("Inbound activity",
			zap.String("type", activity.Type),
			zap.String("id", activity.ID),
			zap.String("actor", activity.Actor.String()),
			zap.String("recipient", recipient.Username))
		return false, nil
	}
}

// DebugOutboxHook logs outbound activities at debug level.
func DebugOutboxHook(logger *zap.Logger) OutboxHook {
	log := logger.Named("debug")
	return func(_ context.Context, activity *domain.Activity, item *domain.OutboxItem) (bool, error) {
		log.Debug("Outbound activity",
			zap.String("type", activity.Type),
			zap.String("id", activity.ID),
			zap.String("visibility", string(item.Visibility)))
		return false, nil
	}
}
