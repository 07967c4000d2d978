package activitypub

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const deliveryConcurrency = 4

// DeliveryTarget is one inbox together with the followers reached through it. Explicit
// recipients that are not followers have no followers attached.
type DeliveryTarget struct {
	Inbox     string
	Followers []domain.Follower
}

func (t DeliveryTarget) followerIds() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(t.Followers))
	for _, f := range t.Followers {
		ids = append(ids, f.Id)
	}
	return ids
}

// DeliveryResult summarizes one Deliver call. Err aggregates every failed target.
type DeliveryResult struct {
	Delivered int
	Failed    int
	Err       error
}

// Dispatcher posts signed activities to remote inboxes and keeps the follower error counters.
type Dispatcher struct {
	db        *db.DB
	keys      *KeyStore
	directory *ActorDirectory
	client    *resty.Client
	metrics   *Metrics
	threshold int
	clock     clock.Clock
	log       *zap.Logger
}

func NewDispatcher(database *db.DB, keys *KeyStore, signer *Signer, directory *ActorDirectory, metrics *Metrics, threshold int, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if threshold <= 0 {
		threshold = 5
	}
	return &Dispatcher{
		db:        database,
		keys:      keys,
		directory: directory,
		client:    newFederationClient(signer, deliveryTimeout),
		metrics:   metrics,
		threshold: threshold,
		clock:     clk,
		log:       logger.Named("delivery"),
	}
}

// Threshold is the error count at which a follower stops receiving deliveries and is pruned.
func (d *Dispatcher) Threshold() int { return d.threshold }

// Targets groups followers by delivery inbox, preferring shared inboxes, in first-seen order.
// Followers at or above the error threshold are left out.
func (d *Dispatcher) Targets(followers []domain.Follower) []DeliveryTarget {
	index := make(map[string]int)
	var targets []DeliveryTarget
	for _, f := range followers {
		if f.Errors >= d.threshold {
			continue
		}
		inbox := f.SharedInboxURI
		if inbox == "" {
			inbox = f.InboxURI
		}
		if inbox == "" {
			continue
		}
		i, ok := index[inbox]
		if !ok {
			i = len(targets)
			index[inbox] = i
			targets = append(targets, DeliveryTarget{Inbox: inbox})
		}
		targets[i].Followers = append(targets[i].Followers, f)
	}
	return targets
}

// Deliver sends activityJSON as actor to every target. Targets fail independently; their errors
// are collected in the result. The returned error is only set when nothing could be attempted
// (no keypair) or when follower bookkeeping could not be stored.
func (d *Dispatcher) Deliver(ctx context.Context, actor *domain.Account, activityJSON []byte, targets []DeliveryTarget) (DeliveryResult, error) {
	var result DeliveryResult
	if len(targets) == 0 {
		return result, nil
	}

	kp, err := d.keys.GetKeypairFor(ctx, actor)
	if err != nil {
		return result, err
	}
	keyID := d.directory.KeyID(actor)

	var mu sync.Mutex
	var storeErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deliveryConcurrency)
	for _, target := range targets {
		g.Go(func() error {
			sendErr := d.post(gctx, kp, keyID, target.Inbox, activityJSON)

			var bookErr error
			if ids := target.followerIds(); len(ids) > 0 {
				if sendErr == nil {
					bookErr = d.db.RecordFollowerSuccess(ctx, ids)
				} else {
					bookErr = d.db.RecordFollowerFailure(ctx, ids, sendErr.Error())
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if sendErr != nil {
				result.Failed++
				result.Err = multierr.Append(result.Err, sendErr)
			} else {
				result.Delivered++
			}
			if bookErr != nil {
				storeErr = multierr.Append(storeErr, bookErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Err != nil {
		d.log.Warn("Some deliveries failed",
			zap.String("actor", actor.Username),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
			zap.Error(result.Err))
	} else {
		d.log.Debug("Delivered", zap.String("actor", actor.Username), zap.Int("targets", result.Delivered))
	}
	if storeErr != nil {
		return result, storageError("record delivery outcome", storeErr)
	}
	return result, nil
}

// post attempts to deliver a single activity to an inbox
func (d *Dispatcher) post(ctx context.Context, kp *domain.KeyPair, keyID, inbox string, body []byte) error {
	start := d.clock.Now()
	resp, err := d.client.R().
		SetContext(withSigningKey(ctx, kp, keyID, body)).
		SetHeader("Content-Type", ContentTypeActivity).
		SetBody(body).
		Post(inbox)
	if d.metrics != nil {
		d.metrics.DeliveryDuration.Observe(d.clock.Since(start).Seconds())
	}

	switch {
	case err != nil:
		err = &DeliveryError{Inbox: inbox, Err: err}
	case !resp.IsSuccess():
		err = &DeliveryError{Inbox: inbox, Status: resp.StatusCode(), Err: fmt.Errorf("remote server returned status: %d", resp.StatusCode())}
	}

	if d.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		d.metrics.Deliveries.WithLabelValues(result).Inc()
	}
	return err
}
