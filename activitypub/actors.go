package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	actorCacheSize = 1024
	actorMaxAge    = 24 * time.Hour
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           any             `json:"@context"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Summary           string          `json:"summary"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	Followers         string          `json:"followers,omitempty"`
	Owner             string          `json:"owner,omitempty"` // set on key documents
	Icon              json.RawMessage `json:"icon,omitempty"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox,omitempty"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// iconURL pulls the url out of an icon given as an Image object, an array of them or a bare IRI.
func (a *ActorResponse) iconURL() string {
	if len(a.Icon) == 0 {
		return ""
	}
	var icon struct {
		URL domain.IRI `json:"url"`
	}
	var icons []struct {
		URL domain.IRI `json:"url"`
	}
	var iri domain.IRI
	switch {
	case json.Unmarshal(a.Icon, &icon) == nil && icon.URL != "":
		return icon.URL.String()
	case json.Unmarshal(a.Icon, &icons) == nil && len(icons) > 0:
		return icons[0].URL.String()
	case json.Unmarshal(a.Icon, &iri) == nil:
		return iri.String()
	}
	return ""
}

// ActorResolver fetches and caches remote actors. Lookups go through an in-memory LRU, then the
// remote_accounts table, then the network. Fetches are signed with the application actor key so
// that servers with authorized fetch answer them.
type ActorResolver struct {
	db        *db.DB
	directory *ActorDirectory
	keys      *KeyStore
	client    *resty.Client
	cache     *expirable.LRU[string, *domain.RemoteAccount]
	group     singleflight.Group
	clock     clock.Clock
	log       *zap.Logger
}

func NewActorResolver(database *db.DB, directory *ActorDirectory, keys *KeyStore, signer *Signer, clk clock.Clock, logger *zap.Logger) *ActorResolver {
	return &ActorResolver{
		db:        database,
		directory: directory,
		keys:      keys,
		client:    newFederationClient(signer, fetchTimeout),
		cache:     expirable.NewLRU[string, *domain.RemoteAccount](actorCacheSize, nil, time.Hour),
		clock:     clk,
		log:       logger.Named("actors"),
	}
}

// GetOrFetchActor returns actor from cache or fetches if not cached/stale
func (r *ActorResolver) GetOrFetchActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	actorURI = stripFragment(actorURI)
	if acc, ok := r.cache.Get(actorURI); ok {
		return acc, nil
	}

	cached, err := r.db.ReadRemoteAccountByURI(ctx, actorURI)
	switch {
	case err == nil && r.clock.Since(cached.LastFetchedAt) < actorMaxAge:
		r.cache.Add(actorURI, cached)
		return cached, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return nil, storageError("read remote account", err)
	}

	acc, err := r.FetchRemoteActor(ctx, actorURI)
	if err != nil && cached != nil {
		r.log.Warn("Refresh failed, using stale actor", zap.String("actor", actorURI), zap.Error(err))
		return cached, nil
	}
	return acc, err
}

// FetchRemoteActor fetches an actor from a remote server and stores it. Concurrent fetches of
// the same actor share one request.
func (r *ActorResolver) FetchRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	v, err, _ := r.group.Do(actorURI, func() (any, error) {
		actor, err := r.fetch(ctx, actorURI)
		if err != nil {
			return nil, err
		}
		if actor.Owner != "" && actor.Inbox == "" && actor.Owner != actorURI {
			// a key document; its owner is the actor
			if actor, err = r.fetch(ctx, actor.Owner); err != nil {
				return nil, err
			}
		}
		return r.store(ctx, actor)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RemoteAccount), nil
}

func (r *ActorResolver) fetch(ctx context.Context, uri string) (*ActorResponse, error) {
	if r.directory.IsLocal(uri) {
		return nil, fmt.Errorf("refusing to fetch local actor %s", uri)
	}

	req := r.client.R().SetContext(r.signingContext(ctx))
	resp, err := req.Get(uri)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode())
	}

	var actor ActorResponse
	if err := json.Unmarshal(resp.Body(), &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if actor.ID == "" {
		return nil, fmt.Errorf("actor document without id")
	}
	return &actor, nil
}

// signingContext attaches the application actor key. Fetches go out unsigned when it is missing.
func (r *ActorResolver) signingContext(ctx context.Context) context.Context {
	app, err := r.directory.ApplicationActor(ctx)
	if err != nil {
		r.log.Warn("Application actor unavailable, fetching unsigned", zap.Error(err))
		return ctx
	}
	kp, err := r.keys.GetKeypairFor(ctx, app)
	if err != nil {
		r.log.Warn("Application key unavailable, fetching unsigned", zap.Error(err))
		return ctx
	}
	return withSigningKey(ctx, kp, r.directory.KeyID(app), nil)
}

func (r *ActorResolver) store(ctx context.Context, actor *ActorResponse) (*domain.RemoteAccount, error) {
	if actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	if !domain.IsActorType(actor.Type) {
		return nil, fmt.Errorf("%s is a %q, not an actor", actor.ID, actor.Type)
	}
	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}
	pem, err := CanonicalPublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", actor.ID, err)
	}
	username := actor.PreferredUsername
	if username == "" {
		username = extractUsername(actor.ID)
	}

	remoteAcc := &domain.RemoteAccount{
		Username:       username,
		Domain:         domainName,
		ActorURI:       actor.ID,
		ActorType:      actor.Type,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyId:    actor.PublicKey.ID,
		PublicKeyPem:   pem,
		AvatarURL:      actor.iconURL(),
		LastFetchedAt:  r.clock.Now().UTC(),
	}
	if err := r.db.UpsertRemoteAccount(ctx, remoteAcc); err != nil {
		return nil, storageError("store remote account", err)
	}
	stored, err := r.db.ReadRemoteAccountByURI(ctx, remoteAcc.ActorURI)
	if err != nil {
		return nil, storageError("read remote account", err)
	}
	r.cache.Add(stored.ActorURI, stored)
	r.log.Debug("Stored remote actor", zap.String("actor", stored.ActorURI))
	return stored, nil
}

// ResolveKey returns the actor owning keyID, fetching it when the key is unknown.
func (r *ActorResolver) ResolveKey(ctx context.Context, keyID string) (*domain.RemoteAccount, error) {
	acc, err := r.db.ReadRemoteAccountByKeyId(ctx, keyID)
	switch {
	case err == nil && r.clock.Since(acc.LastFetchedAt) < actorMaxAge:
		return acc, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return nil, storageError("read remote account", err)
	}

	acc, err = r.FetchRemoteActor(ctx, stripFragment(keyID))
	if err != nil {
		return nil, err
	}
	if acc.PublicKeyId != "" && acc.PublicKeyId != keyID {
		return nil, fmt.Errorf("actor %s does not publish key %s", acc.ActorURI, keyID)
	}
	return acc, nil
}

// Refresh refetches an actor, replacing the cached copy.
func (r *ActorResolver) Refresh(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	r.cache.Remove(actorURI)
	return r.FetchRemoteActor(ctx, actorURI)
}

// Forget drops an actor from the cache and the store.
func (r *ActorResolver) Forget(ctx context.Context, actorURI string) error {
	r.cache.Remove(actorURI)
	if err := r.db.DeleteRemoteAccount(ctx, actorURI); err != nil {
		return storageError("delete remote account", err)
	}
	return nil
}

func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}
	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		// Remove @ prefix if present
		return strings.TrimPrefix(username, "@")
	}
	return ""
}
