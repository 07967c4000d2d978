package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// ActorMode selects which local actors federate.
type ActorMode string

const (
	ModeActor     ActorMode = "actor"
	ModeBlog      ActorMode = "blog"
	ModeActorBlog ActorMode = "actor_blog"
)

func ParseActorMode(s string) (ActorMode, error) {
	switch m := ActorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeActor, ModeBlog, ModeActorBlog:
		return m, nil
	case "":
		return ModeActorBlog, nil
	}
	return "", fmt.Errorf("unknown actor mode %q", s)
}

func (m ActorMode) UsersEnabled() bool { return m == ModeActor || m == ModeActorBlog }
func (m ActorMode) BlogEnabled() bool  { return m == ModeBlog || m == ModeActorBlog }

// ActorDirectory resolves local actors from the accounts table.
type ActorDirectory struct {
	db             *db.DB
	sslDomain      string
	mode           ActorMode
	blogIdentifier string
}

func NewActorDirectory(database *db.DB, sslDomain string, mode ActorMode, blogIdentifier string) *ActorDirectory {
	if blogIdentifier == "" {
		blogIdentifier = "blog"
	}
	return &ActorDirectory{db: database, sslDomain: sslDomain, mode: mode, blogIdentifier: blogIdentifier}
}

func (d *ActorDirectory) Domain() string  { return d.sslDomain }
func (d *ActorDirectory) Mode() ActorMode { return d.mode }

func (d *ActorDirectory) SharedInboxURI() string {
	return fmt.Sprintf("https://%s/inbox", d.sslDomain)
}

// ActivityURI is the stable id of an outbox item on the wire.
func (d *ActorDirectory) ActivityURI(itemId uuid.UUID) string {
	return fmt.Sprintf("https://%s/activities/%s", d.sslDomain, itemId)
}

func (d *ActorDirectory) URI(acc *domain.Account) string          { return acc.URI(d.sslDomain) }
func (d *ActorDirectory) KeyID(acc *domain.Account) string        { return acc.KeyID(d.sslDomain) }
func (d *ActorDirectory) FollowersURI(acc *domain.Account) string { return acc.FollowersURI(d.sslDomain) }

// Published reports whether acc is served to the fediverse under the current mode.
func (d *ActorDirectory) Published(acc *domain.Account) bool {
	switch {
	case acc.Username == domain.ApplicationUsername:
		return true
	case acc.Username == d.blogIdentifier:
		return d.mode.BlogEnabled()
	default:
		return d.mode.UsersEnabled() && acc.Federated
	}
}

// IsBlog reports whether acc is the blog actor.
func (d *ActorDirectory) IsBlog(acc *domain.Account) bool {
	return acc.Username == d.blogIdentifier
}

// LocalActorByUsername returns a published local actor, or db.ErrNotFound.
func (d *ActorDirectory) LocalActorByUsername(ctx context.Context, username string) (*domain.Account, error) {
	switch username {
	case domain.ApplicationUsername:
		return d.ApplicationActor(ctx)
	case d.blogIdentifier:
		return d.BlogActor(ctx)
	}
	acc, err := d.db.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !d.Published(acc) {
		return nil, db.ErrNotFound
	}
	return acc, nil
}

func (d *ActorDirectory) LocalActorByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return d.db.ReadAccById(ctx, id)
}

// LocalActorByURI maps an actor id on our domain back to the account. Key ids are accepted too.
func (d *ActorDirectory) LocalActorByURI(ctx context.Context, uri string) (*domain.Account, error) {
	username, ok := d.usernameFromURI(uri)
	if !ok {
		return nil, db.ErrNotFound
	}
	return d.LocalActorByUsername(ctx, username)
}

// IsLocal reports whether uri points at this server.
func (d *ActorDirectory) IsLocal(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && strings.EqualFold(u.Host, d.sslDomain)
}

func (d *ActorDirectory) usernameFromURI(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Host, d.sslDomain) {
		return "", false
	}
	rest, ok := strings.CutPrefix(u.Path, "/users/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// FollowersOwner maps a followers collection URI on our domain to its actor.
func (d *ActorDirectory) FollowersOwner(ctx context.Context, uri string) (*domain.Account, error) {
	actorURI, ok := strings.CutSuffix(uri, "/followers")
	if !ok {
		return nil, db.ErrNotFound
	}
	return d.LocalActorByURI(ctx, actorURI)
}

// BlogActor returns the blog actor, creating its account on first use. It is db.ErrNotFound when
// the mode has no blog.
func (d *ActorDirectory) BlogActor(ctx context.Context) (*domain.Account, error) {
	if !d.mode.BlogEnabled() {
		return nil, db.ErrNotFound
	}
	return d.db.EnsureAccount(ctx, d.blogIdentifier, domain.ActorService)
}

func (d *ActorDirectory) ApplicationActor(ctx context.Context) (*domain.Account, error) {
	return d.db.EnsureAccount(ctx, domain.ApplicationUsername, domain.ActorApplication)
}

// ensureReserved provisions the application and blog actors.
func (d *ActorDirectory) ensureReserved(ctx context.Context) error {
	if _, err := d.ApplicationActor(ctx); err != nil {
		return err
	}
	if _, err := d.BlogActor(ctx); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}
