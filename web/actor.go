package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/apcore/activitypub"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const activityContentType = activitypub.ContentTypeActivity + "; charset=utf-8"

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

// Actor is the document served at a local actor id.
type Actor struct {
	Context                   []string  `json:"@context"`
	ID                        string    `json:"id"`
	Type                      string    `json:"type"`
	PreferredUsername         string    `json:"preferredUsername"`
	Name                      string    `json:"name"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	Followers                 string    `json:"followers"`
	URL                       string    `json:"url"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	Discoverable              bool      `json:"discoverable"`
	Endpoints                 Endpoints `json:"endpoints"`
	PublicKey                 PublicKey `json:"publicKey"`
}

func (s *Server) buildActor(c *gin.Context, acc *domain.Account) (*Actor, error) {
	pem, err := s.fed.Keys.PublicKeyPEM(c.Request.Context(), acc)
	if err != nil {
		return nil, err
	}
	dir := s.fed.Directory
	uri := dir.URI(acc)
	return &Actor{
		Context:           []string{domain.ContextActivityStreams, domain.ContextSecurity},
		ID:                uri,
		Type:              string(acc.ActorType),
		PreferredUsername: acc.Username,
		Name:              acc.Username,
		Inbox:             acc.InboxURI(dir.Domain()),
		Outbox:            uri + "/outbox",
		Followers:         dir.FollowersURI(acc),
		URL:               uri,
		Discoverable:      acc.ActorType == domain.ActorPerson,
		Endpoints:         Endpoints{SharedInbox: dir.SharedInboxURI()},
		PublicKey: PublicKey{
			ID:           dir.KeyID(acc),
			Owner:        uri,
			PublicKeyPem: pem,
		},
	}, nil
}

// lookupActor resolves the :actor route parameter, writing a 404 when it is not served here.
func (s *Server) lookupActor(c *gin.Context) (*domain.Account, bool) {
	acc, err := s.fed.Directory.LocalActorByUsername(c.Request.Context(), c.Param("actor"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return nil, false
	}
	if err != nil {
		s.log.Error("Failed to read actor", zap.String("actor", c.Param("actor")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return nil, false
	}
	return acc, true
}

// handleActor serves the actor document. It is never behind authorized fetch, peers need it to
// verify our signatures.
func (s *Server) handleActor(c *gin.Context) {
	acc, ok := s.lookupActor(c)
	if !ok {
		return
	}
	actor, err := s.buildActor(c, acc)
	if err != nil {
		s.log.Error("Failed to load actor key", zap.String("actor", acc.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, actor)
}
