package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deemkeen/apcore/activitypub"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// outboxItems is how many recent activities the outbox collection lists inline.
const outboxItems = 20

func (s *Server) authorizeFetch(c *gin.Context) bool {
	if err := s.fed.Inbox.AuthorizeFetch(c.Request.Context(), c.Request); err != nil {
		s.writeError(c, err)
		return false
	}
	return true
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.log.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

// handleOutboxCollection lists the most recent public activities of an actor.
func (s *Server) handleOutboxCollection(c *gin.Context) {
	if !s.authorizeFetch(c) {
		return
	}
	acc, ok := s.lookupActor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	total, err := s.fed.DB.CountPublishedOutbox(ctx, acc.Id)
	if err != nil {
		s.internalError(c, "Failed to count outbox", err)
		return
	}
	items, err := s.fed.DB.ReadPublishedOutbox(ctx, acc.Id, outboxItems)
	if err != nil {
		s.internalError(c, "Failed to read outbox", err)
		return
	}

	coll := &activitypub.OrderedCollection{
		Context:      domain.ContextActivityStreams,
		ID:           s.fed.Directory.URI(acc) + "/outbox",
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: make([]json.RawMessage, 0, len(items)),
	}
	for _, item := range items {
		coll.OrderedItems = append(coll.OrderedItems, json.RawMessage(item.Payload))
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, coll)
}

// handleFollowersCollection only reveals the follower count.
func (s *Server) handleFollowersCollection(c *gin.Context) {
	if !s.authorizeFetch(c) {
		return
	}
	acc, ok := s.lookupActor(c)
	if !ok {
		return
	}
	total, err := s.fed.DB.CountFollowers(c.Request.Context(), acc.Id)
	if err != nil {
		s.internalError(c, "Failed to count followers", err)
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, &activitypub.OrderedCollection{
		Context:    domain.ContextActivityStreams,
		ID:         s.fed.Directory.FollowersURI(acc),
		Type:       "OrderedCollection",
		TotalItems: total,
	})
}

// handleActivity dereferences the id of an activity we sent. Only public activities are served.
func (s *Server) handleActivity(c *gin.Context) {
	if !s.authorizeFetch(c) {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	item, err := s.fed.DB.ReadOutboxItem(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to read activity", err)
		return
	}

	public := item.Visibility == domain.VisibilityPublic || item.Visibility == domain.VisibilityQuietPublic
	if !public || item.Status == domain.OutboxFailed {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity not found"})
		return
	}
	c.Data(http.StatusOK, activityContentType, []byte(item.Payload))
}
