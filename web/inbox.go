package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/deemkeen/apcore/activitypub"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps federation errors to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var sigErr *activitypub.SignatureError
	switch {
	case errors.As(err, &sigErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "reason": sigErr.Reason})
	case errors.Is(err, activitypub.ErrAuthentication):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case errors.Is(err, activitypub.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, activitypub.ErrNoRecipients):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func (s *Server) receive(c *gin.Context, handle func(body []byte) error) {
	body, tooLarge, err := readBody(c)
	if tooLarge {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}
	if err := handle(body); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleActorInbox(c *gin.Context) {
	username := c.Param("actor")
	s.receive(c, func(body []byte) error {
		return s.fed.Inbox.HandleActorInbox(c.Request.Context(), c.Request, body, username)
	})
}

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.receive(c, func(body []byte) error {
		return s.fed.Inbox.HandleSharedInbox(c.Request.Context(), c.Request, body)
	})
}

// handleInboxCollection serves ?page=true&max_id=<seq> pages of received activities.
func (s *Server) handleInboxCollection(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.fed.Inbox.AuthorizeFetch(ctx, c.Request); err != nil {
		s.writeError(c, err)
		return
	}

	var maxID int64
	if v := c.Query("max_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid max_id"})
			return
		}
		maxID = n
	}

	coll, err := s.fed.Inbox.Collection(ctx, c.Param("actor"), c.Query("page") == "true", maxID)
	if err != nil {
		if !errors.Is(err, activitypub.ErrNoRecipients) {
			s.log.Error("Failed to read inbox", zap.String("actor", c.Param("actor")), zap.Error(err))
		}
		s.writeError(c, err)
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, coll)
}
