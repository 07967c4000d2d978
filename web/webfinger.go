package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/apcore/activitypub"
	"github.com/gin-gonic/gin"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type Webfinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebfingerLink `json:"links"`
}

var webfingerNotFound = gin.H{"detail": "Not Found"}

// webfingerUser extracts the username from acct:user@domain. Other domains do not match.
func webfingerUser(resource, domain string) (string, bool) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", false
	}
	user, host, ok := strings.Cut(acct, "@")
	if !ok || user == "" || !strings.EqualFold(host, domain) {
		return "", false
	}
	return user, true
}

func (s *Server) handleWebfinger(c *gin.Context) {
	dir := s.fed.Directory
	username, ok := webfingerUser(c.Query("resource"), dir.Domain())
	if !ok {
		c.JSON(http.StatusNotFound, webfingerNotFound)
		return
	}
	acc, err := dir.LocalActorByUsername(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusNotFound, webfingerNotFound)
		return
	}

	uri := dir.URI(acc)
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, Webfinger{
		Subject: "acct:" + acc.Username + "@" + dir.Domain(),
		Aliases: []string{uri},
		Links: []WebfingerLink{{
			Rel:  "self",
			Type: activitypub.ContentTypeActivity,
			Href: uri,
		}},
	})
}
