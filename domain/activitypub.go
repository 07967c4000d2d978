package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated actor
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	ActorType      string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyId    string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// DeliveryInbox is where activities for this actor should be posted, preferring the shared inbox.
func (ra *RemoteAccount) DeliveryInbox() string {
	if ra.SharedInboxURI != "" {
		return ra.SharedInboxURI
	}
	return ra.InboxURI
}

// Follower is a remote actor subscribed to a local actor.
type Follower struct {
	Id             uuid.UUID
	AccountId      uuid.UUID // local actor being followed
	RemoteActorURI string
	InboxURI       string
	SharedInboxURI string
	Errors         int
	LastError      string
	CreatedAt      time.Time
}

// FollowerError is one recorded delivery failure for a follower.
type FollowerError struct {
	FollowerId uuid.UUID
	Message    string
	CreatedAt  time.Time
}

// Activity log entry for inbound activities (dedup and inbox paging)
type InboundActivity struct {
	Seq          int64
	Id           uuid.UUID
	AccountId    uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	RawJSON      string
	CreatedAt    time.Time
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
)

func (s OutboxStatus) rank() int {
	switch s {
	case OutboxPending:
		return 0
	case OutboxProcessing:
		return 1
	case OutboxPublished, OutboxFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s OutboxStatus) Terminal() bool {
	return s.rank() == 2
}

// CanTransition reports whether next directly follows s: pending to processing, then
// processing to published or failed.
func (s OutboxStatus) CanTransition(next OutboxStatus) bool {
	return s.rank() >= 0 && next.rank() == s.rank()+1
}

// ActorKind is the kind of local actor an outbox item is delivered as.
type ActorKind string

const (
	ActorKindApplication ActorKind = "application"
	ActorKindBlog        ActorKind = "blog"
	ActorKindUser        ActorKind = "user"
)

type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityQuietPublic Visibility = "quiet_public"
	VisibilityPrivate     Visibility = "private"
	VisibilityLocal       Visibility = "local"
)

// ParseVisibility maps an empty value to public and rejects anything outside the enum.
func ParseVisibility(s string) (Visibility, bool) {
	switch v := Visibility(s); v {
	case "":
		return VisibilityPublic, true
	case VisibilityPublic, VisibilityQuietPublic, VisibilityPrivate, VisibilityLocal:
		return v, true
	}
	return "", false
}

// OutboxItem is a queued outgoing activity with its delivery progress.
type OutboxItem struct {
	Id           uuid.UUID
	ActivityId   string
	ActivityType string
	AccountId    uuid.UUID
	ActorKind    ActorKind
	Visibility   Visibility
	Status       OutboxStatus
	Offset       int
	Payload      string // canonical JSON of the wrapped activity
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LocalObject is content published by a local actor that remote replies can attach to.
type LocalObject struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ObjectURI string
	URL       string
	CreatedAt time.Time
}

// Reply is an inbound reply or reaction attached to local content.
type Reply struct {
	Id         uuid.UUID
	ObjectId   uuid.UUID
	RemoteId   string
	Kind       string // comment, like, repost
	ActorURI   string
	AuthorName string
	AvatarURL  string
	Content    string
	URL        string
	CreatedAt  time.Time
}

// Job is a scheduled unit of work for the task runner.
type Job struct {
	Id       uuid.UUID
	Name     string
	Arg      string
	RunAt    time.Time
	Attempts int
}
