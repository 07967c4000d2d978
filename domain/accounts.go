package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActorType is the ActivityStreams actor type of a local actor.
type ActorType string

const (
	ActorPerson      ActorType = "Person"
	ActorApplication ActorType = "Application"
	ActorService     ActorType = "Service"
)

const ApplicationUsername = "application"

// Account is a local actor provisioned on this server.
type Account struct {
	Id        uuid.UUID
	Username  string
	ActorType ActorType
	// Federated is the federation capability of the principal behind the actor.
	Federated bool
	CreatedAt time.Time
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tType: %s \n\tFederated: %t \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.ActorType, acc.Federated, acc.CreatedAt)
}

// URI returns the actor id of the account on the given domain.
func (acc *Account) URI(sslDomain string) string {
	return fmt.Sprintf("https://%s/users/%s", sslDomain, acc.Username)
}

func (acc *Account) InboxURI(sslDomain string) string {
	return acc.URI(sslDomain) + "/inbox"
}

func (acc *Account) FollowersURI(sslDomain string) string {
	return acc.URI(sslDomain) + "/followers"
}

func (acc *Account) KeyID(sslDomain string) string {
	return acc.URI(sslDomain) + "#main-key"
}

// KeyPair is the signing material bound to one local actor. Once stored it never changes.
type KeyPair struct {
	AccountId  uuid.UUID
	PublicPem  string
	PrivatePem string
	CreatedAt  time.Time
}
