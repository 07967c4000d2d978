package domain

import "strings"

// Kind is the closed set of ActivityStreams activity types this server knows about.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccept
	KindAdd
	KindAnnounce
	KindArrive
	KindBlock
	KindCreate
	KindDelete
	KindDislike
	KindFlag
	KindFollow
	KindIgnore
	KindInvite
	KindJoin
	KindLeave
	KindLike
	KindListen
	KindMove
	KindOffer
	KindQuestion
	KindRead
	KindReject
	KindRemove
	KindTentativeAccept
	KindTentativeReject
	KindTravel
	KindUndo
	KindUpdate
	KindView
)

var kindNames = [...]string{
	KindUnknown:         "",
	KindAccept:          "Accept",
	KindAdd:             "Add",
	KindAnnounce:        "Announce",
	KindArrive:          "Arrive",
	KindBlock:           "Block",
	KindCreate:          "Create",
	KindDelete:          "Delete",
	KindDislike:         "Dislike",
	KindFlag:            "Flag",
	KindFollow:          "Follow",
	KindIgnore:          "Ignore",
	KindInvite:          "Invite",
	KindJoin:            "Join",
	KindLeave:           "Leave",
	KindLike:            "Like",
	KindListen:          "Listen",
	KindMove:            "Move",
	KindOffer:           "Offer",
	KindQuestion:        "Question",
	KindRead:            "Read",
	KindReject:          "Reject",
	KindRemove:          "Remove",
	KindTentativeAccept: "TentativeAccept",
	KindTentativeReject: "TentativeReject",
	KindTravel:          "Travel",
	KindUndo:            "Undo",
	KindUpdate:          "Update",
	KindView:            "View",
}

// ParseKind matches case-insensitively; anything else is KindUnknown.
func ParseKind(s string) Kind {
	s = strings.TrimSpace(s)
	if s == "" {
		return KindUnknown
	}
	for k := KindAccept; k <= KindView; k++ {
		if strings.EqualFold(kindNames[k], s) {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return ""
	}
	return kindNames[k]
}

// actorTypes are object types that describe actors rather than content.
var actorTypes = []string{"Person", "Application", "Service", "Group", "Organization"}

// IsActorType reports whether an object type names an actor.
func IsActorType(t string) bool {
	for _, at := range actorTypes {
		if strings.EqualFold(at, t) {
			return true
		}
	}
	return false
}
