package activitypub

import (
	"sort"

	"github.com/deemkeen/apcore/domain"
)

// CommentKind describes one kind of reaction stored as a reply.
type CommentKind struct {
	Type     string // stored in replies.kind
	Activity domain.Kind
	Singular string
	Plural   string
}

// CommentKinds are the reactions accepted when reactions are enabled, keyed by stored kind.
// A server builds one with NewCommentKinds and hands it to its Inbox.
type CommentKinds map[string]*CommentKind

// NewCommentKinds returns the built-in reactions: likes and reposts.
func NewCommentKinds() CommentKinds {
	kinds := make(CommentKinds)
	kinds.Register(&CommentKind{Type: "like", Activity: domain.KindLike, Singular: "Like", Plural: "Likes"})
	kinds.Register(&CommentKind{Type: "repost", Activity: domain.KindAnnounce, Singular: "Repost", Plural: "Reposts"})
	return kinds
}

// Register adds ck, replacing any reaction with the same stored kind.
func (c CommentKinds) Register(ck *CommentKind) {
	c[ck.Type] = ck
}

// ForActivity returns the reaction stored for an activity kind.
func (c CommentKinds) ForActivity(k domain.Kind) (*CommentKind, bool) {
	for _, ck := range c {
		if ck.Activity == k {
			return ck, true
		}
	}
	return nil, false
}

// Types lists the stored kinds in a stable order.
func (c CommentKinds) Types() []string {
	types := make([]string, 0, len(c))
	for t := range c {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

const replyKindComment = "comment"
