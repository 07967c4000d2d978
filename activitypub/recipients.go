package activitypub

import (
	"github.com/deemkeen/apcore/domain"
)

// ExtractRecipients flattens to, bto, cc, bcc and audience of the activity and of its embedded
// object. Order is first seen; duplicates are dropped.
func ExtractRecipients(a *domain.Activity) []string {
	seen := make(map[string]struct{})
	var recipients []string
	collect := func(v *domain.Activity) {
		for _, aud := range v.Audiences() {
			for _, r := range aud {
				if _, ok := seen[r]; ok {
					continue
				}
				seen[r] = struct{}{}
				recipients = append(recipients, r)
			}
		}
	}
	if a == nil {
		return nil
	}
	collect(a)
	if a.Object != nil && !a.Object.IsReference() {
		collect(a.Object)
	}
	return recipients
}

// deliveryRecipients is ExtractRecipients for outbound activities. The embedded object only
// contributes its audience when it is ours: the audience of a remote Follow being accepted is
// not who the Accept goes to.
func deliveryRecipients(a *domain.Activity, actorURI string) []string {
	if a == nil {
		return nil
	}
	obj := a.Object
	if obj == nil || obj.IsReference() {
		return ExtractRecipients(a)
	}
	owner := obj.Actor
	if owner == "" {
		owner = obj.AttributedTo
	}
	if owner == "" || owner.String() == actorURI {
		return ExtractRecipients(a)
	}
	return ExtractRecipients(&domain.Activity{To: a.To, Bto: a.Bto, Cc: a.Cc, Bcc: a.Bcc, Audience: a.Audience})
}

// addressesFollowers reports whether the envelope itself goes to the public or to the
// followers collection. Embedded objects never widen delivery to followers.
func addressesFollowers(a *domain.Activity, followers string) bool {
	for _, aud := range a.Audiences() {
		for _, r := range aud {
			if isPublicCollection(r) || r == followers {
				return true
			}
		}
	}
	return false
}

// IsPublic reports whether the public collection is among recipients, in any of its spellings.
func IsPublic(recipients []string) bool {
	for _, r := range recipients {
		if isPublicCollection(r) {
			return true
		}
	}
	return false
}

func isPublicCollection(iri string) bool {
	return iri == domain.PublicCollection || iri == "as:Public" || iri == "Public"
}
