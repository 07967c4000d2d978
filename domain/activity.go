package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

var ErrInvalidPayload = errors.New("invalid activity payload")

// IRI is a reference decoded from a bare string, an object with an id (or href), or the
// first usable element of an array.
type IRI string

func (i IRI) String() string { return string(i) }

func (i *IRI) UnmarshalJSON(b []byte) error {
	*i = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = IRI(s)
	case '{':
		var o struct {
			ID   string `json:"id"`
			Href string `json:"href"`
		}
		if err := json.Unmarshal(b, &o); err != nil {
			return err
		}
		if o.ID != "" {
			*i = IRI(o.ID)
		} else {
			*i = IRI(o.Href)
		}
	case '[':
		var items []IRI
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		for _, it := range items {
			if it != "" {
				*i = it
				break
			}
		}
	}
	return nil
}

// Audience is one addressing field (to, cc, ...). Entries without an id are dropped.
type Audience []string

func (a *Audience) UnmarshalJSON(b []byte) error {
	*a = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw []json.RawMessage
	if b[0] == '[' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = []json.RawMessage{b}
	}
	for _, r := range raw {
		var i IRI
		if err := i.UnmarshalJSON(r); err != nil {
			return err
		}
		if i != "" {
			*a = append(*a, string(i))
		}
	}
	return nil
}

// Activity is the single in-memory form of ActivityStreams activities and the objects nested
// in them. Members without a field here are kept in Extra and written back on encode.
type Activity struct {
	Context      any
	ID           string
	Type         string
	Actor        IRI
	Object       *Activity
	Target       IRI
	InReplyTo    IRI
	AttributedTo IRI
	Name         string
	Content      string
	URL          IRI
	Published    string
	To           Audience
	Bto          Audience
	Cc           Audience
	Bcc          Audience
	Audience     Audience
	Extra        map[string]json.RawMessage

	ref bool
}

// Reference builds an Activity standing for a bare IRI.
func Reference(iri string) *Activity {
	return &Activity{ID: iri, ref: true}
}

// IsReference reports whether the value was (or will be encoded as) a bare IRI.
func (a *Activity) IsReference() bool {
	return a != nil && a.ref
}

func (a *Activity) Kind() Kind {
	if a == nil {
		return KindUnknown
	}
	return ParseKind(a.Type)
}

func (a *Activity) ObjectID() string {
	if a == nil || a.Object == nil {
		return ""
	}
	return a.Object.ID
}

// Audiences returns all five addressing fields of this value, in declaration order.
func (a *Activity) Audiences() []Audience {
	if a == nil {
		return nil
	}
	return []Audience{a.To, a.Bto, a.Cc, a.Bcc, a.Audience}
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Activity{ID: s, ref: true}
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*a = Activity{}
		if len(items) > 0 {
			return a.UnmarshalJSON(items[0])
		}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = Activity{}
	for k, v := range raw {
		var err error
		switch k {
		case "@context":
			err = json.Unmarshal(v, &a.Context)
		case "id":
			err = json.Unmarshal(v, &a.ID)
		case "type":
			a.Type, err = firstString(v)
		case "actor":
			err = a.Actor.UnmarshalJSON(v)
		case "object":
			if !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				a.Object = &Activity{}
				err = a.Object.UnmarshalJSON(v)
			}
		case "target":
			err = a.Target.UnmarshalJSON(v)
		case "inReplyTo":
			err = a.InReplyTo.UnmarshalJSON(v)
		case "attributedTo":
			err = a.AttributedTo.UnmarshalJSON(v)
		case "name":
			a.Name, err = firstString(v)
		case "content":
			a.Content, err = firstString(v)
		case "url":
			err = a.URL.UnmarshalJSON(v)
		case "published":
			a.Published, err = firstString(v)
		case "to":
			err = a.To.UnmarshalJSON(v)
		case "bto":
			err = a.Bto.UnmarshalJSON(v)
		case "cc":
			err = a.Cc.UnmarshalJSON(v)
		case "bcc":
			err = a.Bcc.UnmarshalJSON(v)
		case "audience":
			err = a.Audience.UnmarshalJSON(v)
		default:
			if a.Extra == nil {
				a.Extra = make(map[string]json.RawMessage)
			}
			a.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("member %q: %w", k, err)
		}
	}
	return nil
}

func (a Activity) MarshalJSON() ([]byte, error) {
	if a.ref {
		return json.Marshal(a.ID)
	}
	m := make(map[string]any, len(a.Extra)+16)
	for k, v := range a.Extra {
		m[k] = v
	}
	put := func(k string, v any, ok bool) {
		if ok {
			m[k] = v
		}
	}
	put("@context", a.Context, a.Context != nil)
	put("id", a.ID, a.ID != "")
	put("type", a.Type, a.Type != "")
	put("actor", a.Actor, a.Actor != "")
	put("object", a.Object, a.Object != nil)
	put("target", a.Target, a.Target != "")
	put("inReplyTo", a.InReplyTo, a.InReplyTo != "")
	put("attributedTo", a.AttributedTo, a.AttributedTo != "")
	put("name", a.Name, a.Name != "")
	put("content", a.Content, a.Content != "")
	put("url", a.URL, a.URL != "")
	put("published", a.Published, a.Published != "")
	put("to", a.To, len(a.To) > 0)
	put("bto", a.Bto, len(a.Bto) > 0)
	put("cc", a.Cc, len(a.Cc) > 0)
	put("bcc", a.Bcc, len(a.Bcc) > 0)
	put("audience", a.Audience, len(a.Audience) > 0)
	return json.Marshal(m)
}

// firstString decodes a string member, tolerating a single-element array or a language map.
func firstString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}
	switch v[0] {
	case '[':
		var items []string
		if err := json.Unmarshal(v, &items); err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "", nil
		}
		return items[0], nil
	case '{':
		var lang map[string]string
		if err := json.Unmarshal(v, &lang); err != nil {
			return "", err
		}
		for _, s := range lang {
			return s, nil
		}
		return "", nil
	}
	var s string
	err := json.Unmarshal(v, &s)
	return s, err
}

// ToActivity converts every accepted payload shape into an Activity. Nothing else in the
// code base looks at raw payload maps.
func ToActivity(payload any) (*Activity, error) {
	var data []byte
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	case *Activity:
		if p == nil {
			return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
		}
		cp := *p
		return &cp, nil
	case Activity:
		return &p, nil
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		data = b
	}

	a := &Activity{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if a.ref {
		return nil, fmt.Errorf("%w: bare reference", ErrInvalidPayload)
	}
	return a, nil
}
