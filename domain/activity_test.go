package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityUnmarshalShapes(t *testing.T) {
	data := `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/activities/1",
		"type": "Create",
		"actor": {"id": "https://remote.example/users/bob", "type": "Person"},
		"to": "https://www.w3.org/ns/activitystreams#Public",
		"cc": ["https://remote.example/users/bob/followers", {"id": "https://local.example/users/alice"}, {"type": "Mention"}],
		"object": {
			"id": "https://remote.example/notes/1",
			"type": "Note",
			"inReplyTo": "https://local.example/notes/9",
			"content": "hello",
			"url": {"type": "Link", "href": "https://remote.example/@bob/1"},
			"sensitive": false
		}
	}`

	var a Activity
	require.NoError(t, json.Unmarshal([]byte(data), &a))

	assert.Equal(t, "https://remote.example/activities/1", a.ID)
	assert.Equal(t, KindCreate, a.Kind())
	assert.Equal(t, IRI("https://remote.example/users/bob"), a.Actor)
	assert.Equal(t, Audience{PublicCollection}, a.To)
	assert.Equal(t, Audience{"https://remote.example/users/bob/followers", "https://local.example/users/alice"}, a.Cc)
	require.NotNil(t, a.Object)
	assert.Equal(t, "Note", a.Object.Type)
	assert.Equal(t, IRI("https://local.example/notes/9"), a.Object.InReplyTo)
	assert.Equal(t, IRI("https://remote.example/@bob/1"), a.Object.URL)
	assert.Contains(t, a.Object.Extra, "sensitive")
}

func TestActivityBareObjectReference(t *testing.T) {
	var a Activity
	require.NoError(t, json.Unmarshal([]byte(`{"type":"Follow","actor":"https://r.example/u","object":"https://l.example/users/alice"}`), &a))

	require.NotNil(t, a.Object)
	assert.True(t, a.Object.IsReference())
	assert.Equal(t, "https://l.example/users/alice", a.ObjectID())

	out, err := json.Marshal(a)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "https://l.example/users/alice", back["object"])
}

func TestActivityKeepsUnknownMembers(t *testing.T) {
	in := `{"id":"x","type":"Note","sensitive":true,"tag":[{"type":"Hashtag","name":"#go"}]}`
	var a Activity
	require.NoError(t, json.Unmarshal([]byte(in), &a))

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestToActivity(t *testing.T) {
	raw := `{"id":"https://l.example/notes/1","type":"Note","content":"hi"}`

	tests := []struct {
		name    string
		payload any
	}{
		{"bytes", []byte(raw)},
		{"string", raw},
		{"raw message", json.RawMessage(raw)},
		{"map", map[string]any{"id": "https://l.example/notes/1", "type": "Note", "content": "hi"}},
		{"struct", Activity{ID: "https://l.example/notes/1", Type: "Note", Content: "hi"}},
		{"pointer", &Activity{ID: "https://l.example/notes/1", Type: "Note", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ToActivity(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, "https://l.example/notes/1", a.ID)
			assert.Equal(t, "Note", a.Type)
			assert.Equal(t, "hi", a.Content)
		})
	}
}

func TestToActivityRejects(t *testing.T) {
	for _, p := range []any{nil, "not json", `"https://only.a/reference"`, (*Activity)(nil)} {
		_, err := ToActivity(p)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindFollow, ParseKind("follow"))
	assert.Equal(t, KindFollow, ParseKind("FOLLOW"))
	assert.Equal(t, KindTentativeAccept, ParseKind("tentativeaccept"))
	assert.Equal(t, KindUnknown, ParseKind("EmojiReact"))
	assert.Equal(t, KindUnknown, ParseKind(""))
	assert.Equal(t, "Announce", KindAnnounce.String())
}

func TestOutboxStatusTransitions(t *testing.T) {
	assert.True(t, OutboxPending.CanTransition(OutboxProcessing))
	assert.True(t, OutboxProcessing.CanTransition(OutboxPublished))
	assert.True(t, OutboxProcessing.CanTransition(OutboxFailed))
	assert.False(t, OutboxPending.CanTransition(OutboxPublished), "processing is never skipped")
	assert.False(t, OutboxPending.CanTransition(OutboxFailed))
	assert.False(t, OutboxProcessing.CanTransition(OutboxPending))
	assert.False(t, OutboxPublished.CanTransition(OutboxProcessing))
	assert.False(t, OutboxFailed.CanTransition(OutboxPublished))
	assert.True(t, OutboxPublished.Terminal())
	assert.False(t, OutboxProcessing.Terminal())
}

func TestParseVisibility(t *testing.T) {
	v, ok := ParseVisibility("")
	assert.True(t, ok)
	assert.Equal(t, VisibilityPublic, v)

	v, ok = ParseVisibility("quiet_public")
	assert.True(t, ok)
	assert.Equal(t, VisibilityQuietPublic, v)

	_, ok = ParseVisibility("unlisted")
	assert.False(t, ok)
}
