package activitypub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/deemkeen/apcore/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

var (
	testKeyOnce sync.Once
	testKey     *util.RsaKeyPair
	testKeyErr  error
)

// sharedTestKey generates one RSA keypair for the whole test binary.
func sharedTestKey(t *testing.T) *util.RsaKeyPair {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = util.GeneratePemKeypair()
	})
	require.NoError(t, testKeyErr)
	return testKey
}

func setupTestDB(t *testing.T, clk clock.Clock) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.RunMigrations(context.Background()))
	return database
}

// newTestFederation wires every component against a temp database and a mock clock.
func newTestFederation(t *testing.T, configure func(c *util.AppConfig)) (*Federation, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testEpoch)

	conf, err := util.DefaultConf()
	require.NoError(t, err)
	conf.Conf.SslDomain = "example.com"
	if configure != nil {
		configure(conf)
	}

	f, err := New(setupTestDB(t, clk), conf, nil, clk, zap.NewNop())
	require.NoError(t, err)
	key := sharedTestKey(t)
	f.Keys.generate = func() (*util.RsaKeyPair, error) { return key, nil }
	require.NoError(t, f.Start(context.Background()))
	return f, clk
}

func createActor(t *testing.T, f *Federation, username string) *domain.Account {
	t.Helper()
	acc, err := f.DB.CreateAccount(context.Background(), username, domain.ActorPerson, true)
	require.NoError(t, err)
	return acc
}

// remotePeer is a fake remote server with one actor. It serves the actor document and records
// everything posted to its inboxes.
type remotePeer struct {
	t        *testing.T
	server   *httptest.Server
	username string
	key      *util.RsaKeyPair
	status   int
	// publishedKey replaces the PEM in the actor document when set
	publishedKey string

	mu       sync.Mutex
	received []json.RawMessage
	fetches  int
}

func newRemotePeer(t *testing.T, username string) *remotePeer {
	t.Helper()
	p := &remotePeer{t: t, username: username, key: sharedTestKey(t), status: http.StatusAccepted}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.server.Close)
	return p
}

func (p *remotePeer) ActorURI() string    { return p.server.URL + "/users/" + p.username }
func (p *remotePeer) KeyID() string       { return p.ActorURI() + "#main-key" }
func (p *remotePeer) InboxURI() string    { return p.ActorURI() + "/inbox" }
func (p *remotePeer) SharedInbox() string { return p.server.URL + "/inbox" }

func (p *remotePeer) setStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *remotePeer) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/users/"+p.username:
		p.fetches++
		publicKeyPem := p.key.Public
		if p.publishedKey != "" {
			publicKeyPem = p.publishedKey
		}
		w.Header().Set("Content-Type", ContentTypeActivity)
		json.NewEncoder(w).Encode(map[string]any{
			"@context":          []string{domain.ContextActivityStreams, domain.ContextSecurity},
			"id":                p.ActorURI(),
			"type":              "Person",
			"preferredUsername": p.username,
			"name":              strings.ToUpper(p.username[:1]) + p.username[1:],
			"inbox":             p.InboxURI(),
			"outbox":            p.ActorURI() + "/outbox",
			"icon":              map[string]string{"type": "Image", "url": p.server.URL + "/avatar.png"},
			"endpoints":         map[string]string{"sharedInbox": p.SharedInbox()},
			"publicKey": map[string]string{
				"id":           p.KeyID(),
				"owner":        p.ActorURI(),
				"publicKeyPem": publicKeyPem,
			},
		})
	case r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		p.received = append(p.received, body)
		w.WriteHeader(p.status)
	default:
		http.NotFound(w, r)
	}
}

func (p *remotePeer) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func (p *remotePeer) deliveries() []domain.Activity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Activity, 0, len(p.received))
	for _, raw := range p.received {
		var a domain.Activity
		require.NoError(p.t, json.Unmarshal(raw, &a))
		out = append(out, a)
	}
	return out
}

// signedPost builds an inbound POST signed with the peer's key, the way the peer would send it.
func (p *remotePeer) signedPost(clk clock.Clock, target string, activity any) (*http.Request, []byte) {
	p.t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(p.t, err)

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", ContentTypeActivity)
	kp := &domain.KeyPair{PublicPem: p.key.Public, PrivatePem: p.key.Private}
	require.NoError(p.t, NewSigner(clk).SignRequest(req, body, kp, p.KeyID()))
	return req, body
}
