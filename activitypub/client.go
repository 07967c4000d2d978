package activitypub

import (
	"context"
	"net/http"
	"time"

	"github.com/deemkeen/apcore/domain"
	"github.com/deemkeen/apcore/util"
	"github.com/go-resty/resty/v2"
)

const (
	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	fetchTimeout    = 10 * time.Second
	deliveryTimeout = 30 * time.Second
)

type signingKey struct{}

type signingCredentials struct {
	keypair *domain.KeyPair
	keyID   string
	body    []byte
}

// withSigningKey marks ctx so requests sent with it are signed as keyID.
func withSigningKey(ctx context.Context, kp *domain.KeyPair, keyID string, body []byte) context.Context {
	return context.WithValue(ctx, signingKey{}, &signingCredentials{keypair: kp, keyID: keyID, body: body})
}

// newFederationClient builds the resty client used for actor fetches and deliveries. Requests
// whose context carries signing credentials are signed right before they are sent.
func newFederationClient(signer *Signer, timeout time.Duration) *resty.Client {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", util.UserAgent()).
		SetHeader("Accept", ContentTypeActivity+", "+ContentTypeLD)

	client.SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
		creds, ok := req.Context().Value(signingKey{}).(*signingCredentials)
		if !ok || creds.keypair == nil {
			return nil
		}
		return signer.SignRequest(req, creds.body, creds.keypair, creds.keyID)
	})
	return client
}
