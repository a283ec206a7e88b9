// Package auth checks peer identity during session open.
package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/routefabric/meshd/internal/schema"
)

// Authenticator is consulted once per session open, with the peer's
// announced identity and presented token. A failure closes the session;
// it is never surfaced to operator callers.
type Authenticator interface {
	Authenticate(peer schema.PeerInfo, token string) error
}

// Registry exposes the expected token for a registered peer. The RIB
// state satisfies this through a small adapter.
type Registry interface {
	ExpectedToken(peerName string) (token string, registered bool)
}

// TokenAuthenticator verifies the shared peer token against the
// registration. Peers registered without a token are admitted on name
// alone.
type TokenAuthenticator struct {
	registry Registry
}

func NewTokenAuthenticator(registry Registry) *TokenAuthenticator {
	return &TokenAuthenticator{registry: registry}
}

func (a *TokenAuthenticator) Authenticate(peer schema.PeerInfo, token string) error {
	expected, ok := a.registry.ExpectedToken(peer.Name)
	if !ok {
		return fmt.Errorf("peer %q is not registered", peer.Name)
	}
	if expected == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return fmt.Errorf("peer %q presented a bad token", peer.Name)
	}
	return nil
}

// AllowAll admits any peer. Used in tests and token-less fabrics.
type AllowAll struct{}

func (AllowAll) Authenticate(schema.PeerInfo, string) error { return nil }
