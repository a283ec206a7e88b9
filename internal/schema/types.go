// Package schema defines the data model, action set, and wire messages
// exchanged between fabric nodes.
package schema

// Protocol identifies the wire protocol a route speaks.
type Protocol string

const (
	ProtocolHTTP    Protocol = "http"
	ProtocolGraphQL Protocol = "http:graphql"
	ProtocolGQL     Protocol = "http:gql"
	ProtocolGRPC    Protocol = "http:grpc"
	ProtocolTCP     Protocol = "tcp"
)

// Valid reports whether p is one of the closed protocol set.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolGraphQL, ProtocolGQL, ProtocolGRPC, ProtocolTCP:
		return true
	}
	return false
}

// PeerInfo identifies a node in the fabric.
type PeerInfo struct {
	Name      string   `json:"name" koanf:"name" validate:"required"`
	Endpoint  string   `json:"endpoint" koanf:"endpoint" validate:"required"`
	Domains   []string `json:"domains,omitempty" koanf:"domains"`
	PeerToken string   `json:"peerToken,omitempty" koanf:"peer_token"`
}

// Route is an advertisable service endpoint. Name uniqueness is
// per-origin, not global.
type Route struct {
	Name     string   `json:"name" validate:"required"`
	Protocol Protocol `json:"protocol" validate:"required"`
	Endpoint string   `json:"endpoint,omitempty"`
	Region   string   `json:"region,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// RouteKey is the uniqueness key for locally-originated routes.
type RouteKey struct {
	Name     string
	Protocol Protocol
}

// Key returns the (name, protocol) key of r.
func (r Route) Key() RouteKey {
	return RouteKey{Name: r.Name, Protocol: r.Protocol}
}

// LocalPeer is a configured neighbor, independent of connectivity.
// AddedAt is the RIB version at which the registration was written;
// it only ever increases.
type LocalPeer struct {
	Info    PeerInfo `json:"info"`
	AddedAt uint64   `json:"addedAt"`
}

// InternalRoute is a route learned from a peer. PeerName is the
// immediate neighbor that advertised it, which is not necessarily the
// origin. NodePath is the sequence of node names the advertisement has
// traversed, ending at the origin; the advertising neighbor is its
// first element.
type InternalRoute struct {
	Route    Route    `json:"route"`
	PeerName string   `json:"peerName"`
	NodePath []string `json:"nodePath"`
}

// PathContains reports whether name appears anywhere in path.
func PathContains(path []string, name string) bool {
	for _, n := range path {
		if n == name {
			return true
		}
	}
	return false
}

// PrependPath returns a new path with name prepended. The input slice
// is never aliased so stored paths cannot be mutated downstream.
func PrependPath(name string, path []string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, name)
	out = append(out, path...)
	return out
}
