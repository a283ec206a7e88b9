// Package rib implements the transactional Routing Information Base:
// an immutable state snapshot, a pure plan/commit engine, and best-path
// selection over learned routes.
package rib

import (
	"sort"

	"github.com/routefabric/meshd/internal/schema"
)

// RouteMetadata is the per-name selection record over learned routes.
type RouteMetadata struct {
	Candidates      []schema.InternalRoute
	BestPath        schema.InternalRoute
	SelectionReason string
}

// State is an immutable RIB snapshot. Plans derive a new snapshot from
// the current one; nothing mutates a published State. Commit identity
// is pointer identity.
type State struct {
	// Version increases by one per committed plan and doubles as the
	// monotonic registration timestamp for local peers.
	Version uint64

	// LocalPeers holds operator-registered neighbors keyed by name.
	LocalPeers map[string]schema.LocalPeer

	// LocalRoutes holds locally-originated routes keyed by (name, protocol).
	LocalRoutes map[schema.RouteKey]schema.Route

	// SessionPeers holds currently-connected peer sessions keyed by name.
	SessionPeers map[string]schema.PeerInfo

	// InternalRoutes is the insertion-ordered set of learned routes,
	// unique per (route name, advertising peer).
	InternalRoutes []schema.InternalRoute

	// Meta carries best-path selection per route name.
	Meta map[string]RouteMetadata

	// AdjOut records, per connected peer, the (name, protocol) keys this
	// node has advertised to it. Close processing withdraws only routes
	// a peer was actually told about.
	AdjOut map[string]map[schema.RouteKey]struct{}
}

// NewState returns an empty snapshot.
func NewState() *State {
	return &State{
		LocalPeers:   map[string]schema.LocalPeer{},
		LocalRoutes:  map[schema.RouteKey]schema.Route{},
		SessionPeers: map[string]schema.PeerInfo{},
		Meta:         map[string]RouteMetadata{},
		AdjOut:       map[string]map[schema.RouteKey]struct{}{},
	}
}

// clone produces a deep-enough copy for a draft: every container the
// planner may touch is fresh, while immutable values are shared.
func (s *State) clone() *State {
	n := &State{
		Version:        s.Version + 1,
		LocalPeers:     make(map[string]schema.LocalPeer, len(s.LocalPeers)),
		LocalRoutes:    make(map[schema.RouteKey]schema.Route, len(s.LocalRoutes)),
		SessionPeers:   make(map[string]schema.PeerInfo, len(s.SessionPeers)),
		InternalRoutes: make([]schema.InternalRoute, len(s.InternalRoutes)),
		Meta:           make(map[string]RouteMetadata, len(s.Meta)),
		AdjOut:         make(map[string]map[schema.RouteKey]struct{}, len(s.AdjOut)),
	}
	for k, v := range s.LocalPeers {
		n.LocalPeers[k] = v
	}
	for k, v := range s.LocalRoutes {
		n.LocalRoutes[k] = v
	}
	for k, v := range s.SessionPeers {
		n.SessionPeers[k] = v
	}
	copy(n.InternalRoutes, s.InternalRoutes)
	for k, v := range s.Meta {
		n.Meta[k] = v
	}
	for peer, keys := range s.AdjOut {
		cp := make(map[schema.RouteKey]struct{}, len(keys))
		for k := range keys {
			cp[k] = struct{}{}
		}
		n.AdjOut[peer] = cp
	}
	return n
}

// findInternal returns the index of the (name, peerName) entry, or -1.
func (s *State) findInternal(name, peerName string) int {
	for i, r := range s.InternalRoutes {
		if r.Route.Name == name && r.PeerName == peerName {
			return i
		}
	}
	return -1
}

// candidatesFor collects all learned routes with the given name, in
// table order.
func (s *State) candidatesFor(name string) []schema.InternalRoute {
	var out []schema.InternalRoute
	for _, r := range s.InternalRoutes {
		if r.Route.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// sortedLocalRouteKeys returns the local route keys in deterministic
// order for full-sync emission.
func (s *State) sortedLocalRouteKeys() []schema.RouteKey {
	keys := make([]schema.RouteKey, 0, len(s.LocalRoutes))
	for k := range s.LocalRoutes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Protocol < keys[j].Protocol
	})
	return keys
}

// connectedPeerNames returns session peer names in deterministic order.
func (s *State) connectedPeerNames() []string {
	names := make([]string, 0, len(s.SessionPeers))
	for n := range s.SessionPeers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// markAdvertised records that key was advertised to peer.
func (s *State) markAdvertised(peer string, key schema.RouteKey) {
	keys, ok := s.AdjOut[peer]
	if !ok {
		keys = map[schema.RouteKey]struct{}{}
		s.AdjOut[peer] = keys
	}
	keys[key] = struct{}{}
}

// clearAdvertised forgets an advertisement after a withdrawal is sent.
func (s *State) clearAdvertised(peer string, key schema.RouteKey) {
	if keys, ok := s.AdjOut[peer]; ok {
		delete(keys, key)
	}
}

// wasAdvertised reports whether key was ever propagated to peer.
func (s *State) wasAdvertised(peer string, key schema.RouteKey) bool {
	_, ok := s.AdjOut[peer][key]
	return ok
}

// refreshMeta recomputes best-path metadata for a route name.
func (s *State) refreshMeta(name string) {
	cands := s.candidatesFor(name)
	if len(cands) == 0 {
		delete(s.Meta, name)
		return
	}
	best, reason := SelectBest(cands)
	s.Meta[name] = RouteMetadata{
		Candidates:      cands,
		BestPath:        best,
		SelectionReason: reason,
	}
}
