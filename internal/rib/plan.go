package rib

import (
	"github.com/routefabric/meshd/internal/schema"
)

// PropagationType discriminates propagation entries.
type PropagationType string

const (
	PropagationUpdate PropagationType = "update"
	PropagationClose  PropagationType = "close"
)

// Propagation addresses one message to one peer. The planner computes
// these; the session manager performs the sends.
type Propagation struct {
	Type   PropagationType
	Peer   schema.PeerInfo
	Update *schema.UpdateBatch
	Code   int
}

// Plan is a computed, not-yet-applied state transition.
type Plan struct {
	Action       schema.Action
	Prev         *State
	Next         *State
	Propagations []Propagation
}

// planFunc applies one action kind to a draft state and returns the
// propagations it produces. The draft is private to the plan; handlers
// mutate it freely.
type planFunc func(p *planner, draft *State, a schema.Action) ([]Propagation, error)

// planHandlers is the dispatch table keyed on the action discriminator.
var planHandlers = map[schema.ActionKind]planFunc{
	schema.KindLocalPeerCreate:        (*planner).localPeerCreate,
	schema.KindLocalPeerUpdate:        (*planner).localPeerUpdate,
	schema.KindLocalPeerDelete:        (*planner).localPeerDelete,
	schema.KindLocalRouteCreate:       (*planner).localRouteCreate,
	schema.KindLocalRouteDelete:       (*planner).localRouteDelete,
	schema.KindInternalProtocolOpen:   (*planner).protocolOpen,
	schema.KindInternalProtocolClose:  (*planner).protocolClose,
	schema.KindInternalProtocolUpdate: (*planner).protocolUpdate,
}

// planner computes transitions for one node identity. It is stateless
// beyond the node's own name; every call works on an explicit snapshot.
type planner struct {
	self string
}

// plan validates the action and computes the transition against cur.
// It never mutates cur. Tick short-circuits to an empty plan sharing
// the current snapshot.
func (p *planner) plan(cur *State, a schema.Action) (*Plan, error) {
	if err := schema.ValidateAction(a); err != nil {
		return nil, newError(KindValidation, "%v", err)
	}
	if a.Kind() == schema.KindTick {
		return &Plan{Action: a, Prev: cur, Next: cur}, nil
	}
	handler, ok := planHandlers[a.Kind()]
	if !ok {
		return nil, newError(KindValidation, "unhandled action kind %q", a.Kind())
	}
	draft := cur.clone()
	props, err := handler(p, draft, a)
	if err != nil {
		return nil, err
	}
	return &Plan{Action: a, Prev: cur, Next: draft, Propagations: props}, nil
}

func (p *planner) localPeerCreate(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.LocalPeerCreate)
	if act.Peer.Name == p.self {
		return nil, newError(KindValidation, "peer name %q is this node's own name", act.Peer.Name)
	}
	draft.LocalPeers[act.Peer.Name] = schema.LocalPeer{Info: act.Peer, AddedAt: draft.Version}
	return nil, nil
}

func (p *planner) localPeerUpdate(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.LocalPeerUpdate)
	if act.Peer.Name == p.self {
		return nil, newError(KindValidation, "peer name %q is this node's own name", act.Peer.Name)
	}
	prev, ok := draft.LocalPeers[act.Peer.Name]
	if !ok {
		return nil, newError(KindUnknownPeer, "peer %q is not registered", act.Peer.Name)
	}
	draft.LocalPeers[act.Peer.Name] = schema.LocalPeer{Info: act.Peer, AddedAt: prev.AddedAt}
	return nil, nil
}

// localPeerDelete removes the registration and the live session entry,
// but leaves the peer's learned routes in place. Operators close the
// session first when they want the routes purged.
func (p *planner) localPeerDelete(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.LocalPeerDelete)
	if _, ok := draft.LocalPeers[act.Name]; !ok {
		return nil, newError(KindUnknownPeer, "peer %q is not registered", act.Name)
	}
	delete(draft.LocalPeers, act.Name)
	delete(draft.SessionPeers, act.Name)
	delete(draft.AdjOut, act.Name)
	return nil, nil
}

func (p *planner) localRouteCreate(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.LocalRouteCreate)
	key := act.Route.Key()
	if _, ok := draft.LocalRoutes[key]; ok {
		return nil, newError(KindDuplicateRoute, "local route %s/%s already exists", key.Name, key.Protocol)
	}
	draft.LocalRoutes[key] = act.Route

	outPath := []string{p.self}
	var props []Propagation
	for _, peerName := range draft.connectedPeerNames() {
		if schema.PathContains(outPath, peerName) {
			continue
		}
		draft.markAdvertised(peerName, key)
		props = append(props, Propagation{
			Type: PropagationUpdate,
			Peer: draft.SessionPeers[peerName],
			Update: &schema.UpdateBatch{Updates: []schema.UpdateEntry{{
				Action:   schema.UpdateAdd,
				Route:    act.Route,
				NodePath: outPath,
			}}},
		})
	}
	return props, nil
}

// localRouteDelete withdraws a local route from every connected peer.
// Withdrawals bypass split-horizon filtering.
func (p *planner) localRouteDelete(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.LocalRouteDelete)
	key := schema.RouteKey{Name: act.Name, Protocol: act.Protocol}
	route, ok := draft.LocalRoutes[key]
	if !ok {
		return nil, newError(KindNotFound, "local route %s/%s does not exist", key.Name, key.Protocol)
	}
	delete(draft.LocalRoutes, key)

	removed := schema.Route{Name: route.Name, Protocol: route.Protocol}
	var props []Propagation
	for _, peerName := range draft.connectedPeerNames() {
		draft.clearAdvertised(peerName, key)
		props = append(props, Propagation{
			Type: PropagationUpdate,
			Peer: draft.SessionPeers[peerName],
			Update: &schema.UpdateBatch{Updates: []schema.UpdateEntry{{
				Action: schema.UpdateRemove,
				Route:  removed,
			}}},
		})
	}
	return props, nil
}

// protocolOpen admits a registered peer's session and emits the full
// sync: every local route plus every surviving learned route, each with
// this node prepended to its path, split-horizon filtered against the
// opening peer.
func (p *planner) protocolOpen(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.InternalProtocolOpen)
	if act.Peer.Name == p.self {
		return nil, newError(KindValidation, "peer name %q is this node's own name", act.Peer.Name)
	}
	if _, ok := draft.LocalPeers[act.Peer.Name]; !ok {
		return nil, newError(KindUnknownPeer, "peer %q is not registered", act.Peer.Name)
	}
	draft.SessionPeers[act.Peer.Name] = act.Peer
	// A re-open supersedes any previous session's advertisement ledger.
	delete(draft.AdjOut, act.Peer.Name)

	var entries []schema.UpdateEntry
	selfPath := []string{p.self}
	for _, key := range draft.sortedLocalRouteKeys() {
		draft.markAdvertised(act.Peer.Name, key)
		entries = append(entries, schema.UpdateEntry{
			Action:   schema.UpdateAdd,
			Route:    draft.LocalRoutes[key],
			NodePath: selfPath,
		})
	}
	for _, ir := range draft.InternalRoutes {
		outPath := schema.PrependPath(p.self, ir.NodePath)
		if schema.PathContains(outPath, act.Peer.Name) {
			continue
		}
		draft.markAdvertised(act.Peer.Name, ir.Route.Key())
		entries = append(entries, schema.UpdateEntry{
			Action:   schema.UpdateAdd,
			Route:    ir.Route,
			NodePath: outPath,
		})
	}

	if len(entries) == 0 {
		return nil, nil
	}
	return []Propagation{{
		Type:   PropagationUpdate,
		Peer:   act.Peer,
		Update: &schema.UpdateBatch{Updates: entries},
	}}, nil
}

// protocolClose drops the session, purges every route learned from the
// closing peer, and tells each surviving peer to withdraw the purged
// routes it had been advertised.
func (p *planner) protocolClose(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.InternalProtocolClose)
	delete(draft.SessionPeers, act.Peer.Name)
	delete(draft.AdjOut, act.Peer.Name)

	var purged []schema.InternalRoute
	kept := draft.InternalRoutes[:0:0]
	for _, ir := range draft.InternalRoutes {
		if ir.PeerName == act.Peer.Name {
			purged = append(purged, ir)
		} else {
			kept = append(kept, ir)
		}
	}
	draft.InternalRoutes = kept
	for _, ir := range purged {
		draft.refreshMeta(ir.Route.Name)
	}

	if len(purged) == 0 {
		return nil, nil
	}

	var props []Propagation
	for _, peerName := range draft.connectedPeerNames() {
		var removes []schema.UpdateEntry
		for _, ir := range purged {
			key := ir.Route.Key()
			if !draft.wasAdvertised(peerName, key) {
				continue
			}
			draft.clearAdvertised(peerName, key)
			removes = append(removes, schema.UpdateEntry{
				Action: schema.UpdateRemove,
				Route:  schema.Route{Name: ir.Route.Name, Protocol: ir.Route.Protocol},
			})
		}
		if len(removes) == 0 {
			continue
		}
		props = append(props, Propagation{
			Type:   PropagationUpdate,
			Peer:   draft.SessionPeers[peerName],
			Update: &schema.UpdateBatch{Updates: removes},
		})
	}
	return props, nil
}

// protocolUpdate applies a batch from a connected peer. Entries are
// processed independently: the batch is first applied to the draft,
// best paths are recomputed, then propagations are emitted in batch
// order.
func (p *planner) protocolUpdate(draft *State, a schema.Action) ([]Propagation, error) {
	act := a.(schema.InternalProtocolUpdate)
	source := act.Peer.Name
	if _, ok := draft.SessionPeers[source]; !ok {
		return nil, newError(KindUnknownPeer, "peer %q has no established session", source)
	}

	type applied struct {
		entry    schema.UpdateEntry
		accepted bool
	}
	results := make([]applied, 0, len(act.Update.Updates))
	touched := map[string]struct{}{}

	for _, e := range act.Update.Updates {
		switch e.Action {
		case schema.UpdateAdd:
			// Inbound loop check: our own name anywhere in the path
			// means the advertisement has already crossed this node.
			// Dropped silently.
			if schema.PathContains(e.NodePath, p.self) {
				results = append(results, applied{entry: e})
				continue
			}
			ir := schema.InternalRoute{Route: e.Route, PeerName: source, NodePath: e.NodePath}
			if i := draft.findInternal(e.Route.Name, source); i >= 0 {
				draft.InternalRoutes[i] = ir
			} else {
				draft.InternalRoutes = append(draft.InternalRoutes, ir)
			}
			touched[e.Route.Name] = struct{}{}
			results = append(results, applied{entry: e, accepted: true})

		case schema.UpdateRemove:
			if i := draft.findInternal(e.Route.Name, source); i >= 0 {
				draft.InternalRoutes = append(draft.InternalRoutes[:i], draft.InternalRoutes[i+1:]...)
			}
			touched[e.Route.Name] = struct{}{}
			results = append(results, applied{entry: e, accepted: true})
		}
	}

	for name := range touched {
		draft.refreshMeta(name)
	}

	var props []Propagation
	for _, r := range results {
		if !r.accepted {
			continue
		}
		switch r.entry.Action {
		case schema.UpdateAdd:
			props = append(props, p.propagateAdd(draft, source, r.entry)...)
		case schema.UpdateRemove:
			props = append(props, p.propagateRemove(draft, source, r.entry)...)
		}
	}
	return props, nil
}

// propagateAdd re-advertises an accepted add to eligible peers. Only
// the currently-best candidate for the name travels further; the
// outgoing path is the stored path with this node prepended, and peers
// already on it are skipped.
func (p *planner) propagateAdd(draft *State, source string, e schema.UpdateEntry) []Propagation {
	meta, ok := draft.Meta[e.Route.Name]
	if !ok || meta.BestPath.PeerName != source {
		return nil
	}
	outPath := schema.PrependPath(p.self, e.NodePath)
	key := e.Route.Key()

	var props []Propagation
	for _, peerName := range draft.connectedPeerNames() {
		if peerName == source {
			continue
		}
		if schema.PathContains(outPath, peerName) {
			continue
		}
		draft.markAdvertised(peerName, key)
		props = append(props, Propagation{
			Type: PropagationUpdate,
			Peer: draft.SessionPeers[peerName],
			Update: &schema.UpdateBatch{Updates: []schema.UpdateEntry{{
				Action:   schema.UpdateAdd,
				Route:    e.Route,
				NodePath: outPath,
			}}},
		})
	}
	return props
}

// propagateRemove forwards a withdrawal to every connected peer except
// the source. Removes are not nodePath-filtered.
func (p *planner) propagateRemove(draft *State, source string, e schema.UpdateEntry) []Propagation {
	key := e.Route.Key()
	var props []Propagation
	for _, peerName := range draft.connectedPeerNames() {
		if peerName == source {
			continue
		}
		draft.clearAdvertised(peerName, key)
		props = append(props, Propagation{
			Type: PropagationUpdate,
			Peer: draft.SessionPeers[peerName],
			Update: &schema.UpdateBatch{Updates: []schema.UpdateEntry{{
				Action: schema.UpdateRemove,
				Route:  schema.Route{Name: e.Route.Name, Protocol: e.Route.Protocol},
			}}},
		})
	}
	return props
}
