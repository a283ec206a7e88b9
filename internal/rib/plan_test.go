package rib

import (
	"reflect"
	"testing"

	"github.com/routefabric/meshd/internal/schema"
	"go.uber.org/zap"
)

// --- Helpers ---

func testRIB(t *testing.T) *RIB {
	t.Helper()
	return New("A", zap.NewNop())
}

func peerInfo(name string) schema.PeerInfo {
	return schema.PeerInfo{
		Name:     name,
		Endpoint: "ws://" + name + ":7400/mesh/v1",
	}
}

func httpRoute(name, endpoint string) schema.Route {
	return schema.Route{Name: name, Protocol: schema.ProtocolHTTP, Endpoint: endpoint}
}

func mustSubmit(t *testing.T, r *RIB, a schema.Action) *CommitResult {
	t.Helper()
	res, err := r.Submit(a)
	if err != nil {
		t.Fatalf("submit %s: %v", a.Kind(), err)
	}
	return res
}

// connectPeer registers and opens a session for a peer.
func connectPeer(t *testing.T, r *RIB, name string) {
	t.Helper()
	mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo(name)})
	mustSubmit(t, r, schema.InternalProtocolOpen{Peer: peerInfo(name)})
}

func sendAdd(t *testing.T, r *RIB, from string, route schema.Route, path ...string) *CommitResult {
	t.Helper()
	return mustSubmit(t, r, schema.InternalProtocolUpdate{
		Peer: peerInfo(from),
		Update: schema.UpdateBatch{Updates: []schema.UpdateEntry{{
			Action: schema.UpdateAdd, Route: route, NodePath: path,
		}}},
	})
}

// propsByPeer indexes propagations by addressed peer name.
func propsByPeer(props []Propagation) map[string][]Propagation {
	out := map[string][]Propagation{}
	for _, p := range props {
		out[p.Peer.Name] = append(out[p.Peer.Name], p)
	}
	return out
}

// checkInvariants asserts the structural invariants that must hold
// after every commit.
func checkInvariants(t *testing.T, r *RIB) {
	t.Helper()
	st := r.State()
	self := r.SelfName()

	if _, ok := st.LocalPeers[self]; ok {
		t.Errorf("local peer registered under own name %q", self)
	}
	seen := map[[2]string]bool{}
	for _, ir := range st.InternalRoutes {
		key := [2]string{ir.Route.Name, ir.PeerName}
		if seen[key] {
			t.Errorf("duplicate internal route (%s, %s)", ir.Route.Name, ir.PeerName)
		}
		seen[key] = true
		if schema.PathContains(ir.NodePath, self) {
			t.Errorf("own name in stored nodePath %v for %s", ir.NodePath, ir.Route.Name)
		}
	}
	for name := range st.SessionPeers {
		if _, ok := st.LocalPeers[name]; !ok {
			t.Errorf("session peer %q has no registration", name)
		}
	}
	names := map[string]bool{}
	for _, ir := range st.InternalRoutes {
		names[ir.Route.Name] = true
	}
	for name := range names {
		meta, ok := st.Meta[name]
		if !ok {
			t.Errorf("route %q has candidates but no metadata", name)
			continue
		}
		if meta.BestPath.Route.Name != name {
			t.Errorf("metadata for %q holds best path for %q", name, meta.BestPath.Route.Name)
		}
	}
	for name := range st.Meta {
		if !names[name] {
			t.Errorf("metadata for %q but no candidates", name)
		}
	}
}

// --- Local peer transitions ---

func TestLocalPeerCreate_RegistersWithoutPropagation(t *testing.T) {
	r := testRIB(t)
	res := mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo("B")})
	if len(res.Propagations) != 0 {
		t.Errorf("expected no propagations, got %d", len(res.Propagations))
	}
	if _, ok := r.State().LocalPeers["B"]; !ok {
		t.Error("peer B not registered")
	}
	checkInvariants(t, r)
}

func TestLocalPeerCreate_OwnNameRejected(t *testing.T) {
	r := testRIB(t)
	_, err := r.Submit(schema.LocalPeerCreate{Peer: peerInfo("A")})
	if !IsKind(err, KindValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLocalPeerUpdate_RequiresRegistration(t *testing.T) {
	r := testRIB(t)
	_, err := r.Submit(schema.LocalPeerUpdate{Peer: peerInfo("B")})
	if !IsKind(err, KindUnknownPeer) {
		t.Fatalf("expected UnknownPeer, got %v", err)
	}
}

func TestLocalPeerUpdate_PreservesAddedAt(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo("B")})
	before := r.State().LocalPeers["B"].AddedAt

	updated := peerInfo("B")
	updated.Endpoint = "ws://b-new:7400/mesh/v1"
	mustSubmit(t, r, schema.LocalPeerUpdate{Peer: updated})

	lp := r.State().LocalPeers["B"]
	if lp.AddedAt != before {
		t.Errorf("AddedAt changed on update: %d -> %d", before, lp.AddedAt)
	}
	if lp.Info.Endpoint != "ws://b-new:7400/mesh/v1" {
		t.Errorf("endpoint not replaced: %s", lp.Info.Endpoint)
	}
}

// TestLocalPeerDelete_LeavesZombieRoutes covers the documented
// asymmetry: deleting a registration does not purge the routes its
// session advertised. Closing the session first is the operator's job.
func TestLocalPeerDelete_LeavesZombieRoutes(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	sendAdd(t, r, "B", httpRoute("svc-x", "http://b:1"), "B")

	mustSubmit(t, r, schema.LocalPeerDelete{Name: "B"})

	st := r.State()
	if _, ok := st.LocalPeers["B"]; ok {
		t.Error("registration survived delete")
	}
	if _, ok := st.SessionPeers["B"]; ok {
		t.Error("session entry survived delete")
	}
	if len(st.InternalRoutes) != 1 {
		t.Fatalf("expected the zombie route to survive, got %d routes", len(st.InternalRoutes))
	}
	if st.InternalRoutes[0].PeerName != "B" {
		t.Errorf("unexpected zombie route owner %q", st.InternalRoutes[0].PeerName)
	}
}

// --- S1: local origination fans out to connected peers ---

func TestLocalRouteCreate_FanOut(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")

	res := mustSubmit(t, r, schema.LocalRouteCreate{Route: httpRoute("svc-x", "http://a:8080")})

	byPeer := propsByPeer(res.Propagations)
	if len(byPeer) != 2 {
		t.Fatalf("expected propagations to B and C, got %v", byPeer)
	}
	for _, name := range []string{"B", "C"} {
		props := byPeer[name]
		if len(props) != 1 {
			t.Fatalf("expected one propagation to %s, got %d", name, len(props))
		}
		u := props[0].Update.Updates
		if len(u) != 1 || u[0].Action != schema.UpdateAdd {
			t.Fatalf("expected single add to %s, got %+v", name, u)
		}
		if !reflect.DeepEqual(u[0].NodePath, []string{"A"}) {
			t.Errorf("expected nodePath [A] to %s, got %v", name, u[0].NodePath)
		}
	}
	checkInvariants(t, r)
}

func TestLocalRouteCreate_Duplicate(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalRouteCreate{Route: httpRoute("svc-x", "http://a:1")})
	_, err := r.Submit(schema.LocalRouteCreate{Route: httpRoute("svc-x", "http://a:2")})
	if !IsKind(err, KindDuplicateRoute) {
		t.Fatalf("expected DuplicateRoute, got %v", err)
	}
}

func TestLocalRouteCreate_SameNameDifferentProtocol(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalRouteCreate{Route: httpRoute("svc-x", "http://a:1")})
	mustSubmit(t, r, schema.LocalRouteCreate{Route: schema.Route{
		Name: "svc-x", Protocol: schema.ProtocolGRPC, Endpoint: "http://a:2",
	}})
	if len(r.State().LocalRoutes) != 2 {
		t.Errorf("expected 2 local routes, got %d", len(r.State().LocalRoutes))
	}
}

func TestLocalRouteDelete_NotFound(t *testing.T) {
	r := testRIB(t)
	_, err := r.Submit(schema.LocalRouteDelete{Name: "nope", Protocol: schema.ProtocolHTTP})
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// Adding then removing the same local route returns the route table to
// its prior shape and emits matched add/remove pairs per peer.
func TestLocalRoute_AddRemoveRoundTrip(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	before := len(r.State().LocalRoutes)

	addRes := mustSubmit(t, r, schema.LocalRouteCreate{Route: httpRoute("svc-x", "http://a:1")})
	delRes := mustSubmit(t, r, schema.LocalRouteDelete{Name: "svc-x", Protocol: schema.ProtocolHTTP})

	if len(r.State().LocalRoutes) != before {
		t.Errorf("route table not restored")
	}
	add := propsByPeer(addRes.Propagations)["B"]
	del := propsByPeer(delRes.Propagations)["B"]
	if len(add) != 1 || add[0].Update.Updates[0].Action != schema.UpdateAdd {
		t.Errorf("expected add to B, got %+v", add)
	}
	if len(del) != 1 || del[0].Update.Updates[0].Action != schema.UpdateRemove {
		t.Errorf("expected remove to B, got %+v", del)
	}
}

// --- Session transitions ---

func TestProtocolOpen_RequiresRegistration(t *testing.T) {
	r := testRIB(t)
	_, err := r.Submit(schema.InternalProtocolOpen{Peer: peerInfo("B")})
	if !IsKind(err, KindUnknownPeer) {
		t.Fatalf("expected UnknownPeer, got %v", err)
	}
}

func TestProtocolOpen_FullSyncIncludesLocalRoutes(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalRouteCreate{Route: httpRoute("local-svc", "http://a:1")})
	mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo("B")})

	res := mustSubmit(t, r, schema.InternalProtocolOpen{Peer: peerInfo("B")})

	if len(res.Propagations) != 1 {
		t.Fatalf("expected one full-sync propagation, got %d", len(res.Propagations))
	}
	u := res.Propagations[0].Update.Updates
	if len(u) != 1 || u[0].Route.Name != "local-svc" {
		t.Fatalf("unexpected full-sync contents %+v", u)
	}
	if !reflect.DeepEqual(u[0].NodePath, []string{"A"}) {
		t.Errorf("expected nodePath [A], got %v", u[0].NodePath)
	}
}

// S6: a learned route whose outgoing path would include the late
// joiner is filtered from its full sync.
func TestProtocolOpen_FullSyncSplitHorizon(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalRouteCreate{Route: httpRoute("local-svc", "http://a:1")})
	connectPeer(t, r, "B")
	sendAdd(t, r, "B", httpRoute("remote-svc", "http://c:1"), "B", "C")

	mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo("C")})
	res := mustSubmit(t, r, schema.InternalProtocolOpen{Peer: peerInfo("C")})

	if len(res.Propagations) != 1 {
		t.Fatalf("expected one full-sync propagation, got %d", len(res.Propagations))
	}
	u := res.Propagations[0].Update.Updates
	if len(u) != 1 {
		t.Fatalf("expected only local-svc in full sync, got %+v", u)
	}
	if u[0].Route.Name != "local-svc" {
		t.Errorf("expected local-svc, got %s", u[0].Route.Name)
	}
}

// Open then close with no traffic restores the pre-open snapshot.
func TestOpenClose_RoundTrip(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo("B")})
	before := r.State()

	mustSubmit(t, r, schema.InternalProtocolOpen{Peer: peerInfo("B")})
	res := mustSubmit(t, r, schema.InternalProtocolClose{Peer: peerInfo("B"), Code: 1000})

	if len(res.Propagations) != 0 {
		t.Errorf("expected no propagations on idle close, got %d", len(res.Propagations))
	}
	after := r.State()
	if !reflect.DeepEqual(before.LocalPeers, after.LocalPeers) ||
		!reflect.DeepEqual(before.SessionPeers, after.SessionPeers) ||
		len(after.InternalRoutes) != len(before.InternalRoutes) {
		t.Error("open/close did not restore the prior snapshot")
	}
	checkInvariants(t, r)
}

// S5: close purges learned routes and withdraws them from peers that
// had been told about them.
func TestProtocolClose_PurgesAndWithdraws(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")
	for _, name := range []string{"svc-1", "svc-2", "svc-3"} {
		sendAdd(t, r, "B", httpRoute(name, "http://b:1"), "B")
	}

	res := mustSubmit(t, r, schema.InternalProtocolClose{Peer: peerInfo("B"), Code: 1001})

	st := r.State()
	if len(st.InternalRoutes) != 0 {
		t.Errorf("expected all B routes purged, got %d", len(st.InternalRoutes))
	}
	if _, ok := st.SessionPeers["B"]; ok {
		t.Error("B still in session peers")
	}
	byPeer := propsByPeer(res.Propagations)
	cProps := byPeer["C"]
	if len(cProps) != 1 {
		t.Fatalf("expected one propagation to C, got %d", len(cProps))
	}
	removes := cProps[0].Update.Updates
	if len(removes) != 3 {
		t.Fatalf("expected 3 removes to C, got %d", len(removes))
	}
	for _, e := range removes {
		if e.Action != schema.UpdateRemove {
			t.Errorf("expected remove, got %s", e.Action)
		}
	}
	checkInvariants(t, r)
}

// Routes never advertised to a peer are not withdrawn from it on close.
func TestProtocolClose_WithdrawsOnlyAdvertised(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	// C learns nothing: B's route has C on its path, so it was never
	// forwarded there.
	sendAdd(t, r, "B", httpRoute("svc-x", "http://x:1"), "B", "C")
	connectPeer(t, r, "C")

	res := mustSubmit(t, r, schema.InternalProtocolClose{Peer: peerInfo("B"), Code: 1001})
	if len(res.Propagations) != 0 {
		t.Errorf("expected no withdrawals to C, got %+v", res.Propagations)
	}
}

// --- Update processing ---

// S2: loop drop.
func TestUpdate_LoopDrop(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")

	res := sendAdd(t, r, "B", httpRoute("svc-x", "http://b:1"), "B", "other", "A")

	if len(r.State().InternalRoutes) != 0 {
		t.Errorf("looped route was stored")
	}
	if len(res.Propagations) != 0 {
		t.Errorf("looped route was propagated")
	}
	checkInvariants(t, r)
}

func TestUpdate_RequiresSession(t *testing.T) {
	r := testRIB(t)
	mustSubmit(t, r, schema.LocalPeerCreate{Peer: peerInfo("B")})
	_, err := r.Submit(schema.InternalProtocolUpdate{
		Peer: peerInfo("B"),
		Update: schema.UpdateBatch{Updates: []schema.UpdateEntry{{
			Action: schema.UpdateAdd, Route: httpRoute("svc", "http://b:1"), NodePath: []string{"B"},
		}}},
	})
	if !IsKind(err, KindUnknownPeer) {
		t.Fatalf("expected UnknownPeer, got %v", err)
	}
}

// S3: split-horizon suppresses the re-advertisement to a peer already
// on the path.
func TestUpdate_SplitHorizon(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")

	res := sendAdd(t, r, "B", httpRoute("svc-x", "http://x:1"), "B", "C")

	if len(r.State().InternalRoutes) != 1 {
		t.Fatalf("route not accepted")
	}
	if len(res.Propagations) != 0 {
		t.Errorf("expected empty propagation list, got %+v", res.Propagations)
	}
	checkInvariants(t, r)
}

// The re-advertised path carries this node prepended.
func TestUpdate_ForwardPrependsSelf(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")

	res := sendAdd(t, r, "B", httpRoute("svc-x", "http://b:1"), "B")

	cProps := propsByPeer(res.Propagations)["C"]
	if len(cProps) != 1 {
		t.Fatalf("expected forward to C, got %+v", res.Propagations)
	}
	got := cProps[0].Update.Updates[0].NodePath
	if !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("expected outgoing path [A B], got %v", got)
	}
	if _, ok := propsByPeer(res.Propagations)["B"]; ok {
		t.Error("propagation addressed the source peer")
	}
}

// S4: best path upgrades then downgrades on re-advertisement.
func TestUpdate_BestPathUpgradeDowngrade(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")

	sendAdd(t, r, "B", httpRoute("svc-x", "http://b:1"), "B")
	sendAdd(t, r, "C", httpRoute("svc-x", "http://c:1"), "C", "other")

	meta := r.RouteMetadata()["svc-x"]
	if meta.BestPath.PeerName != "B" {
		t.Fatalf("expected best via B, got %s", meta.BestPath.PeerName)
	}

	sendAdd(t, r, "B", httpRoute("svc-x", "http://b:1"), "B", "h1", "h2")

	meta = r.RouteMetadata()["svc-x"]
	if meta.BestPath.PeerName != "C" {
		t.Fatalf("expected best via C after downgrade, got %s", meta.BestPath.PeerName)
	}
	if meta.SelectionReason != ReasonShortestPath {
		t.Errorf("expected reason %q, got %q", ReasonShortestPath, meta.SelectionReason)
	}
	checkInvariants(t, r)
}

// S7: an upsert emits exactly one add downstream, carrying the new
// endpoint.
func TestUpdate_UpsertEmitsSingleAdd(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")

	sendAdd(t, r, "B", httpRoute("svc-x", "old"), "B")
	res := sendAdd(t, r, "B", httpRoute("svc-x", "new"), "B")

	if len(r.State().InternalRoutes) != 1 {
		t.Fatalf("upsert duplicated the route: %d entries", len(r.State().InternalRoutes))
	}
	cProps := propsByPeer(res.Propagations)["C"]
	if len(cProps) != 1 {
		t.Fatalf("expected one propagation to C, got %d", len(cProps))
	}
	u := cProps[0].Update.Updates
	if len(u) != 1 || u[0].Action != schema.UpdateAdd {
		t.Fatalf("expected exactly one add, got %+v", u)
	}
	if u[0].Route.Endpoint != "new" {
		t.Errorf("expected new endpoint, got %s", u[0].Route.Endpoint)
	}
}

// A non-best candidate is stored but not re-advertised.
func TestUpdate_OnlyBestPathForwarded(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")
	connectPeer(t, r, "D")

	sendAdd(t, r, "B", httpRoute("svc-x", "http://b:1"), "B")
	res := sendAdd(t, r, "C", httpRoute("svc-x", "http://c:1"), "C", "far", "away")

	if len(r.State().InternalRoutes) != 2 {
		t.Fatalf("expected both candidates stored, got %d", len(r.State().InternalRoutes))
	}
	if len(res.Propagations) != 0 {
		t.Errorf("non-best candidate was forwarded: %+v", res.Propagations)
	}
}

// Removes bypass split-horizon and reach everyone except the source.
func TestUpdate_RemoveReachesAllButSource(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")
	connectPeer(t, r, "C")
	sendAdd(t, r, "B", httpRoute("svc-x", "http://x:1"), "B", "C")

	res := mustSubmit(t, r, schema.InternalProtocolUpdate{
		Peer: peerInfo("B"),
		Update: schema.UpdateBatch{Updates: []schema.UpdateEntry{{
			Action: schema.UpdateRemove,
			Route:  schema.Route{Name: "svc-x", Protocol: schema.ProtocolHTTP},
		}}},
	})

	if len(r.State().InternalRoutes) != 0 {
		t.Errorf("remove did not purge the route")
	}
	byPeer := propsByPeer(res.Propagations)
	if _, ok := byPeer["B"]; ok {
		t.Error("remove addressed the source")
	}
	if len(byPeer["C"]) != 1 {
		t.Errorf("expected remove forwarded to C despite split-horizon, got %+v", byPeer)
	}
}

func TestUpdate_RemoveUnknownIsNoop(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")

	_, err := r.Submit(schema.InternalProtocolUpdate{
		Peer: peerInfo("B"),
		Update: schema.UpdateBatch{Updates: []schema.UpdateEntry{{
			Action: schema.UpdateRemove,
			Route:  schema.Route{Name: "ghost", Protocol: schema.ProtocolHTTP},
		}}},
	})
	if err != nil {
		t.Fatalf("remove of unknown route errored: %v", err)
	}
}

// Entries in one batch are applied independently: a looped add does
// not poison the rest of the batch.
func TestUpdate_BatchEntriesIndependent(t *testing.T) {
	r := testRIB(t)
	connectPeer(t, r, "B")

	res := mustSubmit(t, r, schema.InternalProtocolUpdate{
		Peer: peerInfo("B"),
		Update: schema.UpdateBatch{Updates: []schema.UpdateEntry{
			{Action: schema.UpdateAdd, Route: httpRoute("looped", "http://x:1"), NodePath: []string{"B", "A"}},
			{Action: schema.UpdateAdd, Route: httpRoute("clean", "http://y:1"), NodePath: []string{"B"}},
		}},
	})
	_ = res

	st := r.State()
	if len(st.InternalRoutes) != 1 || st.InternalRoutes[0].Route.Name != "clean" {
		t.Errorf("expected only the clean route stored, got %+v", st.InternalRoutes)
	}
	checkInvariants(t, r)
}

func TestValidation_RejectsBeforeStateInspection(t *testing.T) {
	r := testRIB(t)
	cases := []schema.Action{
		schema.LocalPeerCreate{},
		schema.LocalRouteCreate{Route: schema.Route{Name: "x", Protocol: "bogus", Endpoint: "e"}},
		schema.LocalRouteDelete{Name: "x", Protocol: "nope"},
		schema.InternalProtocolUpdate{Peer: peerInfo("B"), Update: schema.UpdateBatch{
			Updates: []schema.UpdateEntry{{Action: "mutate", Route: httpRoute("x", "e")}},
		}},
	}
	for i, a := range cases {
		if _, err := r.Submit(a); !IsKind(err, KindValidation) {
			t.Errorf("case %d: expected ValidationError, got %v", i, err)
		}
	}
	if r.State().Version != 0 {
		t.Error("validation failures changed state")
	}
}
