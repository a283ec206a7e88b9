package schema

// ActionKind discriminates the closed set of RIB mutation requests.
type ActionKind string

const (
	KindLocalPeerCreate        ActionKind = "LocalPeerCreate"
	KindLocalPeerUpdate        ActionKind = "LocalPeerUpdate"
	KindLocalPeerDelete        ActionKind = "LocalPeerDelete"
	KindLocalRouteCreate       ActionKind = "LocalRouteCreate"
	KindLocalRouteDelete       ActionKind = "LocalRouteDelete"
	KindInternalProtocolOpen   ActionKind = "InternalProtocolOpen"
	KindInternalProtocolClose  ActionKind = "InternalProtocolClose"
	KindInternalProtocolUpdate ActionKind = "InternalProtocolUpdate"
	KindTick                   ActionKind = "Tick"
)

// Action is a tagged mutation request. The set of implementations is
// closed; the planner dispatches on Kind through a handler table.
type Action interface {
	Kind() ActionKind
}

// LocalPeerCreate registers a neighbor.
type LocalPeerCreate struct {
	Peer PeerInfo `json:"peer" validate:"required"`
}

// LocalPeerUpdate replaces an existing registration by name.
type LocalPeerUpdate struct {
	Peer PeerInfo `json:"peer" validate:"required"`
}

// LocalPeerDelete removes a registration. Learned routes from a still
// or previously connected session are intentionally left in place; the
// operator closes the session first to purge them.
type LocalPeerDelete struct {
	Name string `json:"name" validate:"required"`
}

// LocalRouteCreate originates a local route.
type LocalRouteCreate struct {
	Route Route `json:"route" validate:"required"`
}

// LocalRouteDelete withdraws a local route.
type LocalRouteDelete struct {
	Name     string   `json:"name" validate:"required"`
	Protocol Protocol `json:"protocol" validate:"required"`
}

// InternalProtocolOpen marks a peer session as established.
type InternalProtocolOpen struct {
	Peer PeerInfo `json:"peer" validate:"required"`
}

// InternalProtocolClose tears a session down and purges its routes.
type InternalProtocolClose struct {
	Peer PeerInfo `json:"peer" validate:"required"`
	Code int      `json:"code"`
}

// InternalProtocolUpdate carries a batch of add/remove messages from a
// connected peer.
type InternalProtocolUpdate struct {
	Peer   PeerInfo    `json:"peer" validate:"required"`
	Update UpdateBatch `json:"update"`
}

// Tick is a clock pulse. It never changes RIB state. The session
// manager submits one per tick interval; its keepalives and redial
// backoff run on its own clock, not on Tick actions.
type Tick struct {
	Now int64 `json:"now"`
}

func (LocalPeerCreate) Kind() ActionKind        { return KindLocalPeerCreate }
func (LocalPeerUpdate) Kind() ActionKind        { return KindLocalPeerUpdate }
func (LocalPeerDelete) Kind() ActionKind        { return KindLocalPeerDelete }
func (LocalRouteCreate) Kind() ActionKind       { return KindLocalRouteCreate }
func (LocalRouteDelete) Kind() ActionKind       { return KindLocalRouteDelete }
func (InternalProtocolOpen) Kind() ActionKind   { return KindInternalProtocolOpen }
func (InternalProtocolClose) Kind() ActionKind  { return KindInternalProtocolClose }
func (InternalProtocolUpdate) Kind() ActionKind { return KindInternalProtocolUpdate }
func (Tick) Kind() ActionKind                   { return KindTick }

// UpdateAction discriminates entries within an update batch.
type UpdateAction string

const (
	UpdateAdd    UpdateAction = "add"
	UpdateRemove UpdateAction = "remove"
)

// UpdateEntry is a single add or remove within an update batch. For
// removes the route carries only (name, protocol).
type UpdateEntry struct {
	Action   UpdateAction `json:"action"`
	Route    Route        `json:"route"`
	NodePath []string     `json:"nodePath,omitempty"`
}

// UpdateBatch is an ordered batch of update entries.
type UpdateBatch struct {
	Updates []UpdateEntry `json:"updates"`
}
