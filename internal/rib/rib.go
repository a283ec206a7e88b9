package rib

import (
	"sync"
	"sync/atomic"

	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/schema"
	"go.uber.org/zap"
)

// CommitResult reports a successful commit.
type CommitResult struct {
	Prev         *State
	Next         *State
	Propagations []Propagation
}

// CommitEvent is delivered to registered observers after every commit,
// in commit order.
type CommitEvent struct {
	Seq          uint64
	Action       schema.Action
	Prev         *State
	Next         *State
	Propagations []Propagation
}

// CommitHook receives commit events synchronously under the commit
// lock. Hooks must only enqueue; they never perform I/O.
type CommitHook func(CommitEvent)

// RIB is the single authoritative routing information base of one
// node. Plans run lock-free against a snapshot; commits serialize on
// the state pointer and reject plans computed against a superseded
// snapshot.
type RIB struct {
	self    string
	logger  *zap.Logger
	cur     atomic.Pointer[State]
	mu      sync.Mutex // serializes commits
	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// New constructs the RIB for a node. selfName is this node's unique
// fabric name; it never appears as a local peer or inside a stored
// nodePath.
func New(selfName string, logger *zap.Logger) *RIB {
	r := &RIB{self: selfName, logger: logger}
	r.cur.Store(NewState())
	return r
}

// SelfName returns the node's own fabric name.
func (r *RIB) SelfName() string { return r.self }

// State returns the current snapshot. Snapshots are immutable; callers
// may read them without synchronization.
func (r *RIB) State() *State {
	return r.cur.Load()
}

// RouteMetadata returns a copy of the per-name selection metadata.
func (r *RIB) RouteMetadata() map[string]RouteMetadata {
	s := r.cur.Load()
	out := make(map[string]RouteMetadata, len(s.Meta))
	for k, v := range s.Meta {
		out[k] = v
	}
	return out
}

// Plan computes a transition for the action against the current
// snapshot without mutating anything.
func (r *RIB) Plan(a schema.Action) (*Plan, error) {
	p := planner{self: r.self}
	plan, err := p.plan(r.cur.Load(), a)
	if err != nil {
		metrics.PlanErrorsTotal.WithLabelValues(string(KindOf(err))).Inc()
		return nil, err
	}
	return plan, nil
}

// Commit atomically swaps the current state to plan.Next. A plan whose
// Prev is no longer the live snapshot is rejected with StaleCommit and
// the caller must re-plan.
func (r *RIB) Commit(plan *Plan) (*CommitResult, error) {
	r.mu.Lock()
	cur := r.cur.Load()
	if cur != plan.Prev {
		r.mu.Unlock()
		metrics.PlanErrorsTotal.WithLabelValues(string(KindStaleCommit)).Inc()
		return nil, newError(KindStaleCommit, "plan was computed against a superseded state")
	}
	r.cur.Store(plan.Next)
	ev := CommitEvent{
		Seq:          plan.Next.Version,
		Action:       plan.Action,
		Prev:         plan.Prev,
		Next:         plan.Next,
		Propagations: plan.Propagations,
	}
	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
	r.mu.Unlock()

	metrics.CommitsTotal.WithLabelValues(string(plan.Action.Kind())).Inc()
	metrics.PropagationsTotal.Add(float64(len(plan.Propagations)))
	metrics.LocalRoutes.Set(float64(len(plan.Next.LocalRoutes)))
	metrics.InternalRoutes.Set(float64(len(plan.Next.InternalRoutes)))
	metrics.SessionPeers.Set(float64(len(plan.Next.SessionPeers)))

	return &CommitResult{Prev: plan.Prev, Next: plan.Next, Propagations: plan.Propagations}, nil
}

// Submit plans and commits in one call, re-planning when a concurrent
// commit won the race. Planner errors are returned as-is; StaleCommit
// never escapes.
func (r *RIB) Submit(a schema.Action) (*CommitResult, error) {
	for {
		plan, err := r.Plan(a)
		if err != nil {
			return nil, err
		}
		res, err := r.Commit(plan)
		if err != nil {
			if IsKind(err, KindStaleCommit) {
				continue
			}
			return nil, err
		}
		return res, nil
	}
}

// OnCommit registers a hook invoked for every subsequent commit, in
// commit order.
func (r *RIB) OnCommit(h CommitHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hooksMu.Unlock()
}
