// Package session owns all fabric I/O: it dials and accepts peer
// sessions, runs the handshake, translates network events into RIB
// actions, and writes propagation batches back out. Per peer the
// lifecycle is idle → dialing → open → connected → closed.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/routefabric/meshd/internal/auth"
	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"github.com/routefabric/meshd/internal/transport"
	"go.uber.org/zap"
)

// Applier is the RIB surface the manager drives. Every network event
// becomes an action submitted here.
type Applier interface {
	Submit(a schema.Action) (*rib.CommitResult, error)
	State() *rib.State
	SelfName() string
}

// Config bounds the manager's I/O.
type Config struct {
	DialTimeout       time.Duration
	SendTimeout       time.Duration
	HeartbeatInterval time.Duration
	TickInterval      time.Duration
	RedialInitial     time.Duration
	RedialMax         time.Duration
	QueueSize         int
}

// PeerStatus is the introspection view of one peer's session state.
type PeerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Endpoint string `json:"endpoint"`
}

// Session FSM states.
const (
	StateIdle      = "idle"
	StateDialing   = "dialing"
	StateOpen      = "open"
	StateConnected = "connected"
	StateClosed    = "closed"
)

// Close codes used when folding transport events into close actions.
const (
	CodeNormal    = 1000
	CodeGoingAway = 1001
	CodeProtocol  = 1002
	CodeAbnormal  = 1006
)

// Manager supervises one dialer per registered peer and one session
// per connected peer.
type Manager struct {
	self    schema.PeerInfo
	cfg     Config
	applier Applier
	dialer  transport.Dialer
	authn   auth.Authenticator
	clock   clockwork.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	dialers  map[string]*dialerState
	sessions map[string]*session
	states   map[string]string
	running  bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started chan struct{}
}

type dialerState struct {
	info   schema.PeerInfo
	stop   chan struct{}
	wakeCh chan struct{}
}

func NewManager(self schema.PeerInfo, cfg Config, applier Applier, dialer transport.Dialer, authn auth.Authenticator, clock clockwork.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		self:     self,
		cfg:      cfg,
		applier:  applier,
		dialer:   dialer,
		authn:    authn,
		clock:    clock,
		logger:   logger,
		dialers:  map[string]*dialerState{},
		sessions: map[string]*session{},
		states:   map[string]string{},
		started:  make(chan struct{}),
	}
}

// Started is closed once Run has begun accepting work.
func (m *Manager) Started() <-chan struct{} { return m.started }

// Run starts the manager and blocks until ctx ends. Dialers follow the
// registered peer set; call SyncPeers after commits to keep them
// aligned.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()
	close(m.started)

	m.SyncPeers(m.applier.State())

	if m.cfg.TickInterval > 0 {
		m.wg.Add(1)
		go m.tickLoop()
	}

	<-m.ctx.Done()
	m.shutdown()
}

// tickLoop feeds periodic Tick actions through the pipeline so clock
// pulses take the same path as every other mutation.
func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := m.applier.Submit(schema.Tick{Now: m.clock.Now().UnixMilli()}); err != nil {
				m.logger.Warn("tick rejected", zap.Error(err))
			}
		}
	}
}

// SyncPeers reconciles dialers against the registered peer set. New
// registrations with endpoints get a dialer; removed registrations
// lose theirs and any live session.
func (m *Manager) SyncPeers(state *rib.State) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	var started []schema.PeerInfo
	for name, lp := range state.LocalPeers {
		if lp.Info.Endpoint == "" {
			continue
		}
		if _, ok := m.dialers[name]; ok {
			continue
		}
		ds := &dialerState{info: lp.Info, stop: make(chan struct{}), wakeCh: make(chan struct{}, 1)}
		m.dialers[name] = ds
		m.states[name] = StateIdle
		started = append(started, lp.Info)
		m.wg.Add(1)
		go m.dialLoop(ds)
	}
	var dropped []*session
	for name, ds := range m.dialers {
		if _, ok := state.LocalPeers[name]; ok {
			continue
		}
		close(ds.stop)
		delete(m.dialers, name)
		delete(m.states, name)
		if s, ok := m.sessions[name]; ok {
			delete(m.sessions, name)
			dropped = append(dropped, s)
		}
	}
	m.mu.Unlock()

	for _, p := range started {
		m.logger.Info("peer dialer started", zap.String("peer", p.Name), zap.String("endpoint", p.Endpoint))
	}
	for _, s := range dropped {
		s.teardown(CodeGoingAway, "peer deregistered", false)
	}
}

// Deliver hands a peer its ordered batch of outbound messages. A peer
// without a live session is skipped; it re-syncs on reconnect. A send
// queue overflow is treated like a send failure.
func (m *Manager) Deliver(peer schema.PeerInfo, msgs []*schema.Message) {
	m.mu.Lock()
	s, ok := m.sessions[peer.Name]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("dropping propagation for disconnected peer", zap.String("peer", peer.Name))
		return
	}
	for _, msg := range msgs {
		if !s.enqueue(msg) {
			m.logger.Warn("send queue overflow", zap.String("peer", peer.Name))
			m.failSession(s, CodeAbnormal, "send queue overflow")
			return
		}
	}
}

// CloseSession closes a peer's session and routes the closure through
// the action pipeline.
func (m *Manager) CloseSession(peerName string, code int) {
	m.mu.Lock()
	s, ok := m.sessions[peerName]
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.SessionClosesTotal.WithLabelValues("local").Inc()
	s.teardown(code, "closed locally", true)
}

// Status reports per-peer session state, sorted by peer name.
func (m *Manager) Status() []PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerStatus, 0, len(m.states))
	for name, st := range m.states {
		ep := ""
		if ds, ok := m.dialers[name]; ok {
			ep = ds.info.Endpoint
		}
		out = append(out, PeerStatus{Name: name, State: st, Endpoint: ep})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connected reports whether a live session exists for the peer.
func (m *Manager) Connected(peerName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peerName]
	return ok
}

func (m *Manager) setState(peerName, state string) {
	m.mu.Lock()
	if _, tracked := m.states[peerName]; tracked || state == StateConnected {
		m.states[peerName] = state
	}
	m.mu.Unlock()
}

// shutdown closes every session and stops the dialers.
func (m *Manager) shutdown() {
	m.cancel()
	m.mu.Lock()
	m.running = false
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*session{}
	for _, ds := range m.dialers {
		close(ds.stop)
	}
	m.dialers = map[string]*dialerState{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.teardown(CodeGoingAway, "shutting down", false)
	}
	m.wg.Wait()
}
