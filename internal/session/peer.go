package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/schema"
	"github.com/routefabric/meshd/internal/transport"
	"go.uber.org/zap"
)

// session is one live, authenticated connection to a peer.
type session struct {
	m     *Manager
	peer  schema.PeerInfo
	conn  transport.Conn
	sendQ chan *schema.Message
	done  chan struct{}
	once  sync.Once
}

// dialLoop keeps one registered peer dialed, with bounded exponential
// redial backoff. While a session is live (inbound or outbound) the
// loop idles.
func (m *Manager) dialLoop(ds *dialerState) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RedialInitial
	bo.MaxInterval = m.cfg.RedialMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-ds.stop:
			return
		case <-m.ctx.Done():
			return
		default:
		}

		if m.Connected(ds.info.Name) {
			select {
			case <-ds.stop:
				return
			case <-m.ctx.Done():
				return
			case <-ds.wakeCh:
			}
			continue
		}

		err := m.dialOnce(ds.info)
		if err == nil {
			// The session ran and ended; start the next attempt from a
			// fresh backoff schedule.
			bo.Reset()
			continue
		}

		wait := bo.NextBackOff()
		m.logger.Debug("dial failed, backing off",
			zap.String("peer", ds.info.Name), zap.Duration("wait", wait), zap.Error(err))
		m.setState(ds.info.Name, StateIdle)
		select {
		case <-ds.stop:
			return
		case <-m.ctx.Done():
			return
		case <-m.clock.After(wait):
		}
	}
}

// dialOnce performs one outbound attempt: dial, handshake, then run
// the session until it ends. A nil return means the handshake
// succeeded and the planner admitted the session, regardless of how
// the session later ended.
func (m *Manager) dialOnce(info schema.PeerInfo) error {
	m.setState(info.Name, StateDialing)

	dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, info.Endpoint)
	cancel()
	if err != nil {
		metrics.SessionDialsTotal.WithLabelValues("error").Inc()
		return err
	}
	m.setState(info.Name, StateOpen)

	announced, err := m.handshakeOutbound(conn, info)
	if err != nil {
		metrics.SessionDialsTotal.WithLabelValues("handshake_error").Inc()
		conn.Close(CodeProtocol, "handshake failed")
		return err
	}
	metrics.SessionDialsTotal.WithLabelValues("ok").Inc()

	s := m.startSession(conn, announced)
	if s == nil {
		return fmt.Errorf("session for %q rejected by planner", announced.Name)
	}
	s.readLoop()
	return nil
}

// handshakeOutbound announces the local node and verifies the peer's
// reply against the registration we dialed.
func (m *Manager) handshakeOutbound(conn transport.Conn, expected schema.PeerInfo) (schema.PeerInfo, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	hello := m.self
	hello.PeerToken = expected.PeerToken
	if err := conn.Send(ctx, schema.OpenMessage(hello)); err != nil {
		return schema.PeerInfo{}, fmt.Errorf("sending open: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("out", string(schema.MsgOpen)).Inc()

	msg, err := conn.Receive(ctx)
	if err != nil {
		return schema.PeerInfo{}, fmt.Errorf("awaiting open: %w", err)
	}
	if msg.Kind != schema.MsgOpen {
		return schema.PeerInfo{}, fmt.Errorf("expected open, got %q", msg.Kind)
	}
	metrics.MessagesTotal.WithLabelValues("in", string(schema.MsgOpen)).Inc()
	if msg.Peer.Name != expected.Name {
		return schema.PeerInfo{}, fmt.Errorf("dialed %q but peer announced %q", expected.Name, msg.Peer.Name)
	}
	if err := m.authn.Authenticate(*msg.Peer, msg.Peer.PeerToken); err != nil {
		return schema.PeerInfo{}, fmt.Errorf("authenticating %q: %w", msg.Peer.Name, err)
	}
	return *msg.Peer, nil
}

// HandleInbound runs the accept-side handshake and session. The
// transport server calls this for every upgraded connection.
func (m *Manager) HandleInbound(conn transport.Conn) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		conn.Close(CodeGoingAway, "not running")
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		hctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		msg, err := conn.Receive(hctx)
		if err != nil || msg.Kind != schema.MsgOpen {
			cancel()
			m.logger.Warn("inbound handshake failed", zap.Error(err))
			conn.Close(CodeProtocol, "expected open")
			return
		}
		peer := *msg.Peer
		metrics.MessagesTotal.WithLabelValues("in", string(schema.MsgOpen)).Inc()

		if err := m.authn.Authenticate(peer, peer.PeerToken); err != nil {
			cancel()
			m.logger.Warn("inbound authentication failed",
				zap.String("peer", peer.Name), zap.Error(err))
			conn.Close(CodeProtocol, "authentication failed")
			return
		}

		reply := m.self
		if lp, ok := m.applier.State().LocalPeers[peer.Name]; ok {
			reply.PeerToken = lp.Info.PeerToken
		}
		if err := conn.Send(hctx, schema.OpenMessage(reply)); err != nil {
			cancel()
			m.logger.Warn("inbound open reply failed",
				zap.String("peer", peer.Name), zap.Error(err))
			conn.Close(CodeAbnormal, "open reply failed")
			return
		}
		metrics.MessagesTotal.WithLabelValues("out", string(schema.MsgOpen)).Inc()
		cancel()

		s := m.startSession(conn, peer)
		if s == nil {
			return
		}
		s.readLoop()
	}()
}

// startSession registers the session, supersedes any previous one for
// the same peer, and submits the open action. The resulting full-sync
// propagation is delivered through the normal send path, so the
// session must be registered before the submit.
func (m *Manager) startSession(conn transport.Conn, peer schema.PeerInfo) *session {
	s := &session{
		m:     m,
		peer:  peer,
		conn:  conn,
		sendQ: make(chan *schema.Message, m.cfg.QueueSize),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	old := m.sessions[peer.Name]
	m.sessions[peer.Name] = s
	m.states[peer.Name] = StateConnected
	m.mu.Unlock()
	if old != nil {
		old.teardown(CodeGoingAway, "superseded by new session", false)
	}

	if _, err := m.applier.Submit(schema.InternalProtocolOpen{Peer: peer}); err != nil {
		m.logger.Warn("session rejected",
			zap.String("peer", peer.Name), zap.Error(err))
		m.deregister(s, StateClosed)
		conn.Close(CodeProtocol, "rejected")
		return nil
	}
	m.logger.Info("session established", zap.String("peer", peer.Name))

	m.wg.Add(2)
	go s.writeLoop()
	go s.heartbeatLoop()
	return s
}

// deregister removes s from the session table if it is still the
// current session for its peer, and wakes the dialer.
func (m *Manager) deregister(s *session, state string) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.peer.Name]; ok && cur == s {
		delete(m.sessions, s.peer.Name)
	}
	if _, tracked := m.states[s.peer.Name]; tracked {
		m.states[s.peer.Name] = state
	}
	ds := m.dialers[s.peer.Name]
	m.mu.Unlock()
	if ds != nil {
		select {
		case ds.wakeCh <- struct{}{}:
		default:
		}
	}
}

// failSession handles a send or keepalive failure: log, close, route
// the closure through the pipeline. Nothing is re-queued; the peer
// re-syncs on reconnect.
func (m *Manager) failSession(s *session, code int, reason string) {
	metrics.SessionClosesTotal.WithLabelValues("transport").Inc()
	s.teardown(code, reason, true)
}

// enqueue adds a message to the send queue. False means the queue is
// full or the session is gone.
func (s *session) enqueue(msg *schema.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendQ <- msg:
		return true
	default:
		return false
	}
}

// teardown ends the session exactly once. submitClose routes an
// InternalProtocolClose through the pipeline so the RIB purges the
// peer's routes and withdraws them from the rest of the fabric.
func (s *session) teardown(code int, reason string, submitClose bool) {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(code, reason)
		s.m.deregister(s, StateClosed)
		s.m.logger.Info("session closed",
			zap.String("peer", s.peer.Name), zap.Int("code", code), zap.String("reason", reason))
		if submitClose {
			if _, err := s.m.applier.Submit(schema.InternalProtocolClose{Peer: s.peer, Code: code}); err != nil {
				s.m.logger.Warn("close action rejected",
					zap.String("peer", s.peer.Name), zap.Error(err))
			}
		}
	})
}

// readLoop receives until the session ends, translating messages into
// actions. It runs on the dialer goroutine for outbound sessions and
// on the accept goroutine for inbound ones.
func (s *session) readLoop() {
	for {
		msg, err := s.conn.Receive(s.m.ctx)
		if err != nil {
			select {
			case <-s.done:
				// Already torn down locally.
			default:
				metrics.SessionClosesTotal.WithLabelValues("transport").Inc()
				s.teardown(CodeAbnormal, "receive failed", true)
			}
			return
		}
		metrics.MessagesTotal.WithLabelValues("in", string(msg.Kind)).Inc()

		switch msg.Kind {
		case schema.MsgUpdate:
			act := schema.InternalProtocolUpdate{
				Peer:   s.peer,
				Update: schema.UpdateBatch{Updates: msg.Updates},
			}
			if _, err := s.m.applier.Submit(act); err != nil {
				s.m.logger.Warn("peer update rejected",
					zap.String("peer", s.peer.Name), zap.Error(err))
			}
		case schema.MsgClose:
			metrics.SessionClosesTotal.WithLabelValues("peer").Inc()
			s.teardown(msg.Code, "peer closed", true)
			return
		case schema.MsgOpen:
			s.m.logger.Warn("unexpected open on established session",
				zap.String("peer", s.peer.Name))
		}
	}
}

// writeLoop drains the send queue. A send failure ends the session;
// the failed message is not retried.
func (s *session) writeLoop() {
	defer s.m.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.m.ctx.Done():
			return
		case msg := <-s.sendQ:
			ctx, cancel := context.WithTimeout(s.m.ctx, s.m.cfg.SendTimeout)
			err := s.conn.Send(ctx, msg)
			cancel()
			if err != nil {
				metrics.SendFailuresTotal.WithLabelValues(s.peer.Name).Inc()
				s.m.logger.Warn("send failed",
					zap.String("peer", s.peer.Name), zap.Error(err))
				s.m.failSession(s, CodeAbnormal, "send failed")
				return
			}
			metrics.MessagesTotal.WithLabelValues("out", string(msg.Kind)).Inc()
		}
	}
}

// heartbeatLoop pings on the configured interval while the session is
// up. A failed ping is treated like a send failure.
func (s *session) heartbeatLoop() {
	defer s.m.wg.Done()
	if s.m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := s.m.clock.NewTicker(s.m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.m.ctx.Done():
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(s.m.ctx, s.m.cfg.SendTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.m.logger.Warn("heartbeat failed",
					zap.String("peer", s.peer.Name), zap.Error(err))
				s.m.failSession(s, CodeAbnormal, "heartbeat failed")
				return
			}
		}
	}
}
