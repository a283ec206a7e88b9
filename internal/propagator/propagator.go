// Package propagator fans committed propagation lists out to the
// session manager. It preserves commit order per peer and never blocks
// the committer.
package propagator

import (
	"context"
	"sync"

	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"go.uber.org/zap"
)

// Sender delivers grouped messages to a peer's session. Implemented by
// the session manager.
type Sender interface {
	Deliver(peer schema.PeerInfo, msgs []*schema.Message)
	CloseSession(peerName string, code int)
}

// Propagator consumes commit events through an unbounded FIFO drained
// by a single goroutine, so enqueueing from the commit path is cheap
// and ordering per peer follows commit order.
type Propagator struct {
	sender Sender
	logger *zap.Logger

	mu     sync.Mutex
	queue  []rib.CommitEvent
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func New(sender Sender, logger *zap.Logger) *Propagator {
	return &Propagator{
		sender: sender,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends a commit event for dispatch. Safe to call from a
// RIB commit hook.
func (p *Propagator) Enqueue(ev rib.CommitEvent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until the context ends. Remaining items are
// dispatched before returning so shutdown flushes pending withdrawals.
func (p *Propagator) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.closed = true
			rest := p.queue
			p.queue = nil
			p.mu.Unlock()
			for _, ev := range rest {
				p.dispatch(ev)
			}
			return
		case <-p.wake:
			for {
				p.mu.Lock()
				if len(p.queue) == 0 {
					p.mu.Unlock()
					break
				}
				ev := p.queue[0]
				p.queue = p.queue[1:]
				p.mu.Unlock()
				p.dispatch(ev)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (p *Propagator) Wait() { <-p.done }

// dispatch groups one event's propagations by peer, preserving the
// order produced, and hands each peer its batch.
func (p *Propagator) dispatch(ev rib.CommitEvent) {
	if len(ev.Propagations) == 0 {
		return
	}
	order := make([]string, 0, len(ev.Propagations))
	grouped := map[string][]*schema.Message{}
	for _, prop := range ev.Propagations {
		switch prop.Type {
		case rib.PropagationUpdate:
			if prop.Update == nil || len(prop.Update.Updates) == 0 {
				continue
			}
			if _, ok := grouped[prop.Peer.Name]; !ok {
				order = append(order, prop.Peer.Name)
			}
			grouped[prop.Peer.Name] = append(grouped[prop.Peer.Name], schema.UpdateMessage(*prop.Update))
		case rib.PropagationClose:
			// Hand over what the peer was addressed before the close so
			// the close does not overtake it.
			if msgs, ok := grouped[prop.Peer.Name]; ok {
				p.sender.Deliver(prop.Peer, msgs)
				delete(grouped, prop.Peer.Name)
			}
			p.sender.CloseSession(prop.Peer.Name, prop.Code)
		default:
			p.logger.Warn("unknown propagation type", zap.String("type", string(prop.Type)))
		}
	}
	peerByName := map[string]schema.PeerInfo{}
	for _, prop := range ev.Propagations {
		peerByName[prop.Peer.Name] = prop.Peer
	}
	for _, name := range order {
		msgs, ok := grouped[name]
		if !ok {
			continue
		}
		p.sender.Deliver(peerByName[name], msgs)
		delete(grouped, name)
	}
}
