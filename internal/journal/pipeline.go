package journal

import (
	"context"
	"time"

	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"go.uber.org/zap"
)

// Pipeline batches commit events and flushes them on size or interval,
// draining what remains at shutdown. Enqueue never blocks the commit
// path: when the buffer is full the event is dropped and counted.
type Pipeline struct {
	flusher       Flusher
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	in            chan rib.CommitEvent
}

func NewPipeline(flusher Flusher, batchSize int, flushIntervalMs int, bufferSize int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		flusher:       flusher,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
		in:            make(chan rib.CommitEvent, bufferSize),
	}
}

// Enqueue accepts a commit event from the RIB hook.
func (p *Pipeline) Enqueue(ev rib.CommitEvent) {
	select {
	case p.in <- ev:
	default:
		metrics.JournalDroppedTotal.Inc()
	}
}

// Run consumes events until the context ends, then drains with a
// bounded flush so shutdown does not lose the tail.
func (p *Pipeline) Run(ctx context.Context) {
	var batch []*Entry
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := p.flusher.FlushBatch(flushCtx, batch); err != nil {
			p.logger.Error("journal flush failed", zap.Error(err))
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			// Drain buffered events with a fresh context so the final
			// writes are not immediately cancelled.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-p.in:
					batch = append(batch, buildEntry(ev))
				default:
					flush(shutdownCtx)
					return
				}
			}

		case ev := <-p.in:
			batch = append(batch, buildEntry(ev))
			if len(batch) >= p.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// buildEntry derives the journal row and route events for one commit.
func buildEntry(ev rib.CommitEvent) *Entry {
	e := &Entry{
		Seq:            ev.Seq,
		ActionKind:     ev.Action.Kind(),
		Payload:        MarshalAction(ev.Action),
		LocalPeers:     len(ev.Next.LocalPeers),
		LocalRoutes:    len(ev.Next.LocalRoutes),
		SessionPeers:   len(ev.Next.SessionPeers),
		InternalRoutes: len(ev.Next.InternalRoutes),
	}

	switch act := ev.Action.(type) {
	case schema.LocalRouteCreate:
		e.RouteEvents = append(e.RouteEvents, RouteEvent{
			Event: "add", Name: act.Route.Name, Protocol: act.Route.Protocol,
		})
	case schema.LocalRouteDelete:
		e.RouteEvents = append(e.RouteEvents, RouteEvent{
			Event: "remove", Name: act.Name, Protocol: act.Protocol,
		})
	case schema.InternalProtocolUpdate:
		for _, u := range act.Update.Updates {
			e.RouteEvents = append(e.RouteEvents, RouteEvent{
				Event:    string(u.Action),
				Name:     u.Route.Name,
				Protocol: u.Route.Protocol,
				PeerName: act.Peer.Name,
				NodePath: u.NodePath,
			})
		}
	case schema.InternalProtocolClose:
		// Everything learned from the closed peer was purged.
		for _, ir := range ev.Prev.InternalRoutes {
			if ir.PeerName != act.Peer.Name {
				continue
			}
			e.RouteEvents = append(e.RouteEvents, RouteEvent{
				Event:    "remove",
				Name:     ir.Route.Name,
				Protocol: ir.Route.Protocol,
				PeerName: act.Peer.Name,
				NodePath: ir.NodePath,
			})
		}
	}
	return e
}
