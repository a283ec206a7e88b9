// Package events publishes committed RIB transitions to a Kafka topic
// for fabric observers (dashboards, data-plane builders, auditing
// consumers outside this process).
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// record is the exported JSON shape. States are summarized as counts;
// consumers needing the full table read the admin API.
type record struct {
	Seq            uint64            `json:"seq"`
	Node           string            `json:"node"`
	Action         schema.ActionKind `json:"action"`
	Payload        json.RawMessage   `json:"payload"`
	LocalPeers     int               `json:"localPeers"`
	LocalRoutes    int               `json:"localRoutes"`
	SessionPeers   int               `json:"sessionPeers"`
	InternalRoutes int               `json:"internalRoutes"`
	Propagations   int               `json:"propagations"`
}

// Exporter produces one record per commit, asynchronously. Enqueue
// never blocks the commit path.
type Exporter struct {
	client *kgo.Client
	node   string
	logger *zap.Logger
	in     chan rib.CommitEvent
}

func NewExporter(brokers []string, topic, clientID, node string, bufferSize int, logger *zap.Logger) (*Exporter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &Exporter{
		client: client,
		node:   node,
		logger: logger,
		in:     make(chan rib.CommitEvent, bufferSize),
	}, nil
}

// Enqueue accepts a commit event from the RIB hook.
func (e *Exporter) Enqueue(ev rib.CommitEvent) {
	select {
	case e.in <- ev:
	default:
		metrics.EventsExportedTotal.WithLabelValues("dropped").Inc()
	}
}

// Run produces until the context ends, then flushes in-flight records.
func (e *Exporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.client.Flush(flushCtx); err != nil {
				e.logger.Warn("event flush incomplete", zap.Error(err))
			}
			cancel()
			e.client.Close()
			return
		case ev := <-e.in:
			e.produce(ctx, ev)
		}
	}
}

func (e *Exporter) produce(ctx context.Context, ev rib.CommitEvent) {
	rec := record{
		Seq:            ev.Seq,
		Node:           e.node,
		Action:         ev.Action.Kind(),
		Payload:        marshalAction(ev.Action),
		LocalPeers:     len(ev.Next.LocalPeers),
		LocalRoutes:    len(ev.Next.LocalRoutes),
		SessionPeers:   len(ev.Next.SessionPeers),
		InternalRoutes: len(ev.Next.InternalRoutes),
		Propagations:   len(ev.Propagations),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("event marshal failed", zap.Error(err))
		metrics.EventsExportedTotal.WithLabelValues("error").Inc()
		return
	}
	e.client.Produce(ctx, &kgo.Record{Key: []byte(e.node), Value: value}, func(_ *kgo.Record, err error) {
		if err != nil {
			e.logger.Warn("event produce failed", zap.Error(err))
			metrics.EventsExportedTotal.WithLabelValues("error").Inc()
			return
		}
		metrics.EventsExportedTotal.WithLabelValues("ok").Inc()
	})
}

func marshalAction(a schema.Action) json.RawMessage {
	b, err := json.Marshal(a)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
