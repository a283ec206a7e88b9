// Package journal appends committed RIB transitions to Postgres. The
// journal is audit output only; the RIB never reads it back.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/routefabric/meshd/internal/metrics"
	"github.com/routefabric/meshd/internal/schema"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("journal: zstd encoder init: %v", err))
	}
}

// RouteEvent is one row in route_events, derived from a committed
// action.
type RouteEvent struct {
	Event    string // "add" or "remove"
	Name     string
	Protocol schema.Protocol
	PeerName string // empty for locally-originated routes
	NodePath []string
}

// Entry is one committed transition to be journaled.
type Entry struct {
	Seq            uint64
	ActionKind     schema.ActionKind
	Payload        []byte // JSON of the action
	LocalPeers     int
	LocalRoutes    int
	SessionPeers   int
	InternalRoutes int
	RouteEvents    []RouteEvent
}

// Flusher persists a batch of journal entries. Satisfied by Writer;
// tests substitute a recorder.
type Flusher interface {
	FlushBatch(ctx context.Context, entries []*Entry) error
}

// Writer persists entries with batched inserts. Payloads at or above
// the compression threshold are zstd-compressed before storage.
type Writer struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	compress    bool
	compressMin int
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, compress bool, compressMin int) *Writer {
	return &Writer{
		pool:        pool,
		logger:      logger,
		compress:    compress,
		compressMin: compressMin,
	}
}

// FlushBatch inserts a batch of entries and their route events in one
// transaction.
func (w *Writer) FlushBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertCommitSQL = `
		INSERT INTO commit_log (seq, action, payload, payload_compressed,
			local_peers, local_routes, session_peers, internal_routes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seq) DO NOTHING`

	const insertEventSQL = `
		INSERT INTO route_events (commit_seq, event, name, protocol, peer_name, node_path)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	queued := 0
	for _, e := range entries {
		payload := e.Payload
		compressed := false
		if w.compress && len(payload) >= w.compressMin {
			payload = zstdEncoder.EncodeAll(payload, nil)
			compressed = true
		}
		batch.Queue(insertCommitSQL,
			int64(e.Seq), string(e.ActionKind), payload, compressed,
			e.LocalPeers, e.LocalRoutes, e.SessionPeers, e.InternalRoutes,
		)
		queued++
		for _, ev := range e.RouteEvents {
			batch.Queue(insertEventSQL,
				int64(e.Seq), ev.Event, ev.Name, string(ev.Protocol),
				nilIfEmpty(ev.PeerName), ev.NodePath,
			)
			queued++
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < queued; i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("journal insert[%d]: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.JournalWriteDuration.WithLabelValues("flush").Observe(time.Since(start).Seconds())
	metrics.JournalBatchSize.Observe(float64(len(entries)))
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarshalAction renders an action payload for storage.
func MarshalAction(a schema.Action) []byte {
	b, err := json.Marshal(a)
	if err != nil {
		return []byte(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return b
}
