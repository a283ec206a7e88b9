// Package maintenance prunes aged journal rows.
package maintenance

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Pruner deletes journal rows older than the retention window.
type Pruner struct {
	pool   *pgxpool.Pool
	days   int
	logger *zap.Logger
}

func NewPruner(pool *pgxpool.Pool, retentionDays int, logger *zap.Logger) *Pruner {
	return &Pruner{pool: pool, days: retentionDays, logger: logger}
}

// Run removes route events first, then their parent commit rows, so an
// interrupted run never strands child rows.
func (p *Pruner) Run(ctx context.Context) error {
	events, err := p.prune(ctx, "route_events")
	if err != nil {
		return err
	}
	commits, err := p.prune(ctx, "commit_log")
	if err != nil {
		return err
	}
	p.logger.Info("journal retention pruned",
		zap.Int("retention_days", p.days),
		zap.Int64("route_events", events),
		zap.Int64("commits", commits),
	)
	return nil
}

func (p *Pruner) prune(ctx context.Context, table string) (int64, error) {
	// table is one of two literals above; it is never user input.
	sql := fmt.Sprintf(
		"DELETE FROM %s WHERE created_at < now() - make_interval(days => $1)", table)
	tag, err := p.pool.Exec(ctx, sql, p.days)
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}
