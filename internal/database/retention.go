package database

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// CDRPruner deletes call records older than a retention window.
type CDRPruner struct {
	repo      CDRRepository
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewCDRPruner creates a pruner. A zero retention disables pruning.
func NewCDRPruner(repo CDRRepository, retention time.Duration, logger *slog.Logger) *CDRPruner {
	return &CDRPruner{
		repo:      repo,
		retention: retention,
		logger:    logger.With("subsystem", "cdr-retention"),
		now:       time.Now,
	}
}

// Prune removes records that started before now minus the retention.
func (p *CDRPruner) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	return p.repo.DeleteBefore(ctx, p.now().Add(-p.retention))
}

// Run prunes once immediately and then hourly until ctx is cancelled.
func (p *CDRPruner) Run(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	p.logger.Info("cdr retention started", "retention", p.retention.String())
	for {
		n, err := p.Prune(ctx)
		switch {
		case err != nil:
			p.logger.Error("failed to prune cdrs", "error", err)
		case n > 0:
			p.logger.Info("old cdrs pruned", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
