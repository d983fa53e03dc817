package worker

import (
	"context"
	"log/slog"
	"time"
)

// TxJanitor is implemented by stores that keep transaction records which do
// not expire on their own.
type TxJanitor interface {
	// ExpireTransactions closes open transactions created before cutoff.
	ExpireTransactions(ctx context.Context, cutoff time.Time) (int64, error)
	// PruneTransactions deletes finished transactions created before cutoff.
	PruneTransactions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds pruner settings.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// TxTTL closes open transactions with no call for longer than this. 0 disables.
	TxTTL time.Duration `yaml:"tx_ttl"`
	// Retention deletes finished transactions older than this. 0 disables.
	Retention time.Duration `yaml:"retention"`
}

// Pruner expires idle transactions and deletes old finished ones.
type Pruner struct {
	cfg   Config
	store TxJanitor
	log   *slog.Logger
	now   func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg Config, store TxJanitor) *Pruner {
	return &Pruner{
		cfg:   cfg,
		store: store,
		log:   slog.Default().With("component", "pruner"),
		now:   time.Now,
	}
}

// Enabled reports whether the pruner has anything to do.
func (p *Pruner) Enabled() bool {
	return p.cfg.TxTTL > 0 || p.cfg.Retention > 0
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if !p.Enabled() {
		return
	}

	interval := p.cfg.Interval
	if interval <= 0 {
		// 10% of the shortest window, but between 1s and 1 hour
		window := p.cfg.Retention
		if p.cfg.TxTTL > 0 && (window == 0 || p.cfg.TxTTL < window) {
			window = p.cfg.TxTTL
		}
		interval = min(window/10, time.Hour)
		interval = max(interval, time.Second)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass.
func (p *Pruner) Prune(ctx context.Context) {
	now := p.now()

	if p.cfg.TxTTL > 0 {
		n, err := p.store.ExpireTransactions(ctx, now.Add(-p.cfg.TxTTL))
		if err != nil {
			p.log.Error("Failed to expire transactions", "error", err)
		} else if n > 0 {
			p.log.Debug("Expired idle transactions", "count", n)
		}
	}

	if p.cfg.Retention > 0 {
		n, err := p.store.PruneTransactions(ctx, now.Add(-p.cfg.Retention))
		if err != nil {
			p.log.Error("Failed to prune transactions", "error", err)
		} else if n > 0 {
			p.log.Debug("Pruned finished transactions", "count", n)
		}
	}
}
