package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultSaveInterval = 5 * time.Minute
	finalFlushTimeout   = 10 * time.Second
	hydrateTimeout      = 30 * time.Second
)

// PersisterConfig configures the background save loop.
type PersisterConfig struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Persister hydrates a Manager from its store at start and writes changed
// conversations back on a fixed interval.
type Persister struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewPersister creates a persister for m. It is a no-op when m has no store.
func NewPersister(m *Manager, cfg PersisterConfig) *Persister {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSaveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	return &Persister{
		manager:  m,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Hydrate loads every stored conversation into the table and returns how
// many were restored. On error the table is left untouched.
func (p *Persister) Hydrate(ctx context.Context) (int, error) {
	store := p.manager.store
	if store == nil {
		p.logger.Info("no history store configured, using in-memory history")
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, hydrateTimeout)
	defer cancel()

	conversations, err := store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load conversation histories: %w", err)
	}
	n := p.manager.table.Restore(conversations)
	p.logger.Info("loaded conversation histories", "count", n)
	return n, nil
}

// Run saves on every tick until ctx is cancelled, then performs one last
// bounded flush. It blocks.
func (p *Persister) Run(ctx context.Context) {
	p.logger.Info("history persister started",
		"interval", p.interval,
		"persistent", p.manager.Persistent(),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finalFlush()
			p.logger.Info("history persister stopped")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			p.Flush(ctx)
		}
	}
}

func (p *Persister) finalFlush() {
	if p.manager.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	p.Flush(ctx)
}

// Flush writes every conversation changed since its last save. A failed
// write is logged and left dirty for the next cycle. Cancelling ctx
// abandons the remaining writes.
func (p *Persister) Flush(ctx context.Context) (saved, failed int) {
	store := p.manager.store
	if store == nil {
		return 0, 0
	}

	for _, snap := range p.manager.table.dirty() {
		if ctx.Err() != nil {
			p.logger.Warn("history flush abandoned", "saved", saved, "err", ctx.Err())
			return saved, failed
		}
		if err := store.Save(ctx, snap.key, snap.messages); err != nil {
			failed++
			p.logger.Error("failed to save conversation", "user_key", snap.key, "err", err)
			continue
		}
		if !p.manager.table.markSaved(snap) {
			// Evicted while the write was in flight.
			if err := store.Delete(ctx, snap.key); err != nil {
				failed++
				p.logger.Error("failed to delete evicted conversation", "user_key", snap.key, "err", err)
				continue
			}
			p.manager.table.markDirty(snap.key)
			continue
		}
		saved++
	}

	if saved > 0 || failed > 0 {
		p.logger.Info("saved conversations", "saved", saved, "failed", failed)
	}
	return saved, failed
}
