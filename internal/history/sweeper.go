package history

import (
	"context"
	"log/slog"
	"time"
)

// SweeperConfig configures the periodic retention sweep.
type SweeperConfig struct {
	Interval   time.Duration // <= 0 disables the sweeper
	MaxAgeDays int           // <= 0 uses the manager's retention
	Logger     *slog.Logger
}

// Sweeper runs Manager.Cleanup on a fixed interval.
type Sweeper struct {
	manager    *Manager
	interval   time.Duration
	maxAgeDays int
	logger     *slog.Logger
}

func NewSweeper(m *Manager, cfg SweeperConfig) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		manager:    m,
		interval:   cfg.Interval,
		maxAgeDays: cfg.MaxAgeDays,
		logger:     cfg.Logger,
	}
}

// Start runs the sweep loop. Blocks until ctx is cancelled; returns
// immediately when the interval is not positive.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	s.logger.Info("retention sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.manager.Cleanup(ctx, s.maxAgeDays)
	if err != nil {
		s.logger.Warn("retention sweep incomplete", "removed", removed, "err", err)
		return
	}
	s.logger.Debug("retention sweep done", "removed", removed, "remaining", s.manager.Len())
}
