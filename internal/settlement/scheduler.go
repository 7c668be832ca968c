package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a settlement pass on a fixed interval
type Scheduler struct {
	settler  *Settler
	interval time.Duration
}

// NewScheduler creates a scheduler for settler
func NewScheduler(settler *Settler, interval time.Duration) *Scheduler {
	return &Scheduler{settler: settler, interval: interval}
}

// Run executes a pass immediately and then once per interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	zap.L().Info("Settlement scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("Settlement scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Start runs the scheduler in its own goroutine. The returned stop cancels it
// and waits for a pass in flight to finish.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Settlement pass panic recovered", zap.Any("panic", r))
		}
	}()

	if _, err := s.settler.RunPass(ctx); err != nil && ctx.Err() == nil {
		zap.L().Error("Settlement pass failed", zap.Error(err))
	}
}
