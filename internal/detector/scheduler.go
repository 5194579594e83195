package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Purger drops expired usage records.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Scheduler runs detection and ledger retention on a fixed interval.
type Scheduler struct {
	detector *Detector
	purger   Purger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. purger may be nil.
func NewScheduler(d *Detector, purger Purger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		detector: d,
		purger:   purger,
		interval: interval,
	}
}

// Start launches the loop. The first run happens after one interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	slog.Info("pattern detector scheduled", "interval", s.interval.String())
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.purger != nil {
		if n, err := s.purger.Purge(ctx); err != nil {
			slog.Error("usage purge failed", "error", err)
		} else if n > 0 {
			slog.Info("usage records purged", "count", n)
		}
	}

	if _, err := s.detector.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("scheduled pattern detection failed", "error", err)
	}
}
