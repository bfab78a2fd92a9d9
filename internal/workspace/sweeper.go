package workspace

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically removes workspaces left behind by crashed jobs
type Sweeper struct {
	manager    *Manager
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper for manager
func NewSweeper(manager *Manager, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		manager:    manager,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     manager.logger,
		stopChan:   make(chan struct{}),
	}
}

// Start runs one sweep synchronously, then keeps sweeping on the interval
func (s *Sweeper) Start() {
	s.logger.Info("running startup workspace sweep")
	s.sweep()

	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				return
			}
		}
	}()

	s.logger.Info("workspace sweeper started", "interval", s.interval, "stale_after", s.staleAfter)
}

// Stop ends the periodic sweep and waits for it to exit
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("workspace sweeper stopped")
}

func (s *Sweeper) sweep() {
	n, err := s.manager.SweepStale(s.staleAfter)
	if err != nil {
		s.logger.Error("workspace sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("workspace sweep complete", "removed", n)
	}
}
