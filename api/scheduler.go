/*
scheduler.go - Purchase session sweeper

PURPOSE:
  Purchase sessions expire lazily when their owner touches them again.
  Users who walk away never do, so this sweeper periodically drops expired
  sessions to keep memory bounded.

CONFIGURATION:
  - Interval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper runs (default: true)

USAGE:
  sweeper := NewSessionSweeper(engine, time.Minute, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - fulfillment/session.go: Session store and TTL
*/
package api

import (
	"sync"
	"time"

	"github.com/warp/codeshop/fulfillment"
	"go.uber.org/zap"
)

// SessionSweeper discards expired purchase sessions on a ticker.
type SessionSweeper struct {
	Engine   *fulfillment.Engine
	Interval time.Duration
	Enabled  bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSessionSweeper creates a new sweeper.
func NewSessionSweeper(engine *fulfillment.Engine, interval time.Duration, logger *zap.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionSweeper{
		Engine:   engine,
		Interval: interval,
		Enabled:  true,
		logger:   logger.Named("sweeper"),
	}
}

// Start begins the sweeper. Calling Start twice is a no-op.
func (s *SessionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("started", zap.Duration("interval", s.Interval))
}

// Stop stops the sweeper and waits for the loop to exit.
func (s *SessionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("stopped")
	}
}

func (s *SessionSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow sweeps immediately and returns how many sessions were dropped.
func (s *SessionSweeper) RunNow() int {
	n := s.Engine.SweepSessions()
	if n > 0 {
		s.logger.Debug("swept sessions", zap.Int("expired", n))
	}
	return n
}
