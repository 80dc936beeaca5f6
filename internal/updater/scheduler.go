package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

// Scheduler runs a check session on a fixed interval. A tick that finds a
// check already running is skipped.
type Scheduler struct {
	engine   *Engine
	onResult func(Result)

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
}

// NewScheduler returns a scheduler that reports each finished check to
// onResult (which may be nil).
func NewScheduler(e *Engine, interval time.Duration, onResult func(Result)) *Scheduler {
	return &Scheduler{
		engine:   e,
		interval: interval,
		onResult: onResult,
		reset:    make(chan struct{}, 1),
	}
}

// SetInterval changes the interval; the next check is scheduled from now.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Interval returns the current interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Run checks immediately, then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)
	for {
		interval := s.Interval()
		if interval <= 0 {
			log.Warn("scheduler interval not positive, scheduled checks disabled")
			select {
			case <-ctx.Done():
				return
			case <-s.reset:
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.reset:
			timer.Stop()
			log.Info("check interval changed", "interval", s.Interval().String())
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.engine.Check(ctx)
	if err != nil && res.SessionID == "" {
		if errors.Is(err, ErrInvalidState) {
			log.Debug("skipping scheduled check, another check is running")
			return
		}
		log.Warn("scheduled check could not start", logging.KeyError, err.Error())
		return
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}
