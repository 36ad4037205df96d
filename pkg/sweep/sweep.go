// Package sweep runs the periodic repair loop: it resolves lapsed vote
// windows, cancels matches with stale participants, refreshes fairness for
// everyone in the queue, and kicks pair formation. Stale waiters stay in the
// queue; going ineligible is the freshness predicate's job, not a state
// change. Every state transition goes through the engine; the sweeper only
// decides what to look at.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/spindate/matchd/pkg/engine"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/store"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultWorkers  = 8

	// DefaultLockRetries bounds how often a busy item is retried within one
	// cycle before being left for the next.
	DefaultLockRetries = 3
)

// Engine is the slice of the matchmaking engine the sweeper drives.
type Engine interface {
	ResolveExpired(ctx context.Context, matchID string) error
	CancelStale(ctx context.Context, matchID string) error
	RefreshFairness(ctx context.Context, userID string) error
	TryMatch(ctx context.Context, userID string) (*store.Match, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Engine Engine

	// Interval between sweep cycles.
	Interval time.Duration

	// Workers bounds the per-item concurrency inside a cycle.
	Workers int

	// LockRetries is the in-cycle retry budget for busy locks.
	LockRetries uint64

	// FreshFor and QueueGrace mirror the engine's eligibility windows;
	// used only to decide which waiters are worth a formation kick.
	FreshFor   time.Duration
	QueueGrace time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LockRetries == 0 {
		cfg.LockRetries = DefaultLockRetries
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = engine.DefaultFreshFor
	}
	if cfg.QueueGrace <= 0 {
		cfg.QueueGrace = engine.DefaultQueueGrace
	}
	return nil
}

type Sweeper struct {
	log  *slog.Logger
	cfg  Config
	pool pond.Pool

	sweepMu   sync.Mutex
	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Sweeper{
		log:     cfg.Logger,
		cfg:     cfg,
		pool:    pond.NewPool(cfg.Workers),
		readyCh: make(chan struct{}),
	}, nil
}

func (s *Sweeper) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

func (s *Sweeper) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for sweeper: %w", ctx.Err())
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		s.log.Info("sweep: starting loop", "interval", s.cfg.Interval, "workers", s.cfg.Workers)

		s.safeSweep(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeSweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep: cycle panicked", "panic", r)
			metrics.SweepCyclesTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := s.Sweep(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("sweep: cycle failed", "error", err)
	}
}

// Sweep runs one full cycle. Per-item failures are logged and counted but
// never abort the cycle; only a failure to list work does.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	s.log.Debug("sweep: cycle started")
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.cfg.Clock.Now()

	// Live matches first: resolve lapsed windows, cancel stale pairs. The
	// order matters — an expired match must classify votes, not cancel.
	live, err := s.cfg.Store.LiveMatches(ctx)
	if err != nil {
		metrics.SweepCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list live matches: %w", err)
	}
	group := s.pool.NewGroupContext(ctx)
	for _, m := range live {
		m := m
		group.Submit(func() {
			if !now.Before(m.WindowExpiresAt) {
				s.runItem(ctx, "expire", m.ID, func() error {
					return s.cfg.Engine.ResolveExpired(ctx, m.ID)
				})
				return
			}
			s.runItem(ctx, "cancel", m.ID, func() error {
				return s.cfg.Engine.CancelStale(ctx, m.ID)
			})
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("sweep: match pass failed", "error", err)
	}

	// Queue pass: refresh fairness for every waiter, stale ones included.
	// A stale waiter keeps their queue entry and accrues while parked;
	// formation simply skips them until they check in again.
	waiting, err := s.cfg.Store.WaitingUsers(ctx)
	if err != nil {
		metrics.SweepCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list waiting users: %w", err)
	}
	group = s.pool.NewGroupContext(ctx)
	for _, u := range waiting {
		u := u
		group.Submit(func() {
			s.runItem(ctx, "fairness", u.ID, func() error {
				return s.cfg.Engine.RefreshFairness(ctx, u.ID)
			})
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("sweep: queue pass failed", "error", err)
	}

	// Formation kicks, highest priority first. Sequential on purpose:
	// parallel kicks would fight over the same candidates.
	waiting, err = s.cfg.Store.WaitingUsers(ctx)
	if err != nil {
		metrics.SweepCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to relist waiting users: %w", err)
	}
	metrics.QueueDepth.Set(float64(len(waiting)))
	engine.SortByPriority(waiting)
	for _, u := range waiting {
		if !s.eligible(now, u) {
			continue
		}
		m, err := s.cfg.Engine.TryMatch(ctx, u.ID)
		if err != nil {
			if errors.Is(err, store.ErrLockBusy) || errors.Is(err, context.Canceled) {
				continue
			}
			metrics.SweepItemErrorsTotal.WithLabelValues("kick").Inc()
			s.log.Error("sweep: formation kick failed", "user", u.ID, "error", err)
			continue
		}
		if m != nil {
			s.log.Debug("sweep: formation kick paired", "user", u.ID, "match", m.ID)
		}
	}

	s.readyOnce.Do(func() {
		close(s.readyCh)
		s.log.Info("sweep: loop is now ready")
	})

	metrics.SweepCyclesTotal.WithLabelValues("success").Inc()
	s.log.Debug("sweep: cycle completed",
		"duration", time.Since(start).String(),
		"live_matches", len(live),
		"waiting", len(waiting),
	)
	return nil
}

// eligible mirrors the engine's pairing predicate: fresh, or queued less
// than QueueGrace ago and not yet heartbeating.
func (s *Sweeper) eligible(now time.Time, u store.User) bool {
	if now.Sub(u.LastActive) < s.cfg.FreshFor {
		return true
	}
	return !u.WaitingSince.IsZero() && now.Sub(u.WaitingSince) < s.cfg.QueueGrace
}

// runItem executes one engine call, retrying briefly while its locks are
// busy. A still-busy item is left for the next cycle; real errors are
// counted per step.
func (s *Sweeper) runItem(ctx context.Context, step, id string, op func() error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(25*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	), s.cfg.LockRetries), ctx)

	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, store.ErrLockBusy) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, store.ErrLockBusy) {
		s.log.Debug("sweep: item still locked, leaving for next cycle", "step", step, "id", id)
		return
	}
	metrics.SweepItemErrorsTotal.WithLabelValues(step).Inc()
	s.log.Error("sweep: item failed", "step", step, "id", id, "error", err)
}
