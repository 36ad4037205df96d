// Package engine implements the matchmaking state machine: queue admission,
// pair formation, the bounded voting window, outcome resolution, and the
// liveness rules that drive all of them.
//
// The engine owns every state transition. Stores hold records and hand out
// per-entity locks, but never interpret state; all writes flow through the
// engine while it holds the locks covering the records it touches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/store"
)

const (
	// DefaultVoteWindow is how long a pair has to decide, measured from
	// match creation.
	DefaultVoteWindow = 90 * time.Second

	// DefaultFreshFor is the liveness horizon. A user whose last activity
	// is exactly this old counts as stale.
	DefaultFreshFor = 10 * time.Second

	// DefaultFairnessBoost is added to a user's fairness score when a
	// match ends without mutual interest and they are requeued.
	DefaultFairnessBoost = 10

	// DefaultFormationDeadline bounds a single pair-formation attempt.
	DefaultFormationDeadline = 10 * time.Second

	// DefaultQueueGrace is how long after entering the queue a user is
	// eligible for pairing even without a heartbeat yet.
	DefaultQueueGrace = 60 * time.Second
)

var (
	// ErrUnknownUser means the user has no profile.
	ErrUnknownUser = errors.New("unknown user")

	// ErrBadState means the operation is not allowed in the user's or
	// match's current state.
	ErrBadState = errors.New("operation not allowed in current state")

	// ErrBadVote means the submitted vote value is not yes or pass.
	ErrBadVote = errors.New("invalid vote")

	// ErrNotParticipant means the user is not part of the match.
	ErrNotParticipant = errors.New("not a participant in this match")

	// ErrWindowClosed means the vote window has expired or the match is
	// no longer live.
	ErrWindowClosed = errors.New("vote window closed")
)

// VideoDate is the handoff emitted when both participants vote yes.
type VideoDate struct {
	MatchID   string    `json:"match_id"`
	User1     string    `json:"user1"`
	User2     string    `json:"user2"`
	CreatedAt time.Time `json:"created_at"`
}

// VideoDateSink receives mutual-yes handoffs. Emission happens after the
// resolution batch commits; a sink error is logged and never unwinds the
// resolution.
type VideoDateSink interface {
	Create(ctx context.Context, vd VideoDate) error
}

type loggingVideoDates struct {
	log *slog.Logger
}

func (s *loggingVideoDates) Create(_ context.Context, vd VideoDate) error {
	s.log.Info("engine: video date ready", "match", vd.MatchID, "user1", vd.User1, "user2", vd.User2)
	return nil
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      store.Store
	Profiles   profile.Directory
	VideoDates VideoDateSink

	// VoteWindow is the decision window length, measured from match
	// creation.
	VoteWindow time.Duration

	// FreshFor is the liveness horizon for heartbeats and spins.
	FreshFor time.Duration

	// QueueGrace keeps a brand-new waiter eligible for pairing before
	// their first heartbeat: a user whose WaitingSince is within this
	// window counts as pairable even outside the liveness horizon.
	QueueGrace time.Duration

	// FairnessBoost is granted to requeued users after a non-mutual
	// resolution or a cancellation they did not cause.
	FairnessBoost int

	// FormationDeadline bounds a single TryMatch call.
	FormationDeadline time.Duration

	// MatchGrace is how long after creation a match is immune to stale
	// cancellation, so both sides get a chance to check in.
	MatchGrace time.Duration

	// FormationTrigger is invoked after any commit that leaves a user
	// waiting: a spin admission or an auto-respin out of a resolved
	// match. The default runs TryMatch for the user off the calling
	// request; tests install their own to keep formation explicit.
	FormationTrigger func(userID string)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Profiles == nil {
		return errors.New("profiles directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.VideoDates == nil {
		cfg.VideoDates = &loggingVideoDates{log: cfg.Logger}
	}
	if cfg.VoteWindow <= 0 {
		cfg.VoteWindow = DefaultVoteWindow
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = DefaultFreshFor
	}
	if cfg.QueueGrace <= 0 {
		cfg.QueueGrace = DefaultQueueGrace
	}
	if cfg.FairnessBoost <= 0 {
		cfg.FairnessBoost = DefaultFairnessBoost
	}
	if cfg.FormationDeadline <= 0 {
		cfg.FormationDeadline = DefaultFormationDeadline
	}
	if cfg.MatchGrace <= 0 {
		cfg.MatchGrace = cfg.FreshFor
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	e := &Engine{
		log: cfg.Logger,
		cfg: cfg,
	}
	if e.cfg.FormationTrigger == nil {
		e.cfg.FormationTrigger = e.asyncFormation
	}
	return e, nil
}

// kickFormation fires the formation trigger for a user who just became (or
// stayed) waiting. Called only after the admitting commit; the trigger must
// never observe an uncommitted queue entry.
func (e *Engine) kickFormation(userID string) {
	e.cfg.FormationTrigger(userID)
}

// asyncFormation is the default trigger: a formation attempt on its own
// goroutine. The caller still holds the user's lock for a moment after the
// kick, so a busy initiator is retried briefly before the attempt is left to
// the sweeper's next cycle.
func (e *Engine) asyncFormation(userID string) {
	go func() {
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(100*time.Millisecond),
		), 5)
		err := backoff.Retry(func() error {
			_, err := e.TryMatch(context.Background(), userID)
			if err != nil && !errors.Is(err, store.ErrLockBusy) {
				return backoff.Permanent(err)
			}
			return err
		}, bo)
		if err == nil || errors.Is(err, store.ErrLockBusy) {
			return
		}
		e.log.Error("engine: formation attempt failed", "user", userID, "error", err)
	}()
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock.Now()
}

// fresh reports whether the user is inside the liveness horizon. The
// boundary is exclusive: last activity exactly FreshFor ago is stale.
func (e *Engine) fresh(now time.Time, u store.User) bool {
	return now.Sub(u.LastActive) < e.cfg.FreshFor
}

// eligible reports whether a waiting user may be paired. Freshness
// qualifies, and so does having entered the queue within QueueGrace; the
// grace covers the gap between a spin and the first heartbeat.
func (e *Engine) eligible(now time.Time, u store.User) bool {
	if e.fresh(now, u) {
		return true
	}
	return !u.WaitingSince.IsZero() && now.Sub(u.WaitingSince) < e.cfg.QueueGrace
}

// lockBothUsers takes both participant locks in ascending id order. The
// caller must already hold the match lock.
func (e *Engine) lockBothUsers(ctx context.Context, m *store.Match) (store.UnlockFunc, error) {
	unlock1, err := e.cfg.Store.LockUser(ctx, m.User1)
	if err != nil {
		return nil, err
	}
	unlock2, err := e.cfg.Store.LockUser(ctx, m.User2)
	if err != nil {
		unlock1()
		return nil, err
	}
	return func() {
		unlock2()
		unlock1()
	}, nil
}

func (e *Engine) participants(ctx context.Context, m *store.Match) (store.User, store.User, error) {
	u1, err := e.cfg.Store.GetUser(ctx, m.User1)
	if err != nil {
		return store.User{}, store.User{}, fmt.Errorf("failed to load participant %s: %w", m.User1, err)
	}
	u2, err := e.cfg.Store.GetUser(ctx, m.User2)
	if err != nil {
		return store.User{}, store.User{}, fmt.Errorf("failed to load participant %s: %w", m.User2, err)
	}
	return u1, u2, nil
}

// reportInvariant flags a record combination that resolution and formation
// should have made impossible.
func (e *Engine) reportInvariant(msg string, args ...any) {
	e.log.Error("engine: invariant violation: "+msg, args...)
	sentry.CaptureException(fmt.Errorf("engine: invariant violation: %s", msg))
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
