// Package store defines the matchmaking records and the storage contract the
// engine runs on: snapshot reads, per-user and per-match advisory locks, and
// atomic write batches. Backends implement mechanics only; all state-machine
// semantics live in the engine.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by reads for records that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrLockBusy is returned by try-lock acquisitions when the lock is held.
	// It is transient: callers drop the work item and wait for the next
	// trigger rather than spinning.
	ErrLockBusy = errors.New("lock busy")
)

// UserState is the matchmaking lifecycle state of a user.
type UserState string

const (
	UserIdle       UserState = "idle"
	UserWaiting    UserState = "waiting"
	UserMatched    UserState = "matched"
	UserVoteWindow UserState = "vote_window"
	UserVideoDate  UserState = "video_date"
)

// InLiveMatch reports whether the state implies a live match membership.
func (s UserState) InLiveMatch() bool {
	return s == UserMatched || s == UserVoteWindow
}

// MatchStatus is the lifecycle status of a match.
type MatchStatus string

const (
	// MatchPaired is a freshly formed match; the vote window is already
	// running. The first participant interaction upgrades it to active.
	MatchPaired    MatchStatus = "paired"
	MatchActive    MatchStatus = "active"
	MatchEnded     MatchStatus = "ended"
	MatchCancelled MatchStatus = "cancelled"
)

// Live reports whether the match can still accept acknowledgements and votes.
func (s MatchStatus) Live() bool {
	return s == MatchPaired || s == MatchActive
}

// Vote is a participant's vote within the window. Absence of a vote is
// VoteNone, which is distinct from VotePass.
type Vote string

const (
	VoteNone Vote = ""
	VoteYes  Vote = "yes"
	VotePass Vote = "pass"
)

// Outcome classifies how an ended match resolved.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeBothYes  Outcome = "both_yes"
	OutcomeYesPass  Outcome = "yes_pass"
	OutcomePassPass Outcome = "pass_pass"
	OutcomeIdleIdle Outcome = "idle_idle"
)

// HistoryReason records why a pair landed in match history.
type HistoryReason string

const (
	ReasonCompleted HistoryReason = "completed"
	ReasonCancelled HistoryReason = "cancelled"
)

// User is a user's matchmaking record. MatchID/PartnerID are empty outside
// match-related states; WaitingSince is meaningful only while waiting;
// AcknowledgedAt is zero until the user acknowledges their current match.
type User struct {
	ID             string
	State          UserState
	MatchID        string
	PartnerID      string
	Fairness       int
	WaitingSince   time.Time
	LastActive     time.Time
	AcknowledgedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Match is a formed pair with its vote window. User1 < User2 always.
// Participants never change after creation; Outcome is set exactly once,
// together with the transition to ended. Cancelled matches carry no outcome.
type Match struct {
	ID              string
	User1           string
	User2           string
	Status          MatchStatus
	WindowStartedAt time.Time
	WindowExpiresAt time.Time
	User1Vote       Vote
	User2Vote       Vote
	Outcome         Outcome
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         time.Time
}

// HasParticipant reports whether userID is one of the pair.
func (m *Match) HasParticipant(userID string) bool {
	return m.User1 == userID || m.User2 == userID
}

// PartnerOf returns the other participant, or empty when userID is not one.
func (m *Match) PartnerOf(userID string) string {
	switch userID {
	case m.User1:
		return m.User2
	case m.User2:
		return m.User1
	}
	return ""
}

// VoteOf returns the recorded vote of userID.
func (m *Match) VoteOf(userID string) Vote {
	switch userID {
	case m.User1:
		return m.User1Vote
	case m.User2:
		return m.User2Vote
	}
	return VoteNone
}

// SetVote records (or overwrites) the vote of userID.
func (m *Match) SetVote(userID string, v Vote) {
	switch userID {
	case m.User1:
		m.User1Vote = v
	case m.User2:
		m.User2Vote = v
	}
}

// HistoryEntry marks that a pair has been matched before. At most one entry
// exists per unordered pair; inserts for an existing pair are no-ops.
type HistoryEntry struct {
	User1     string
	User2     string
	Reason    HistoryReason
	CreatedAt time.Time
}

// OrderPair returns the pair in canonical (ascending) order.
func OrderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Batch is a set of writes that commit atomically. Later writes to the same
// record win within a batch.
type Batch struct {
	Users   []User
	Matches []Match
	History []HistoryEntry
}

func (b *Batch) PutUser(u User) {
	b.Users = append(b.Users, u)
}

func (b *Batch) PutMatch(m Match) {
	b.Matches = append(b.Matches, m)
}

func (b *Batch) AddHistory(a, c string, reason HistoryReason, at time.Time) {
	u1, u2 := OrderPair(a, c)
	b.History = append(b.History, HistoryEntry{User1: u1, User2: u2, Reason: reason, CreatedAt: at})
}

// Empty reports whether the batch writes nothing.
func (b *Batch) Empty() bool {
	return len(b.Users) == 0 && len(b.Matches) == 0 && len(b.History) == 0
}

// UnlockFunc releases an advisory lock. Calling it more than once is a no-op.
type UnlockFunc func()

// Store is the storage contract. Reads return consistent committed snapshots
// without taking locks; a snapshot read made while holding the record's
// advisory lock is current, since every writer locks before writing.
//
// Lock ordering, enforced by callers: match lock before user locks, user
// locks in ascending id order, never user before match.
type Store interface {
	// GetUser returns the user record or ErrNotFound.
	GetUser(ctx context.Context, userID string) (User, error)
	// GetMatch returns the match record or ErrNotFound.
	GetMatch(ctx context.Context, matchID string) (Match, error)
	// WaitingUsers returns all users in the waiting state, unordered.
	WaitingUsers(ctx context.Context) ([]User, error)
	// LiveMatches returns all paired/active matches, unordered.
	LiveMatches(ctx context.Context) ([]Match, error)
	// HaveMatched reports whether the unordered pair is in match history.
	HaveMatched(ctx context.Context, a, b string) (bool, error)

	// TryLockUser acquires the user's advisory lock without blocking,
	// returning ErrLockBusy when held elsewhere.
	TryLockUser(ctx context.Context, userID string) (UnlockFunc, error)
	// LockUser acquires the user's advisory lock, waiting until it is
	// available or ctx is done.
	LockUser(ctx context.Context, userID string) (UnlockFunc, error)
	// TryLockMatch is TryLockUser for a match id.
	TryLockMatch(ctx context.Context, matchID string) (UnlockFunc, error)
	// LockMatch is LockUser for a match id.
	LockMatch(ctx context.Context, matchID string) (UnlockFunc, error)

	// Apply commits a batch atomically: all writes or none, with no partial
	// state visible to readers. The caller must hold the advisory locks
	// covering every record the batch writes.
	Apply(ctx context.Context, b *Batch) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
