// Package profile exposes the slice of a user's profile the matchmaker
// consumes. Profile ownership (signup, editing, identity) lives in another
// service; matchd only reads facts through a Directory.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrUnknownUser = errors.New("unknown user")

// Gender is a user's self-reported gender.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Preference is who a user wants to be matched with. Empty means all.
type Preference string

const (
	PreferenceAll    Preference = "all"
	PreferenceMale   Preference = "male"
	PreferenceFemale Preference = "female"
)

// Facts is the read-only profile slice used for compatibility checks.
type Facts struct {
	UserID     string     `json:"user_id"`
	Gender     Gender     `json:"gender"`
	Age        int        `json:"age"`
	AgeMin     int        `json:"age_min"` // 0 = no lower bound
	AgeMax     int        `json:"age_max"` // 0 = no upper bound
	Cities     []string   `json:"cities"`  // empty = unrestricted
	Preference Preference `json:"gender_preference"`
}

// Directory resolves profile facts for matchmaking.
type Directory interface {
	Facts(ctx context.Context, userID string) (Facts, error)
}

// Static is an in-memory Directory for tests and single-node deployments
// seeded from a file. Safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	users map[string]Facts
}

func NewStatic() *Static {
	return &Static{users: make(map[string]Facts)}
}

func (s *Static) Put(f Facts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[f.UserID] = f
}

func (s *Static) Facts(_ context.Context, userID string) (Facts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.users[userID]
	if !ok {
		return Facts{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return f, nil
}

// Len reports the number of seeded profiles.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// LoadStatic reads a JSON array of facts from path into a Static directory.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	var facts []Facts
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file: %w", err)
	}
	s := NewStatic()
	for _, f := range facts {
		if f.UserID == "" {
			return nil, fmt.Errorf("profiles file entry missing user_id")
		}
		s.Put(f)
	}
	return s, nil
}
