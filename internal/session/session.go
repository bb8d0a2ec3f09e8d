// Package session owns the broker bearer-token session and its on-disk copy.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/pkg/logger"
	"github.com/betbot/bracketbot/pkg/persistence"
)

// DefaultRefreshThreshold is the remaining lifetime below which a token is
// considered about to expire.
const DefaultRefreshThreshold = 300 * time.Second

type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiryTime   time.Time `json:"tokenExpiryDate"`
}

func (s Session) Valid() bool { return s.AccessToken != "" }

// Store holds the current session in memory and mirrors every change to a
// JSON file written by atomic replace.
type Store struct {
	mu      sync.RWMutex
	current Session
	file    persistence.Store
}

func NewStore(file persistence.Store) *Store {
	return &Store{file: file}
}

// NewFileStore is a Store persisted at path.
func NewFileStore(path string) *Store {
	return NewStore(persistence.NewJSONFileStore(path))
}

// Load restores the persisted session. A missing file is not an error; the
// store is simply left empty.
func (s *Store) Load() (Session, error) {
	var sess Session
	if err := s.file.Load(&sess); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			logger.Debugf("no stored session found")
			return Session{}, nil
		}
		return Session{}, errors.Wrap(err, "load session")
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	return sess, nil
}

// Save persists sess and makes it current. The in-memory copy is only
// replaced after the durable write succeeds.
func (s *Store) Save(sess Session) error {
	if err := s.file.Save(sess); err != nil {
		return errors.Wrap(err, "save session")
	}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	return nil
}

func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AccessToken is a shorthand for Current().AccessToken.
func (s *Store) AccessToken() string {
	return s.Current().AccessToken
}

// IsExpiringSoon reports whether a refresh is due: no token, no known expiry,
// or less than threshold left. A non-positive threshold means the default.
func (s *Store) IsExpiringSoon(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	sess := s.Current()
	if !sess.Valid() || sess.ExpiryTime.IsZero() {
		return true
	}
	return sess.ExpiryTime.Sub(now) < threshold
}
