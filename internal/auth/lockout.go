// Package auth authenticates resource owners for the password and
// interactive grants of the reference host.
package auth

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// LockoutService tracks failed login attempts and locks accounts.
// Attempt counters live in a TTL cache, so an idle account forgets its
// failures after the lockout duration.
type LockoutService struct {
	maxAttempts int
	duration    time.Duration
	attempts    *cache.Cache
	mu          sync.Mutex
}

type lockoutEntry struct {
	count    int
	lockedAt time.Time
}

// NewLockoutService creates a new LockoutService.
// maxAttempts: number of failed attempts before lockout (0 = disabled)
// duration: how long the account stays locked
func NewLockoutService(maxAttempts int, duration time.Duration) *LockoutService {
	cleanup := duration
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &LockoutService{
		maxAttempts: maxAttempts,
		duration:    duration,
		attempts:    cache.New(duration, cleanup),
	}
}

func (s *LockoutService) entry(username string) (lockoutEntry, bool) {
	v, ok := s.attempts.Get(username)
	if !ok {
		return lockoutEntry{}, false
	}
	return v.(lockoutEntry), true
}

// IsLocked checks if an account is currently locked.
func (s *LockoutService) IsLocked(username string) bool {
	if s.maxAttempts <= 0 {
		return false
	}
	e, ok := s.entry(username)
	return ok && !e.lockedAt.IsZero()
}

// RecordFailure records a failed login attempt and returns true if account is now locked.
func (s *LockoutService) RecordFailure(username string) bool {
	if s.maxAttempts <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.entry(username)
	if !e.lockedAt.IsZero() {
		// Already locked; the lock window is not extended.
		return true
	}

	e.count++
	if e.count >= s.maxAttempts {
		e.lockedAt = time.Now()
		s.attempts.Set(username, e, s.duration)
		return true
	}
	s.attempts.Set(username, e, s.duration)
	return false
}

// RecordSuccess clears failed attempts for an account after successful login.
func (s *LockoutService) RecordSuccess(username string) {
	if s.maxAttempts <= 0 {
		return
	}
	s.attempts.Delete(username)
}

// GetRemainingAttempts returns the number of attempts remaining before lockout.
func (s *LockoutService) GetRemainingAttempts(username string) int {
	if s.maxAttempts <= 0 {
		return -1 // Lockout disabled
	}
	e, ok := s.entry(username)
	if !ok {
		return s.maxAttempts
	}
	return max(s.maxAttempts-e.count, 0)
}

// GetLockoutRemaining returns the time remaining until the account is unlocked.
// Returns 0 if not locked.
func (s *LockoutService) GetLockoutRemaining(username string) time.Duration {
	if s.maxAttempts <= 0 {
		return 0
	}
	v, expires, ok := s.attempts.GetWithExpiration(username)
	if !ok || v.(lockoutEntry).lockedAt.IsZero() {
		return 0
	}
	return max(time.Until(expires), 0)
}
