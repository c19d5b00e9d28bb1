package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sark-labs/sark/internal/domain/mfa"
)

// DefaultSweepInterval is how often expired challenges are removed.
const DefaultSweepInterval = 1 * time.Minute

// expiredGrace keeps lapsed challenges visible long enough for the
// challenge service to report them as expired instead of not-found.
const expiredGrace = 5 * time.Minute

// ChallengeStore implements mfa.ChallengeStore with an in-memory map.
// Thread-safe for concurrent access. A background sweep goroutine removes
// challenges well past their expiry; reads of freshly lapsed challenges
// still succeed so callers can observe the expired state.
type ChallengeStore struct {
	challenges    map[string]*mfa.Challenge
	mu            sync.RWMutex
	stopChan      chan struct{}
	wg            sync.WaitGroup
	sweepInterval time.Duration
	once          sync.Once // Prevent double-close panic on Stop()
}

// NewChallengeStore creates a new in-memory challenge store with the
// default sweep interval.
func NewChallengeStore() *ChallengeStore {
	return NewChallengeStoreWithConfig(DefaultSweepInterval)
}

// NewChallengeStoreWithConfig creates a new in-memory challenge store with
// a custom sweep interval.
func NewChallengeStoreWithConfig(sweepInterval time.Duration) *ChallengeStore {
	return &ChallengeStore{
		challenges:    make(map[string]*mfa.Challenge),
		stopChan:      make(chan struct{}),
		sweepInterval: sweepInterval,
	}
}

// StartSweep starts the background sweep goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (s *ChallengeStore) StartSweep(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep removes challenges whose expiry passed more than expiredGrace ago.
func (s *ChallengeStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-expiredGrace)
	swept := 0
	for id, ch := range s.challenges {
		if ch.ExpiresAt.Before(cutoff) {
			delete(s.challenges, id)
			swept++
		}
	}

	if swept > 0 {
		slog.Debug("swept expired mfa challenges", "count", swept)
	}
}

// Stop stops the background sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *ChallengeStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Create stores a new challenge.
func (s *ChallengeStore) Create(ctx context.Context, challenge *mfa.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	chCopy := *challenge
	s.challenges[challenge.ID] = &chCopy
	return nil
}

// Get retrieves a challenge by ID.
// Returns mfa.ErrChallengeNotFound if the challenge doesn't exist or has
// been swept.
func (s *ChallengeStore) Get(ctx context.Context, id string) (*mfa.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.challenges[id]
	if !ok {
		return nil, mfa.ErrChallengeNotFound
	}

	// Return a copy to prevent mutation
	chCopy := *ch
	return &chCopy, nil
}

// Update saves changes to an existing challenge.
func (s *ChallengeStore) Update(ctx context.Context, challenge *mfa.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[challenge.ID]; !ok {
		return mfa.ErrChallengeNotFound
	}
	chCopy := *challenge
	s.challenges[challenge.ID] = &chCopy
	return nil
}

// Delete removes a challenge.
func (s *ChallengeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, id)
	return nil
}

// Size returns the number of challenges currently stored.
// Useful for testing sweep behavior.
func (s *ChallengeStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}

// Compile-time interface verification.
var _ mfa.ChallengeStore = (*ChallengeStore)(nil)
