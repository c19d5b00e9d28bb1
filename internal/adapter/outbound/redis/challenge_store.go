// Package redis provides the Redis-backed challenge store used when
// multiple gateway replicas must share MFA state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sark-labs/sark/internal/domain/mfa"
)

// keyPrefix namespaces challenge keys in a shared database.
const keyPrefix = "sark:challenge:"

// expiredGrace keeps lapsed challenges readable long enough for the
// challenge service to report them as expired instead of not-found.
const expiredGrace = 5 * time.Minute

// Options configures the store connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// ChallengeStore implements mfa.ChallengeStore on Redis. Key expiry
// carries the challenge TTL plus a grace margin, so a freshly lapsed
// challenge still reads back and the expiry sweep costs nothing.
type ChallengeStore struct {
	client *goredis.Client
}

// NewChallengeStore connects to Redis and verifies connectivity before
// returning the store.
func NewChallengeStore(opts Options) (*ChallengeStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	return &ChallengeStore{client: client}, nil
}

// NewChallengeStoreWithClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewChallengeStoreWithClient(client *goredis.Client) *ChallengeStore {
	return &ChallengeStore{client: client}
}

// Close releases the connection pool.
func (s *ChallengeStore) Close() error {
	return s.client.Close()
}

// record is the stored form of a challenge. Challenge hides the channel
// code from client-facing JSON; storage needs it back on read.
type record struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	Method      mfa.Method `json:"method"`
	Action      string     `json:"action,omitempty"`
	Code        string     `json:"code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Status      mfa.Status `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
}

func toRecord(c *mfa.Challenge) record {
	return record{
		ID:          c.ID,
		PrincipalID: c.PrincipalID,
		Method:      c.Method,
		Action:      c.Action,
		Code:        c.Code,
		CreatedAt:   c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
		Status:      c.Status,
		Attempts:    c.Attempts,
		MaxAttempts: c.MaxAttempts,
	}
}

func (r record) challenge() *mfa.Challenge {
	return &mfa.Challenge{
		ID:          r.ID,
		PrincipalID: r.PrincipalID,
		Method:      r.Method,
		Action:      r.Action,
		Code:        r.Code,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		Status:      r.Status,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
	}
}

// Create stores a new challenge with key expiry at ExpiresAt plus grace.
func (s *ChallengeStore) Create(ctx context.Context, challenge *mfa.Challenge) error {
	data, err := json.Marshal(toRecord(challenge))
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+challenge.ID, data, ttlFor(challenge)).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

// Get retrieves a challenge by ID. Returns mfa.ErrChallengeNotFound if
// the challenge doesn't exist or its key expired.
func (s *ChallengeStore) Get(ctx context.Context, id string) (*mfa.Challenge, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, mfa.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch challenge: %w", err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return r.challenge(), nil
}

// Update saves changes to an existing challenge, keeping the original
// key expiry. Returns mfa.ErrChallengeNotFound for a missing key.
func (s *ChallengeStore) Update(ctx context.Context, challenge *mfa.Challenge) error {
	data, err := json.Marshal(toRecord(challenge))
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}

	// SET XX KEEPTTL: write only when the key exists, without
	// restarting its TTL.
	set, err := s.client.SetXX(ctx, keyPrefix+challenge.ID, data, goredis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	if !set {
		return mfa.ErrChallengeNotFound
	}
	return nil
}

// Delete removes a challenge. Deleting a missing challenge is not an
// error.
func (s *ChallengeStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// ttlFor computes the key expiry: challenge TTL plus grace, floored so
// even an already-lapsed challenge stays readable for a while.
func ttlFor(c *mfa.Challenge) time.Duration {
	ttl := time.Until(c.ExpiresAt) + expiredGrace
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Compile-time interface verification.
var _ mfa.ChallengeStore = (*ChallengeStore)(nil)
