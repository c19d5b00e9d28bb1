package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Challenge lifecycle errors.
var (
	// ErrUnsupportedMethod is returned for methods outside the catalog.
	ErrUnsupportedMethod = errors.New("unsupported challenge method")
	// ErrChallengeTerminal is returned when an operation targets a
	// challenge that already reached a terminal state.
	ErrChallengeTerminal = errors.New("challenge already finalized")
)

// Config holds challenge service configuration.
type Config struct {
	// Timeout is the challenge TTL. Default: 120 seconds.
	Timeout time.Duration
	// MaxAttempts is the verification attempt limit. Default: 3.
	MaxAttempts int
	// TOTPWindow is the accepted step drift for TOTP codes. Default: 1.
	TOTPWindow int
}

// Deliverer sends a challenge to a principal out of band.
// Implementations: SMS, email, and push notification senders.
type Deliverer interface {
	Deliver(ctx context.Context, challenge *Challenge) error
}

// TransitionFunc observes challenge state transitions, including the
// initial transition into Pending. Used for audit emission.
type TransitionFunc func(ctx context.Context, challenge *Challenge)

// ChallengeService manages the challenge lifecycle.
type ChallengeService struct {
	store        ChallengeStore
	secrets      SecretStore
	deliverers   map[Method]Deliverer
	logger       *slog.Logger
	onTransition TransitionFunc
	timeout      time.Duration
	maxAttempts  int
	totpWindow   int
}

// ChallengeServiceOption configures a ChallengeService.
type ChallengeServiceOption func(*ChallengeService)

// WithDeliverer registers the sender for a channel method.
func WithDeliverer(method Method, d Deliverer) ChallengeServiceOption {
	return func(s *ChallengeService) {
		s.deliverers[method] = d
	}
}

// WithTransitionHook sets the state-transition observer.
func WithTransitionHook(fn TransitionFunc) ChallengeServiceOption {
	return func(s *ChallengeService) {
		s.onTransition = fn
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ChallengeServiceOption {
	return func(s *ChallengeService) {
		s.logger = logger
	}
}

// NewChallengeService creates a ChallengeService with the given stores
// and config.
func NewChallengeService(store ChallengeStore, secrets SecretStore, cfg Config, opts ...ChallengeServiceOption) *ChallengeService {
	s := &ChallengeService{
		store:       store,
		secrets:     secrets,
		deliverers:  make(map[Method]Deliverer),
		logger:      slog.Default(),
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		totpWindow:  cfg.TOTPWindow,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.totpWindow <= 0 {
		s.totpWindow = DefaultTOTPWindow
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new pending challenge for a principal and dispatches
// delivery for channel methods. Delivery failures are logged and do not
// fail creation.
func (s *ChallengeService) Create(ctx context.Context, principalID string, method Method, action string) (*Challenge, error) {
	if !method.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}

	now := time.Now().UTC()
	challenge := &Challenge{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Method:      method,
		Action:      action,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.timeout),
		Status:      StatusPending,
		MaxAttempts: s.maxAttempts,
	}

	if method.HasCode() {
		code, err := GenerateChannelCode()
		if err != nil {
			return nil, err
		}
		challenge.Code = code
	}

	if err := s.store.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	s.emit(ctx, challenge)

	if method != MethodTOTP {
		s.deliver(ctx, challenge)
	}

	return challenge, nil
}

// Verify runs one verification attempt against a challenge. A missing
// challenge, a principal mismatch, or a finalized challenge verifies
// false without consuming an attempt. Expiry and attempt exhaustion
// finalize the challenge before the code is checked.
func (s *ChallengeService) Verify(ctx context.Context, principalID, challengeID, code string) (bool, error) {
	challenge, err := s.store.Get(ctx, challengeID)
	if errors.Is(err, ErrChallengeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch challenge: %w", err)
	}
	if challenge.PrincipalID != principalID {
		return false, nil
	}

	if challenge.Status.IsTerminal() {
		// A push challenge approved out of band verifies true when
		// polled; everything else is spent.
		return challenge.Method == MethodPush && challenge.Status == StatusApproved, nil
	}

	if challenge.IsExpired() {
		return false, s.finalize(ctx, challenge, StatusExpired)
	}

	challenge.Attempts++
	if challenge.Attempts > challenge.MaxAttempts {
		return false, s.finalize(ctx, challenge, StatusDenied)
	}

	ok, err := s.checkCode(ctx, challenge, code)
	if err != nil {
		if uerr := s.store.Update(ctx, challenge); uerr != nil {
			s.logger.Warn("failed to persist challenge attempt", "challenge_id", challenge.ID, "error", uerr)
		}
		return false, err
	}
	if !ok {
		if err := s.store.Update(ctx, challenge); err != nil {
			return false, fmt.Errorf("update challenge: %w", err)
		}
		return false, nil
	}

	return true, s.finalize(ctx, challenge, StatusApproved)
}

// Approve finalizes a challenge out of band. This is the approval path
// for push challenges and the admin override for the rest.
func (s *ChallengeService) Approve(ctx context.Context, challengeID string) error {
	return s.resolve(ctx, challengeID, StatusApproved)
}

// Deny finalizes a challenge as denied out of band.
func (s *ChallengeService) Deny(ctx context.Context, challengeID string) error {
	return s.resolve(ctx, challengeID, StatusDenied)
}

// Get returns a challenge by id for the given principal.
func (s *ChallengeService) Get(ctx context.Context, principalID, challengeID string) (*Challenge, error) {
	challenge, err := s.store.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if challenge.PrincipalID != principalID {
		return nil, ErrChallengeNotFound
	}
	return challenge, nil
}

// Inspect returns a challenge by id without the principal scope check.
// Operator use only; callers must not expose this on principal-facing
// surfaces.
func (s *ChallengeService) Inspect(ctx context.Context, challengeID string) (*Challenge, error) {
	return s.store.Get(ctx, challengeID)
}

func (s *ChallengeService) resolve(ctx context.Context, challengeID string, status Status) error {
	challenge, err := s.store.Get(ctx, challengeID)
	if err != nil {
		return err
	}
	if challenge.Status.IsTerminal() {
		return ErrChallengeTerminal
	}
	if challenge.IsExpired() {
		if err := s.finalize(ctx, challenge, StatusExpired); err != nil {
			return err
		}
		return ErrChallengeTerminal
	}
	return s.finalize(ctx, challenge, status)
}

// finalize transitions a challenge into a terminal state and persists it.
func (s *ChallengeService) finalize(ctx context.Context, challenge *Challenge, status Status) error {
	challenge.Status = status
	if err := s.store.Update(ctx, challenge); err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	s.emit(ctx, challenge)
	return nil
}

// checkCode runs the method-specific verification.
func (s *ChallengeService) checkCode(ctx context.Context, challenge *Challenge, code string) (bool, error) {
	switch challenge.Method {
	case MethodTOTP:
		secret, err := s.secrets.GetSecret(ctx, challenge.PrincipalID)
		if err != nil {
			return false, err
		}
		return VerifyTOTP(secret, code, time.Now(), s.totpWindow)
	case MethodSMS, MethodEmail:
		if challenge.Code == "" || code == "" {
			return false, nil
		}
		return subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) == 1, nil
	case MethodPush:
		// Pending push challenges approve only through Approve.
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedMethod, challenge.Method)
	}
}

func (s *ChallengeService) deliver(ctx context.Context, challenge *Challenge) {
	d, ok := s.deliverers[challenge.Method]
	if !ok {
		s.logger.Warn("no deliverer registered for challenge method",
			"method", challenge.Method, "challenge_id", challenge.ID)
		return
	}
	if err := d.Deliver(ctx, challenge); err != nil {
		s.logger.Error("challenge delivery failed",
			"method", challenge.Method, "challenge_id", challenge.ID, "error", err)
	}
}

func (s *ChallengeService) emit(ctx context.Context, challenge *Challenge) {
	if s.onTransition != nil {
		s.onTransition(ctx, challenge)
	}
}

// GenerateChannelCode returns a uniform random 6-digit code.
func GenerateChannelCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate channel code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeDigits, n.Int64()), nil
}
