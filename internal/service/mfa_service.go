package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/mfa"
)

// TOTPIssuer is the issuer label embedded in enrollment URIs.
const TOTPIssuer = "SARK"

// MFAService fronts the challenge lifecycle for the pipeline's MFA gate
// and the admin surface, and turns every challenge transition into an
// audit event. It satisfies pipeline.ChallengeIssuer.
type MFAService struct {
	challenges *mfa.ChallengeService
	secrets    mfa.SecretStore
	recorder   EventRecorder // optional, may be nil
	logger     *slog.Logger
}

// MFAOption configures MFAService.
type MFAOption func(*MFAService, *[]mfa.ChallengeServiceOption)

// WithMFAAuditRecorder wires the audit sink for transition events.
func WithMFAAuditRecorder(recorder EventRecorder) MFAOption {
	return func(s *MFAService, _ *[]mfa.ChallengeServiceOption) {
		s.recorder = recorder
	}
}

// WithChallengeDeliverer registers the out-of-band sender for a channel
// method. SMS, email, and push challenges without a deliverer are still
// created; delivery is logged as missing.
func WithChallengeDeliverer(method mfa.Method, d mfa.Deliverer) MFAOption {
	return func(_ *MFAService, opts *[]mfa.ChallengeServiceOption) {
		*opts = append(*opts, mfa.WithDeliverer(method, d))
	}
}

// NewMFAService creates an MFAService over the given stores.
func NewMFAService(store mfa.ChallengeStore, secrets mfa.SecretStore, cfg mfa.Config, logger *slog.Logger, opts ...MFAOption) *MFAService {
	s := &MFAService{
		secrets: secrets,
		logger:  logger,
	}

	domainOpts := []mfa.ChallengeServiceOption{
		mfa.WithLogger(logger),
		mfa.WithTransitionHook(s.recordTransition),
	}
	for _, opt := range opts {
		opt(s, &domainOpts)
	}

	s.challenges = mfa.NewChallengeService(store, secrets, cfg, domainOpts...)
	return s
}

// Create issues a pending challenge. This is the pipeline's entry point;
// the challenge id travels back to the caller in the MFARequired error.
func (s *MFAService) Create(ctx context.Context, principalID string, method mfa.Method, action string) (*mfa.Challenge, error) {
	return s.challenges.Create(ctx, principalID, method, action)
}

// VerifyChallenge runs one verification attempt.
func (s *MFAService) VerifyChallenge(ctx context.Context, principalID, challengeID, code string) (bool, error) {
	ok, err := s.challenges.Verify(ctx, principalID, challengeID, code)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("mfa verification failed", "principal_id", principalID, "challenge_id", challengeID)
	}
	return ok, nil
}

// ApproveChallenge finalizes a challenge as approved. This is the push
// approval path and the admin override.
func (s *MFAService) ApproveChallenge(ctx context.Context, challengeID string) error {
	return s.challenges.Approve(ctx, challengeID)
}

// DenyChallenge finalizes a challenge as denied.
func (s *MFAService) DenyChallenge(ctx context.Context, challengeID string) error {
	return s.challenges.Deny(ctx, challengeID)
}

// GetChallenge returns a principal's challenge by id.
func (s *MFAService) GetChallenge(ctx context.Context, principalID, challengeID string) (*mfa.Challenge, error) {
	return s.challenges.Get(ctx, principalID, challengeID)
}

// InspectChallenge returns any challenge by id regardless of principal.
// Admin surface only.
func (s *MFAService) InspectChallenge(ctx context.Context, challengeID string) (*mfa.Challenge, error) {
	return s.challenges.Inspect(ctx, challengeID)
}

// TOTPEnrollment is the one-time result of enrolling a TOTP secret.
// The secret appears here and nowhere else.
type TOTPEnrollment struct {
	Secret string `json:"secret"`
	// URI is the otpauth:// provisioning link authenticator apps accept.
	URI string `json:"uri"`
}

// EnrollTOTP generates and stores a fresh TOTP secret for a principal,
// replacing any prior enrollment.
func (s *MFAService) EnrollTOTP(ctx context.Context, principalID string) (*TOTPEnrollment, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principal_id is required")
	}

	secret, err := mfa.GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}
	if err := s.secrets.SetSecret(ctx, principalID, secret); err != nil {
		return nil, fmt.Errorf("store totp secret: %w", err)
	}

	s.logger.Info("totp secret enrolled", "principal_id", principalID)
	if s.recorder != nil {
		s.recorder.Record(audit.Event{
			ID:            uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			EventType:     audit.EventTypeMFAChallenge,
			Severity:      audit.SeverityLow,
			PrincipalID:   principalID,
			Reason:        "totp secret enrolled",
			Details:       map[string]interface{}{"method": string(mfa.MethodTOTP), "action": "enroll"},
			RetentionDays: audit.RetentionFor(audit.EventTypeMFAChallenge),
		})
	}

	return &TOTPEnrollment{
		Secret: secret,
		URI:    totpURI(principalID, secret),
	}, nil
}

// totpURI builds the otpauth provisioning link per the Key Uri Format.
func totpURI(principalID, secret string) string {
	label := url.PathEscape(TOTPIssuer + ":" + principalID)
	query := url.Values{
		"secret":    {secret},
		"issuer":    {TOTPIssuer},
		"algorithm": {"SHA1"},
		"digits":    {"6"},
		"period":    {"30"},
	}
	return "otpauth://totp/" + label + "?" + query.Encode()
}

// recordTransition audits every challenge state change, the initial
// pending transition included.
func (s *MFAService) recordTransition(ctx context.Context, challenge *mfa.Challenge) {
	if s.recorder == nil {
		return
	}

	event := audit.Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		EventType:   audit.EventTypeMFAChallenge,
		Severity:    transitionSeverity(challenge.Status),
		PrincipalID: challenge.PrincipalID,
		Reason:      fmt.Sprintf("challenge %s for %s", challenge.Status, challenge.Action),
		Details: map[string]interface{}{
			"challenge_id": challenge.ID,
			"method":       string(challenge.Method),
			"action":       challenge.Action,
			"status":       string(challenge.Status),
			"attempts":     challenge.Attempts,
		},
	}
	switch challenge.Status {
	case mfa.StatusApproved:
		event.Decision = audit.DecisionAllow
	case mfa.StatusDenied, mfa.StatusExpired:
		event.Decision = audit.DecisionDeny
	}
	event.RetentionDays = audit.RetentionFor(event.EventType)
	s.recorder.Record(event)
}

// transitionSeverity ranks challenge transitions: attempt exhaustion is
// the one that suggests someone guessing codes.
func transitionSeverity(status mfa.Status) audit.Severity {
	switch status {
	case mfa.StatusDenied:
		return audit.SeverityHigh
	case mfa.StatusExpired:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}
