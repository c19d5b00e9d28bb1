package admin

import (
	"net/http"
	"testing"
	"time"

	"github.com/sark-labs/sark/internal/adapter/outbound/memory"
	"github.com/sark-labs/sark/internal/domain/mfa"
	"github.com/sark-labs/sark/internal/service"
)

func newChallengeRoutes(t *testing.T) (http.Handler, *service.MFAService) {
	t.Helper()
	svc := service.NewMFAService(
		memory.NewChallengeStore(),
		memory.NewSecretStore(),
		mfa.Config{},
		testLogger(),
	)
	h := NewAdminAPIHandler(
		WithAPILogger(testLogger()),
		WithMFAService(svc),
	)
	return h.Routes(), svc
}

func TestEnrollTOTP(t *testing.T) {
	routes, svc := newChallengeRoutes(t)

	rec := doAdmin(t, routes, http.MethodPost, "/admin/api/mfa/enroll", map[string]string{
		"principal_id": "alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["secret"] == "" || resp["uri"] == "" {
		t.Fatalf("resp = %+v, want secret and uri", resp)
	}

	// The stored secret verifies: a TOTP challenge for alice must exist
	// and accept a code derived from the returned secret.
	challenge, err := svc.Create(t.Context(), "alice", mfa.MethodTOTP, "export_orders")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	code, err := mfa.GenerateTOTP(resp["secret"], time.Now())
	if err != nil {
		t.Fatalf("GenerateTOTP() error = %v", err)
	}
	ok, err := svc.VerifyChallenge(t.Context(), "alice", challenge.ID, code)
	if err != nil {
		t.Fatalf("VerifyChallenge() error = %v", err)
	}
	if !ok {
		t.Error("code from enrolled secret rejected")
	}
}

func TestEnrollTOTP_MissingPrincipal(t *testing.T) {
	routes, _ := newChallengeRoutes(t)

	rec := doAdmin(t, routes, http.MethodPost, "/admin/api/mfa/enroll", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestInspectChallenge(t *testing.T) {
	routes, svc := newChallengeRoutes(t)

	challenge, err := svc.Create(t.Context(), "alice", mfa.MethodTOTP, "export_orders")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := doAdmin(t, routes, http.MethodGet, "/admin/api/challenges/"+challenge.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var dto challengeDTO
	decodeJSON(t, rec, &dto)
	if dto.ID != challenge.ID || dto.PrincipalID != "alice" {
		t.Errorf("dto = %+v", dto)
	}
	if dto.Status != string(mfa.StatusPending) || dto.Action != "export_orders" {
		t.Errorf("status = %q action = %q", dto.Status, dto.Action)
	}
	if dto.Expired {
		t.Error("fresh challenge reported expired")
	}
}

// The inspection payload must never include the delivered code.
func TestInspectChallenge_CodeNeverSerialized(t *testing.T) {
	routes, svc := newChallengeRoutes(t)

	challenge, err := svc.Create(t.Context(), "alice", mfa.MethodSMS, "export_orders")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if challenge.Code == "" {
		t.Fatal("sms challenge has no code")
	}

	rec := doAdmin(t, routes, http.MethodGet, "/admin/api/challenges/"+challenge.ID, nil)
	var raw map[string]interface{}
	decodeJSON(t, rec, &raw)
	if _, ok := raw["code"]; ok {
		t.Error("response exposes the challenge code")
	}
}

func TestInspectChallenge_Unknown404(t *testing.T) {
	routes, _ := newChallengeRoutes(t)

	rec := doAdmin(t, routes, http.MethodGet, "/admin/api/challenges/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestApproveChallenge(t *testing.T) {
	routes, svc := newChallengeRoutes(t)

	challenge, err := svc.Create(t.Context(), "alice", mfa.MethodTOTP, "export_orders")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := doAdmin(t, routes, http.MethodPost, "/admin/api/challenges/"+challenge.ID+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["status"] != string(mfa.StatusApproved) {
		t.Errorf("status = %q, want approved", resp["status"])
	}

	got, err := svc.InspectChallenge(t.Context(), challenge.ID)
	if err != nil {
		t.Fatalf("InspectChallenge() error = %v", err)
	}
	if got.Status != mfa.StatusApproved {
		t.Errorf("stored status = %q, want approved", got.Status)
	}
}

func TestDenyChallenge(t *testing.T) {
	routes, svc := newChallengeRoutes(t)

	challenge, err := svc.Create(t.Context(), "alice", mfa.MethodTOTP, "export_orders")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := doAdmin(t, routes, http.MethodPost, "/admin/api/challenges/"+challenge.ID+"/deny", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	got, err := svc.InspectChallenge(t.Context(), challenge.ID)
	if err != nil {
		t.Fatalf("InspectChallenge() error = %v", err)
	}
	if got.Status != mfa.StatusDenied {
		t.Errorf("stored status = %q, want denied", got.Status)
	}
}

func TestResolveChallenge_Conflicts(t *testing.T) {
	routes, svc := newChallengeRoutes(t)

	challenge, err := svc.Create(t.Context(), "alice", mfa.MethodTOTP, "export_orders")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.DenyChallenge(t.Context(), challenge.ID); err != nil {
		t.Fatalf("DenyChallenge() error = %v", err)
	}

	// A finalized challenge cannot be approved or denied again.
	rec := doAdmin(t, routes, http.MethodPost, "/admin/api/challenges/"+challenge.ID+"/approve", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("approve after deny status = %d, want 409", rec.Code)
	}
	rec = doAdmin(t, routes, http.MethodPost, "/admin/api/challenges/"+challenge.ID+"/deny", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second deny status = %d, want 409", rec.Code)
	}

	rec = doAdmin(t, routes, http.MethodPost, "/admin/api/challenges/ghost/approve", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown approve status = %d, want 404", rec.Code)
	}
}
