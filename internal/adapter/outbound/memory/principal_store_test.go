package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/sark-labs/sark/internal/domain/principal"
)

func TestPrincipalStore_GetPrincipal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPrincipalStore()

	store.AddPrincipal(&principal.Principal{
		ID:    "alice",
		Email: "alice@example.com",
		Role:  "developer",
		Teams: []string{"payments"},
	})

	got, err := store.GetPrincipal(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPrincipal() error: %v", err)
	}
	if got.Role != "developer" {
		t.Errorf("Role = %s, want developer", got.Role)
	}

	// Mutating the returned copy must not affect the store.
	got.Teams[0] = "mutated"
	again, _ := store.GetPrincipal(ctx, "alice")
	if again.Teams[0] != "payments" {
		t.Error("store contents were mutated through a returned copy")
	}

	_, err = store.GetPrincipal(ctx, "nobody")
	if !errors.Is(err, principal.ErrPrincipalNotFound) {
		t.Errorf("GetPrincipal(nobody) error = %v, want ErrPrincipalNotFound", err)
	}
}

func TestPrincipalStore_GetAPIKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPrincipalStore()

	store.AddKey(&principal.APIKey{
		Key:         "sha256:abc123",
		PrincipalID: "alice",
		Name:        "ci key",
	})

	got, err := store.GetAPIKey(ctx, "sha256:abc123")
	if err != nil {
		t.Fatalf("GetAPIKey() error: %v", err)
	}
	if got.PrincipalID != "alice" {
		t.Errorf("PrincipalID = %s, want alice", got.PrincipalID)
	}

	_, err = store.GetAPIKey(ctx, "sha256:missing")
	if !errors.Is(err, principal.ErrKeyNotFound) {
		t.Errorf("GetAPIKey(missing) error = %v, want ErrKeyNotFound", err)
	}
}

func TestPrincipalStore_ListAPIKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPrincipalStore()

	store.AddKey(&principal.APIKey{Key: "k1", PrincipalID: "alice"})
	store.AddKey(&principal.APIKey{Key: "k2", PrincipalID: "bob"})

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys() error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ListAPIKeys() returned %d keys, want 2", len(keys))
	}
}

func TestPrincipalStore_SetSuspended(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPrincipalStore()
	store.AddPrincipal(&principal.Principal{ID: "alice", Role: "developer"})

	if err := store.SetSuspended(ctx, "alice", true); err != nil {
		t.Fatalf("SetSuspended() error: %v", err)
	}
	got, _ := store.GetPrincipal(ctx, "alice")
	if !got.Suspended {
		t.Error("principal should be suspended")
	}

	if err := store.SetSuspended(ctx, "alice", false); err != nil {
		t.Fatalf("SetSuspended() error: %v", err)
	}
	got, _ = store.GetPrincipal(ctx, "alice")
	if got.Suspended {
		t.Error("principal should no longer be suspended")
	}

	err := store.SetSuspended(ctx, "nobody", true)
	if !errors.Is(err, principal.ErrPrincipalNotFound) {
		t.Errorf("SetSuspended(nobody) error = %v, want ErrPrincipalNotFound", err)
	}
}

func TestPrincipalStore_ListPrincipalsSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPrincipalStore()
	store.AddPrincipal(&principal.Principal{ID: "charlie"})
	store.AddPrincipal(&principal.Principal{ID: "alice"})
	store.AddPrincipal(&principal.Principal{ID: "bob"})

	got, err := store.ListPrincipals(ctx)
	if err != nil {
		t.Fatalf("ListPrincipals() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListPrincipals() returned %d, want 3", len(got))
	}
	for i, want := range []string{"alice", "bob", "charlie"} {
		if got[i].ID != want {
			t.Errorf("principal[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
}
