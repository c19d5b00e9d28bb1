package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

type fakeChangeStore struct {
	entries map[string][]*ChangeEntry
}

func newFakeChangeStore() *fakeChangeStore {
	return &fakeChangeStore{entries: make(map[string][]*ChangeEntry)}
}

func (f *fakeChangeStore) Append(_ context.Context, e *ChangeEntry) error {
	hist := f.entries[e.PolicyName]
	want := 1
	if len(hist) > 0 {
		want = hist[len(hist)-1].Version + 1
	}
	if e.Version != want {
		return ErrVersionConflict
	}
	f.entries[e.PolicyName] = append(hist, e)
	return nil
}

func (f *fakeChangeStore) Latest(_ context.Context, name string) (*ChangeEntry, error) {
	hist := f.entries[name]
	if len(hist) == 0 {
		return nil, ErrNoChanges
	}
	return hist[len(hist)-1], nil
}

func (f *fakeChangeStore) List(_ context.Context, name string, limit int) ([]*ChangeEntry, error) {
	hist := f.entries[name]
	out := make([]*ChangeEntry, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// conflictingStore fails the first n appends with a version conflict.
type conflictingStore struct {
	*fakeChangeStore
	conflicts int
}

func (c *conflictingStore) Append(ctx context.Context, e *ChangeEntry) error {
	if c.conflicts > 0 {
		c.conflicts--
		return ErrVersionConflict
	}
	return c.fakeChangeStore.Append(ctx, e)
}

func TestChangeLog_FirstVersion(t *testing.T) {
	log := NewChangeLog(newFakeChangeStore())

	entry, err := log.Record(context.Background(), ChangeInput{
		PolicyName: "deny-prod-writes",
		Kind:       ChangeCreated,
		AuthorID:   "alice",
		Content:    "package rules\ndefault allow = false\n",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if entry.Version != 1 {
		t.Errorf("expected version 1, got %d", entry.Version)
	}
	sum := sha256.Sum256([]byte(entry.Content))
	if entry.ContentHash != hex.EncodeToString(sum[:]) {
		t.Errorf("content hash mismatch: %s", entry.ContentHash)
	}
	if !strings.Contains(entry.Diff, "+package rules") {
		t.Errorf("expected added lines in diff, got %q", entry.Diff)
	}
	if entry.ID == "" || entry.CreatedAt.IsZero() {
		t.Error("entry id and timestamp must be set")
	}
}

func TestChangeLog_VersionSequence(t *testing.T) {
	log := NewChangeLog(newFakeChangeStore())
	ctx := context.Background()

	contents := []string{"allow = false\n", "allow = true\n", "allow = input.safe\n"}
	kinds := []ChangeKind{ChangeCreated, ChangeUpdated, ChangeUpdated}
	for i, content := range contents {
		entry, err := log.Record(ctx, ChangeInput{
			PolicyName: "demo",
			Kind:       kinds[i],
			AuthorID:   "alice",
			Content:    content,
		})
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if entry.Version != i+1 {
			t.Errorf("record %d: expected version %d, got %d", i, i+1, entry.Version)
		}
	}

	latest, err := log.History(ctx, "demo", 1)
	if err != nil || len(latest) != 1 {
		t.Fatalf("History: %v (%d entries)", err, len(latest))
	}
	diff := latest[0].Diff
	if !strings.Contains(diff, "-allow = true") || !strings.Contains(diff, "+allow = input.safe") {
		t.Errorf("expected diff against previous version, got %q", diff)
	}
	if !strings.Contains(diff, "+++ demo@v3") || !strings.Contains(diff, "--- demo@v2") {
		t.Errorf("expected versioned diff headers, got %q", diff)
	}
}

func TestChangeLog_PerNameScoping(t *testing.T) {
	log := NewChangeLog(newFakeChangeStore())
	ctx := context.Background()

	for _, step := range []struct {
		name    string
		version int
	}{
		{"alpha", 1}, {"beta", 1}, {"alpha", 2}, {"beta", 2}, {"alpha", 3},
	} {
		entry, err := log.Record(ctx, ChangeInput{
			PolicyName: step.name,
			Kind:       ChangeUpdated,
			AuthorID:   "alice",
			Content:    step.name,
		})
		if err != nil {
			t.Fatalf("Record %s: %v", step.name, err)
		}
		if entry.Version != step.version {
			t.Errorf("%s: expected version %d, got %d", step.name, step.version, entry.Version)
		}
	}
}

func TestChangeLog_Validation(t *testing.T) {
	log := NewChangeLog(newFakeChangeStore())
	ctx := context.Background()

	if _, err := log.Record(ctx, ChangeInput{PolicyName: "x", Kind: "renamed"}); err == nil {
		t.Error("expected error for unknown change kind")
	}
	if _, err := log.Record(ctx, ChangeInput{Kind: ChangeCreated}); err == nil {
		t.Error("expected error for empty policy name")
	}
}

func TestChangeLog_RetriesVersionConflict(t *testing.T) {
	store := &conflictingStore{fakeChangeStore: newFakeChangeStore(), conflicts: 2}
	log := NewChangeLog(store)

	entry, err := log.Record(context.Background(), ChangeInput{
		PolicyName: "raced",
		Kind:       ChangeCreated,
		AuthorID:   "alice",
		Content:    "x\n",
	})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if entry.Version != 1 {
		t.Errorf("expected version 1 after retries, got %d", entry.Version)
	}

	store.conflicts = appendRetries
	if _, err := log.Record(context.Background(), ChangeInput{
		PolicyName: "raced",
		Kind:       ChangeUpdated,
		AuthorID:   "alice",
		Content:    "y\n",
	}); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected conflict after exhausted retries, got %v", err)
	}
}
