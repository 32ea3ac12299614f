package friends

import (
	"context"
	"errors"
	"testing"

	"github.com/wolfman30/autoreply/internal/apperr"
	"github.com/wolfman30/autoreply/internal/conditions"
)

func TestInMemoryRepositoryTags(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	f := repo.Put(Friend{TenantID: "tenant-1", PlatformUserID: "U1", DisplayName: "Mina"})

	added, err := repo.AddTag(ctx, "tenant-1", f.ID, "interested")
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = repo.AddTag(ctx, "tenant-1", f.ID, "interested")
	if err != nil || added {
		t.Fatalf("second add should be a no-op: added=%v err=%v", added, err)
	}
	tags, _ := repo.ListTagIDs(ctx, "tenant-1", f.ID)
	if len(tags) != 1 || tags[0] != "interested" {
		t.Fatalf("expected one tag, got %v", tags)
	}

	removed, err := repo.RemoveTag(ctx, "tenant-1", f.ID, "absent")
	if err != nil || removed {
		t.Fatalf("removing an absent tag should be a no-op: removed=%v err=%v", removed, err)
	}
	removed, _ = repo.RemoveTag(ctx, "tenant-1", f.ID, "interested")
	if !removed {
		t.Fatal("expected tag removal")
	}
}

func TestInMemoryRepositoryTenantScoping(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	f := repo.Put(Friend{TenantID: "tenant-1", PlatformUserID: "U1"})

	if _, err := repo.GetByID(ctx, "tenant-2", f.ID); !errors.Is(err, ErrFriendNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
	if !errors.Is(ErrFriendNotFound, apperr.ErrNotFound) {
		t.Fatal("ErrFriendNotFound should be an apperr.ErrNotFound")
	}
	got, err := repo.GetByID(ctx, "", f.ID)
	if err != nil || got.TenantID != "tenant-1" {
		t.Fatalf("expected lookup without tenant to succeed, got %v %v", got, err)
	}
}

func TestInMemoryRepositoryMergeMetadataReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	f := repo.Put(Friend{TenantID: "tenant-1", Metadata: map[string]any{"plan": "silver", "city": "Kobe"}})

	if err := repo.MergeMetadata(ctx, "tenant-1", f.ID, map[string]any{"plan": "gold"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, _ := repo.GetByID(ctx, "tenant-1", f.ID)
	if got.Metadata["plan"] != "gold" || got.Metadata["city"] != "Kobe" {
		t.Fatalf("unexpected metadata: %v", got.Metadata)
	}
	got.Metadata["plan"] = "mutated"
	again, _ := repo.GetByID(ctx, "tenant-1", f.ID)
	if again.Metadata["plan"] != "gold" {
		t.Fatal("caller mutation leaked into the store")
	}
	if err := repo.MergeMetadata(ctx, "tenant-1", "missing", map[string]any{"x": 1}); !errors.Is(err, ErrFriendNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemorySegmentRepository(t *testing.T) {
	repo := NewInMemorySegmentRepository()
	repo.Put(conditions.Segment{ID: "seg-1", TenantID: "tenant-1"})
	repo.Put(conditions.Segment{ID: "seg-2", TenantID: "tenant-2"})

	got, err := repo.GetSegments(context.Background(), "tenant-1", []string{"seg-1", "seg-2", "seg-3"})
	if err != nil {
		t.Fatalf("get segments: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the tenant's segment, got %v", got)
	}
}

func TestFriendSubject(t *testing.T) {
	f := &Friend{ID: "f1", PlatformUserID: "U1", DisplayName: "Ren", TagIDs: []string{"a"}}
	s := f.Subject()
	if s.ID != "f1" || s.PlatformUserID != "U1" || len(s.TagIDs) != 1 {
		t.Fatalf("unexpected subject: %+v", s)
	}
	if !f.HasTag("a") || f.HasTag("b") {
		t.Fatal("HasTag mismatch")
	}
}
