package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLinearMappingUpsertAndGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := s.UpsertLinearMapping("/home/u/p/", LinearProjectMapping{TeamID: "t1", TeamKey: "ENG", TeamName: "Engineering"})
	if err != nil {
		t.Fatalf("UpsertLinearMapping: %v", err)
	}
	if got.RepoRoot != "/home/u/p" {
		t.Errorf("expected the trailing slash to be normalized, got %q", got.RepoRoot)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected createdAt and updatedAt to be stamped")
	}

	// A lookup with the trailing slash present must still find it.
	found, ok := s.GetLinearMapping("/home/u/p/")
	if !ok {
		t.Fatal("expected a mapping to be found regardless of trailing slash")
	}
	if found.TeamKey != "ENG" {
		t.Errorf("TeamKey = %q, want ENG", found.TeamKey)
	}
}

func TestLinearMappingUpdatePreservesCreatedAt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := s.UpsertLinearMapping("/home/u/p", LinearProjectMapping{TeamID: "t1", TeamKey: "ENG"})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second, err := s.UpsertLinearMapping("/home/u/p", LinearProjectMapping{TeamID: "t1", TeamKey: "SRE"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected createdAt to be preserved across an update, got %v want %v", second.CreatedAt, first.CreatedAt)
	}
	if second.TeamKey != "SRE" {
		t.Errorf("expected the update to take effect, got TeamKey=%q", second.TeamKey)
	}
}

func TestLinearMappingGetUnknownReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.GetLinearMapping("/nowhere"); ok {
		t.Error("expected no mapping for an unknown repo root")
	}
}

func TestLinearMappingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.UpsertLinearMapping("/home/u/p", LinearProjectMapping{TeamID: "t1", TeamKey: "ENG", TeamName: "Engineering"}); err != nil {
		t.Fatalf("UpsertLinearMapping: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.GetLinearMapping("/home/u/p")
	if !ok {
		t.Fatal("expected the mapping to survive a reopen")
	}
	if got.TeamName != "Engineering" {
		t.Errorf("TeamName = %q, want Engineering", got.TeamName)
	}
}

func TestLinearProjectsCorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "linear-projects.json"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open on corrupt linear-projects.json should not error: %v", err)
	}
	if _, ok := s.GetLinearMapping("/anything"); ok {
		t.Error("expected a corrupt file to yield no mappings")
	}
}
