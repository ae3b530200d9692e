package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newGitState(t *testing.T) (*GitState, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewGitState(dir)
	if err != nil {
		t.Fatalf("NewGitState: %v", err)
	}
	return s, dir
}

func TestSnapshotAndList(t *testing.T) {
	s, dir := newGitState(t)

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := s.Snapshot("  wrote   a.txt\nsecond line  ")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if id == "" {
		t.Fatal("empty snapshot id")
	}

	snaps, err := s.ListSnapshots(20)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) < 2 {
		t.Fatalf("expected initial + 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].ID != id {
		t.Fatalf("newest first: got %s want %s", snaps[0].ID, id)
	}
	if snaps[0].Label != "wrote a.txt second line" {
		t.Fatalf("label not whitespace-collapsed: %q", snaps[0].Label)
	}
	if snaps[len(snaps)-1].Label != "Initial workspace state" {
		t.Fatalf("missing initial snapshot: %+v", snaps)
	}
}

func TestSnapshotEmptyLabelAndNoChanges(t *testing.T) {
	s, _ := newGitState(t)
	id, err := s.Snapshot("   ")
	if err != nil {
		t.Fatalf("empty-change snapshot must still commit: %v", err)
	}
	snaps, _ := s.ListSnapshots(5)
	if snaps[0].ID != id || snaps[0].Label != "Workspace snapshot" {
		t.Fatalf("default label missing: %+v", snaps[0])
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	s, dir := newGitState(t)
	file := filepath.Join(dir, "state.txt")

	if err := os.WriteFile(file, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := s.Snapshot("v1")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(file, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Snapshot("v2"); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore(first); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil || string(data) != "v1" {
		t.Fatalf("content after restore = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "extra.txt")); !os.IsNotExist(err) {
		t.Fatal("untracked-at-snapshot file survived restore")
	}

	head, err := s.DescribeHead()
	if err != nil || head == nil {
		t.Fatalf("DescribeHead: %v", err)
	}
	if head.ID != first {
		t.Fatalf("head = %s, want %s", head.ID, first)
	}
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	s, _ := newGitState(t)
	err := s.Restore("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if !errors.Is(err, ErrSnapshotUnknown) {
		t.Fatalf("want ErrSnapshotUnknown, got %v", err)
	}
}

func TestEnsureBranch(t *testing.T) {
	s, _ := newGitState(t)
	if err := s.EnsureBranch("timeline"); err != nil {
		t.Fatalf("EnsureBranch: %v", err)
	}
	// Second call must be a no-op against the existing branch.
	if err := s.EnsureBranch("timeline"); err != nil {
		t.Fatalf("EnsureBranch repeat: %v", err)
	}
}

func TestNullState(t *testing.T) {
	var s State = NullState{}
	if s.Enabled() {
		t.Fatal("null state reports enabled")
	}
	if id, err := s.Snapshot("x"); id != "" || err != nil {
		t.Fatalf("null snapshot: %q %v", id, err)
	}
	if err := s.Restore("anything"); !errors.Is(err, ErrStateDisabled) {
		t.Fatalf("null restore: %v", err)
	}
}
