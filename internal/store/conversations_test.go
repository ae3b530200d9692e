package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kexinoh/free-OKC/internal/config"
)

func newTestStore(t *testing.T) (*Conversations, string) {
	t.Helper()
	base := t.TempDir()

	prev := config.Get()
	cfg := config.Default()
	cfg.Workspace.Path = base
	config.Set(cfg)
	t.Cleanup(func() { config.Set(prev) })

	store, err := Open("sqlite://"+filepath.Join(base, "okcvm.db"), Options{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, base
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	saved, err := store.Save("alice", map[string]interface{}{
		"id":        "conv-1",
		"title":     "  Landing page  ",
		"createdAt": "2026-08-01T10:00:00Z",
		"updatedAt": "2026-08-01T11:30:00Z",
		"messages":  []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved["id"] != "conv-1" {
		t.Errorf("saved id = %v", saved["id"])
	}

	got, err := store.Get("alice", "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["title"] != "  Landing page  " {
		t.Errorf("title = %v", got["title"])
	}
	messages := got["messages"].([]interface{})
	if len(messages) != 1 {
		t.Errorf("messages = %v", messages)
	}

	if _, err := store.Get("mallory", "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-client get = %v", err)
	}
	if _, err := store.Get("alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get = %v", err)
	}
}

func TestSaveDefaultsTitleAndID(t *testing.T) {
	store, _ := newTestStore(t)

	saved, err := store.Save("alice", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, _ := saved["id"].(string)
	if id == "" {
		t.Fatal("no id generated")
	}

	got, err := store.Get("alice", id)
	if err != nil {
		t.Fatal(err)
	}
	if got["title"] != "新的会话" {
		t.Errorf("title = %v", got["title"])
	}
}

func TestSaveRejectsClientMismatch(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Save("alice", map[string]interface{}{"id": "conv-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save("bob", map[string]interface{}{"id": "conv-1"}); !errors.Is(err, ErrClientMismatch) {
		t.Errorf("err = %v", err)
	}
}

func TestListOrdersByUpdatedAt(t *testing.T) {
	store, _ := newTestStore(t)

	for _, conv := range []map[string]interface{}{
		{"id": "old", "updatedAt": "2026-08-01T09:00:00Z"},
		{"id": "new", "updatedAt": "2026-08-02T09:00:00Z"},
	} {
		if _, err := store.Save("alice", conv); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Save("bob", map[string]interface{}{"id": "other"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.List("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0]["id"] != "new" || list[1]["id"] != "old" {
		t.Fatalf("list = %+v", list)
	}
}

func TestSideColumnsBackfillPayload(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Save("alice", map[string]interface{}{
		"id": "conv-1",
		"workspace": map[string]interface{}{
			"paths": map[string]interface{}{
				"internal_root": "/tmp/okcvm/sessions/okcvm-abc",
				"mount":         "/mnt/okcvm-abc",
				"session_id":    "okcvm-abc",
			},
			"git": map[string]interface{}{"commit": "deadbeef", "is_dirty": true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Get("alice", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	workspace := got["workspace"].(map[string]interface{})
	git := workspace["git"].(map[string]interface{})
	if git["commit"] != "deadbeef" || git["is_dirty"] != true {
		t.Errorf("git = %v", git)
	}
}

func TestDeleteRemovesWorkspaceInsideBase(t *testing.T) {
	store, base := newTestStore(t)

	sessionRoot := filepath.Join(base, "okcvm-target")
	if err := os.MkdirAll(sessionRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := store.Save("alice", map[string]interface{}{
		"id": "conv-1",
		"workspace": map[string]interface{}{
			"paths": map[string]interface{}{
				"internal_root": sessionRoot,
				"session_id":    "okcvm-target",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	removed, summary, err := store.Delete("alice", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !removed || summary["removed"] != true {
		t.Fatalf("summary = %+v", summary)
	}
	if _, statErr := os.Stat(sessionRoot); !os.IsNotExist(statErr) {
		t.Error("workspace survived delete")
	}
	if _, err := store.Get("alice", "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("row survived delete: %v", err)
	}
}

func TestDeleteRefusesOutsideBase(t *testing.T) {
	store, _ := newTestStore(t)

	outside := t.TempDir()
	_, err := store.Save("alice", map[string]interface{}{
		"id": "conv-1",
		"workspace": map[string]interface{}{
			"paths": map[string]interface{}{"internal_root": outside},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	removed, summary, err := store.Delete("alice", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("row not deleted")
	}
	if summary["removed"] != false || summary["error"] != "workspace outside configured root" {
		t.Fatalf("summary = %+v", summary)
	}
	if _, statErr := os.Stat(outside); statErr != nil {
		t.Error("outside directory removed")
	}
}

func TestDeleteMissingConversation(t *testing.T) {
	store, _ := newTestStore(t)
	removed, summary, err := store.Delete("alice", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if removed || summary["removed"] != false {
		t.Errorf("removed = %v summary = %+v", removed, summary)
	}
}

func TestNormaliseTimestamp(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want string
	}{
		{"2026-08-01T10:00:00Z", "2026-08-01T10:00:00Z"},
		{"2026-08-01T10:00:00+00:00", "2026-08-01T10:00:00Z"},
		{"2026-08-01T12:00:00+02:00", "2026-08-01T10:00:00Z"},
		{"2026-08-01T10:00:00", "2026-08-01T10:00:00Z"},
		{"not a time", "2026-01-01T00:00:00Z"},
		{"", "2026-01-01T00:00:00Z"},
	}
	for _, tc := range cases {
		got := normaliseTimestamp(tc.in, fallback)
		if got.Format(time.RFC3339) != tc.want {
			t.Errorf("normaliseTimestamp(%q) = %s, want %s", tc.in, got.Format(time.RFC3339), tc.want)
		}
	}
}
