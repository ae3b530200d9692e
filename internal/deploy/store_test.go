package deploy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDeployAndResolve(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	site := writeSite(t, map[string]string{
		"index.html":    "<h1>hi</h1>",
		"css/style.css": "body{}",
	})

	record, err := store.Deploy(Options{SourceDir: site, SiteName: "My Site!", SessionID: "okcvm-abc"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(record.ID) != 6 {
		t.Errorf("id %q is not six digits", record.ID)
	}
	if record.Slug != "my-site" {
		t.Errorf("slug = %q", record.Slug)
	}
	if record.PreviewURL != "/?s="+record.ID+"&path=index.html" {
		t.Errorf("preview url = %q", record.PreviewURL)
	}

	for _, rel := range []string{"", "index.html", "css/style.css"} {
		if _, err := store.ResolveAsset(record.ID, rel); err != nil {
			t.Errorf("ResolveAsset(%q): %v", rel, err)
		}
	}
	if _, err := store.ResolveAsset(record.ID, "../"+record.ID+"/index.html"); !errors.Is(err, ErrBadAssetPath) {
		t.Errorf("traversal not rejected: %v", err)
	}
	if _, err := store.ResolveAsset(record.ID, "/etc/passwd"); !errors.Is(err, ErrBadAssetPath) {
		t.Errorf("absolute path not rejected: %v", err)
	}
	if _, err := store.ResolveAsset("999998", "index.html"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: %v", err)
	}
}

func TestDeployPromotesEntryFile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	site := writeSite(t, map[string]string{"home.html": "<p>home</p>", "notes.txt": "x"})

	record, err := store.Deploy(Options{SourceDir: site, EntryFile: "home.html", SessionID: "s"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(record.Target, "index.html"))
	if err != nil {
		t.Fatalf("promoted index missing: %v", err)
	}
	if string(data) != "<p>home</p>" {
		t.Errorf("index content = %q", data)
	}
}

func TestDeployPromotesLoneHTML(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	site := writeSite(t, map[string]string{"only.html": "<p>only</p>"})
	record, err := store.Deploy(Options{SourceDir: site, SessionID: "s"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(record.Target, "index.html")); err != nil {
		t.Errorf("lone html not promoted: %v", err)
	}
}

func TestDeployRejectsMissingIndex(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	site := writeSite(t, map[string]string{"a.html": "a", "b.html": "b"})
	if _, err := store.Deploy(Options{SourceDir: site}); err == nil {
		t.Fatal("ambiguous site accepted")
	}
}

func TestManifestHeadInsert(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	site := writeSite(t, map[string]string{"index.html": "x"})

	first, err := store.Deploy(Options{SourceDir: site, SiteName: "one", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Deploy(Options{SourceDir: site, SiteName: "two", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}

	records, err := store.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("manifest length = %d", len(records))
	}
	if records[0].ID != second.ID || records[1].ID != first.ID {
		t.Errorf("manifest order = %s, %s", records[0].ID, records[1].ID)
	}
}

func TestCleanupSession(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	site := writeSite(t, map[string]string{"index.html": "x"})

	mine, err := store.Deploy(Options{SourceDir: site, SessionID: "okcvm-mine"})
	if err != nil {
		t.Fatal(err)
	}
	other, err := store.Deploy(Options{SourceDir: site, SessionID: "okcvm-other"})
	if err != nil {
		t.Fatal(err)
	}

	summary := store.CleanupSession("okcvm-mine")
	if len(summary.RemovedIDs) != 1 || summary.RemovedIDs[0] != mine.ID {
		t.Fatalf("removed = %v", summary.RemovedIDs)
	}
	if _, err := store.Get(mine.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed deployment still readable: %v", err)
	}
	if _, err := store.Get(other.ID); err != nil {
		t.Errorf("unrelated deployment lost: %v", err)
	}

	records, err := store.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != other.ID {
		t.Errorf("manifest after cleanup = %+v", records)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"My Site!", "my-site"},
		{"  --Weird__name--  ", "weird-name"},
		{"数据报告", "site"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormaliseAssetPath(t *testing.T) {
	if got, _ := NormaliseAssetPath(""); got != "index.html" {
		t.Errorf("empty path = %q", got)
	}
	if got, _ := NormaliseAssetPath("docs/"); got != "docs/index.html" {
		t.Errorf("trailing slash = %q", got)
	}
	if !strings.HasSuffix(func() string { s, _ := NormaliseAssetPath("a/b.css"); return s }(), "a/b.css") {
		t.Error("plain path mangled")
	}
}
