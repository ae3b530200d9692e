package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Cleanup() })
	return m
}

func TestNewCreatesOutputDir(t *testing.T) {
	m := newTestManager(t)
	info, err := os.Stat(m.Paths().InternalOutput)
	if err != nil || !info.IsDir() {
		t.Fatalf("output dir missing: %v", err)
	}
	if !strings.HasPrefix(m.Paths().Mount, "/mnt/okcvm-") {
		t.Fatalf("unexpected mount %q", m.Paths().Mount)
	}
	if len(m.SessionID()) != len("okcvm-")+32 {
		t.Fatalf("session id %q, want a 32-hex token", m.SessionID())
	}
	if m.SessionID() != filepath.Base(m.Paths().InternalRoot) {
		t.Fatalf("session id %q does not match root %q", m.SessionID(), m.Paths().InternalRoot)
	}
}

func TestResolveVariants(t *testing.T) {
	m := newTestManager(t)
	root := m.Paths().InternalRoot

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"relative", "notes.txt", filepath.Join(root, "notes.txt")},
		{"relative nested", "output/site/index.html", filepath.Join(root, "output", "site", "index.html")},
		{"mount absolute", m.Paths().Mount + "/output/a.txt", filepath.Join(root, "output", "a.txt")},
		{"foreign absolute re-anchored", "/tmp/data.csv", filepath.Join(root, "tmp", "data.csv")},
		{"dot segments collapse", "a/./b/../c.txt", filepath.Join(root, "a", "c.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Resolve(tt.in)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.in, err)
			}
			// The temp dir may itself sit behind a symlink (macOS), so
			// compare suffixes relative to the workspace root.
			wantRel, _ := filepath.Rel(root, tt.want)
			if !strings.HasSuffix(got, string(filepath.Separator)+wantRel) && filepath.Base(got) != wantRel {
				gotRel := got
				if idx := strings.Index(got, m.SessionID()); idx >= 0 {
					gotRel = got[idx+len(m.SessionID())+1:]
				}
				if gotRel != wantRel {
					t.Fatalf("Resolve(%q) = %q, want suffix %q", tt.in, got, wantRel)
				}
			}
		})
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Resolve(""); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("empty path: %v", err)
	}
	if _, err := m.Resolve("../../etc/passwd"); !errors.Is(err, ErrEscapesWorkspace) {
		t.Fatalf("dotdot escape: %v", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	m := newTestManager(t)
	outside := t.TempDir()
	link := filepath.Join(m.Paths().InternalRoot, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := m.Resolve("sneaky/file.txt"); !errors.Is(err, ErrEscapesWorkspace) {
		t.Fatalf("symlink escape not caught: %v", err)
	}
}

func TestAdaptPrompt(t *testing.T) {
	m := newTestManager(t)
	in := "Write files to /mnt/okcomputer/output/ and read from /mnt/okcomputer/data.txt"
	got := m.AdaptPrompt(in)
	if strings.Contains(got, "/mnt/okcomputer") {
		t.Fatalf("legacy path survived: %q", got)
	}
	if !strings.Contains(got, m.Paths().Output+"/") || !strings.Contains(got, m.Paths().Mount+"/data.txt") {
		t.Fatalf("rewrite incomplete: %q", got)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	removed, err := m.Cleanup()
	if err != nil || !removed {
		t.Fatalf("first cleanup: removed=%v err=%v", removed, err)
	}
	removed, err = m.Cleanup()
	if err != nil || removed {
		t.Fatalf("second cleanup should be a no-op: removed=%v err=%v", removed, err)
	}
	if _, err := os.Stat(m.Paths().InternalRoot); !os.IsNotExist(err) {
		t.Fatal("workspace directory still present")
	}
}
