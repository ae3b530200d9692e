// Package workspace manages session-scoped sandbox directories.
//
// Every session gets a random mount identity (the path the agent sees)
// backed by a private directory on disk. All tool file access funnels
// through Resolve, which confines paths to the session directory.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

const (
	legacyMountPath  = "/mnt/okcomputer/"
	legacyOutputPath = "/mnt/okcomputer/output/"

	mountRoot = "/mnt"
	prefix    = "okcvm"
)

// ErrEscapesWorkspace is returned when a resolved path would land outside
// the session directory.
var ErrEscapesWorkspace = errors.New("resolved path escapes the session workspace")

// ErrEmptyPath is returned when a tool passes an empty file path.
var ErrEmptyPath = errors.New("file_path cannot be empty")

// Paths holds both the agent-facing and the on-disk workspace locations.
type Paths struct {
	Mount          string // agent-facing root, e.g. /mnt/okcvm-3f2a...
	Output         string // agent-facing output dir
	InternalRoot   string // on-disk session directory
	InternalOutput string // on-disk output directory
	SessionID      string // directory name, doubles as the session id
}

// Manager creates and resolves one session's workspace.
type Manager struct {
	paths Paths
	state State

	mu      sync.Mutex
	cleaned bool
}

// New creates a fresh workspace under baseDir with a random mount token.
// Snapshot support degrades to a no-op state if the git store cannot be
// initialised.
func New(baseDir string) (*Manager, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generate workspace token: %w", err)
	}
	sessionID := fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(token))

	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "okcvm", "sessions")
	}
	internalRoot, err := filepath.Abs(filepath.Join(baseDir, sessionID))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	internalOutput := filepath.Join(internalRoot, "output")
	if err := os.MkdirAll(internalOutput, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	mount := path.Join(mountRoot, sessionID)
	m := &Manager{
		paths: Paths{
			Mount:          mount,
			Output:         path.Join(mount, "output"),
			InternalRoot:   internalRoot,
			InternalOutput: internalOutput,
			SessionID:      sessionID,
		},
	}

	state, err := NewGitState(internalRoot)
	if err != nil {
		slog.Warn("workspace snapshots disabled", "session", sessionID, "error", err)
		m.state = NullState{}
	} else {
		m.state = state
	}
	return m, nil
}

// Paths returns the workspace path set.
func (m *Manager) Paths() Paths { return m.paths }

// SessionID returns the unique identifier tied to this workspace.
func (m *Manager) SessionID() string { return m.paths.SessionID }

// State returns the snapshot backend (git-backed or a no-op).
func (m *Manager) State() State { return m.state }

// Resolve maps an agent-provided path to its on-disk location.
//
// Absolute paths under the session mount are stripped to their relative
// part; other absolute paths are re-anchored inside the workspace so the
// agent does not need to know the random mount token. The result must
// stay inside the session directory after symlink resolution.
func (m *Manager) Resolve(rawPath string) (string, error) {
	if rawPath == "" {
		return "", ErrEmptyPath
	}

	normalised := strings.ReplaceAll(rawPath, "\\", "/")
	var relative string
	if path.IsAbs(normalised) {
		cleaned := path.Clean(normalised)
		switch {
		case cleaned == m.paths.Mount:
			relative = "."
		case strings.HasPrefix(cleaned, m.paths.Mount+"/"):
			relative = cleaned[len(m.paths.Mount)+1:]
		default:
			relative = strings.TrimPrefix(cleaned, "/")
		}
	} else {
		relative = path.Clean(normalised)
	}

	candidate := filepath.Join(m.paths.InternalRoot, filepath.FromSlash(relative))

	rootReal, err := filepath.EvalSymlinks(m.paths.InternalRoot)
	if err != nil {
		rootReal = m.paths.InternalRoot
	}
	real, err := resolveThroughExistingAncestors(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rawPath, err)
	}
	if !isPathInside(real, rootReal) {
		return "", fmt.Errorf("resolve %q: %w", rawPath, ErrEscapesWorkspace)
	}
	return real, nil
}

// AdaptPrompt rewrites legacy mount literals in a system prompt to this
// session's mount paths.
func (m *Manager) AdaptPrompt(prompt string) string {
	prompt = strings.ReplaceAll(prompt, legacyOutputPath, m.paths.Output+"/")
	prompt = strings.ReplaceAll(prompt, legacyMountPath, m.paths.Mount+"/")
	return prompt
}

// Cleanup removes the workspace directory. It reports whether anything
// was removed; repeated calls are no-ops.
func (m *Manager) Cleanup() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned {
		return false, nil
	}
	if _, err := os.Stat(m.paths.InternalRoot); os.IsNotExist(err) {
		m.cleaned = true
		return false, nil
	}
	if err := os.RemoveAll(m.paths.InternalRoot); err != nil {
		return false, fmt.Errorf("remove workspace: %w", err)
	}
	m.cleaned = true
	return true, nil
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors canonicalises a path by resolving
// symlinks through its deepest existing ancestor, then re-appending the
// missing components. This keeps confinement checks honest for paths
// that do not exist yet.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}
