package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	snapshotAuthorName  = "OKC Workspace"
	snapshotAuthorEmail = "workspace@okcvm.local"
	defaultSnapshotMsg  = "Workspace snapshot"
)

// GitState records workspace snapshots as commits in a private repository
// rooted at the session directory. The repository carries its own author
// identity so host git configuration never leaks in.
type GitState struct {
	root string
	repo *git.Repository
}

// NewGitState opens or initialises the snapshot repository at root and
// records the initial workspace state.
func NewGitState(root string) (*GitState, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("open snapshot repo: %w", err)
		}
		repo, err = git.PlainInit(root, false)
		if err != nil {
			return nil, fmt.Errorf("init snapshot repo: %w", err)
		}
	}

	cfg, err := repo.Config()
	if err != nil {
		return nil, fmt.Errorf("read snapshot repo config: %w", err)
	}
	cfg.User.Name = snapshotAuthorName
	cfg.User.Email = snapshotAuthorEmail
	if err := repo.SetConfig(cfg); err != nil {
		return nil, fmt.Errorf("write snapshot repo config: %w", err)
	}

	s := &GitState{root: root, repo: repo}
	if _, err := repo.Head(); err != nil {
		if _, err := s.commit("Initial workspace state"); err != nil {
			return nil, fmt.Errorf("initial snapshot: %w", err)
		}
	}
	return s, nil
}

func (s *GitState) Enabled() bool { return true }

func (s *GitState) commit(message string) (string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  snapshotAuthorName,
			Email: snapshotAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// Snapshot commits the current workspace contents. Labels collapse to a
// single whitespace-normalised line; empty labels get the default.
func (s *GitState) Snapshot(label string) (string, error) {
	message := strings.Join(strings.Fields(label), " ")
	if message == "" {
		message = defaultSnapshotMsg
	}
	id, err := s.commit(message)
	if err != nil {
		return "", fmt.Errorf("snapshot workspace: %w", err)
	}
	return id, nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (s *GitState) ListSnapshots(limit int) ([]Snapshot, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, nil
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer iter.Close()

	var entries []Snapshot
	for len(entries) < limit {
		commit, err := iter.Next()
		if err != nil {
			break
		}
		entries = append(entries, describeCommit(commit))
	}
	return entries, nil
}

// Restore hard-resets the workspace to the given snapshot and removes
// untracked files.
func (s *GitState) Restore(id string) error {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSnapshotUnknown, id)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: *hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", id, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean workspace after restore: %w", err)
	}
	return nil
}

// EnsureBranch creates the named branch at the current head if missing
// and checks it out.
func (s *GitState) EnsureBranch(name string) error {
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := s.repo.Reference(refName, true); err != nil {
		head, err := s.repo.Head()
		if err != nil {
			return fmt.Errorf("ensure branch %s: %w", name, err)
		}
		ref := plumbing.NewHashReference(refName, head.Hash())
		if err := s.repo.Storer.SetReference(ref); err != nil {
			return fmt.Errorf("ensure branch %s: %w", name, err)
		}
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("ensure branch %s: %w", name, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", name, err)
	}
	return nil
}

// DescribeHead returns the currently checked-out snapshot.
func (s *GitState) DescribeHead() (*Snapshot, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, nil
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("describe head: %w", err)
	}
	desc := describeCommit(commit)
	return &desc, nil
}

func describeCommit(commit *object.Commit) Snapshot {
	summary := commit.Message
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		summary = summary[:idx]
	}
	return Snapshot{
		ID:        commit.Hash.String(),
		Label:     strings.TrimSpace(summary),
		Timestamp: commit.Author.When.Format("2006-01-02T15:04:05"),
	}
}
