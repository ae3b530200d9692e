package workspace

import "errors"

// ErrSnapshotUnknown is returned when a restore targets a snapshot id the
// backend does not know.
var ErrSnapshotUnknown = errors.New("unknown snapshot")

// ErrStateDisabled is returned by the null backend for operations that
// require snapshot support.
var ErrStateDisabled = errors.New("workspace snapshots are disabled")

// Snapshot describes one recorded workspace state.
type Snapshot struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Timestamp string `json:"timestamp"`
}

// State is the snapshot capability of a workspace.
type State interface {
	// Enabled reports whether snapshots are actually recorded.
	Enabled() bool
	// Snapshot records the current workspace contents and returns the
	// snapshot id. Empty labels get a default.
	Snapshot(label string) (string, error)
	// ListSnapshots returns up to limit snapshots, newest first.
	ListSnapshots(limit int) ([]Snapshot, error)
	// Restore resets the workspace contents to the given snapshot.
	Restore(id string) error
	// EnsureBranch makes sure a named branch exists at the current head
	// and is checked out.
	EnsureBranch(name string) error
	// DescribeHead returns the snapshot currently checked out, or nil
	// when nothing has been recorded.
	DescribeHead() (*Snapshot, error)
}

// NullState is the fallback when git snapshots are unavailable. Snapshot
// and listing degrade to no-ops; restores fail.
type NullState struct{}

func (NullState) Enabled() bool                            { return false }
func (NullState) Snapshot(string) (string, error)          { return "", nil }
func (NullState) ListSnapshots(int) ([]Snapshot, error)    { return nil, nil }
func (NullState) Restore(string) error                     { return ErrStateDisabled }
func (NullState) EnsureBranch(string) error                { return nil }
func (NullState) DescribeHead() (*Snapshot, error)         { return nil, nil }
