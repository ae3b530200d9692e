package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kexinoh/free-OKC/internal/config"
)

// Janitor removes orphaned session workspaces on a cron schedule. A
// workspace directory is orphaned when no live session owns it and no
// stored conversation references it.
type Janitor struct {
	server   *Server
	schedule string
	cron     *gronx.Gronx
}

// NewJanitor returns a janitor for the configured schedule, or nil when
// the schedule is empty or invalid.
func NewJanitor(server *Server) *Janitor {
	schedule := config.Get().Workspace.JanitorSchedule
	if schedule == "" {
		return nil
	}
	cron := gronx.New()
	if !cron.IsValid(schedule) {
		slog.Warn("invalid janitor schedule, janitor disabled", "schedule", schedule)
		return nil
	}
	return &Janitor{server: server, schedule: schedule, cron: cron}
}

// Run ticks once a minute and sweeps whenever the schedule is due.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			due, err := j.cron.IsDue(j.schedule, tick)
			if err != nil || !due {
				continue
			}
			removed := j.Sweep()
			if removed > 0 {
				slog.Info("janitor swept orphaned workspaces", "removed", removed)
			}
		}
	}
}

// Sweep removes orphaned okcvm-* directories under the workspace base
// and returns how many it deleted.
func (j *Janitor) Sweep() int {
	base := config.Get().Workspace.ResolvePath()
	entries, err := os.ReadDir(base)
	if err != nil {
		slog.Warn("janitor cannot read workspace base", "base", base, "error", err)
		return 0
	}

	keep := make(map[string]bool)
	for _, id := range j.server.sessions.SessionIDs() {
		keep[id] = true
	}
	if j.server.conversations != nil {
		referenced, err := j.server.conversations.ReferencedSessions()
		if err != nil {
			slog.Warn("janitor cannot list referenced sessions, skipping sweep", "error", err)
			return 0
		}
		for _, id := range referenced {
			keep[id] = true
		}
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, "okcvm-") || keep[name] {
			continue
		}
		target := filepath.Join(base, name)
		if err := os.RemoveAll(target); err != nil {
			slog.Warn("janitor failed to remove workspace", "path", target, "error", err)
			continue
		}
		removed++
	}
	return removed
}
