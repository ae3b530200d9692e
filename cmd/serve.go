package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/server"
	"github.com/kexinoh/free-OKC/internal/session"
	"github.com/kexinoh/free-OKC/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the OKCVM HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	if err := loadConfig(); err != nil {
		return err
	}
	cfg := config.Get()

	base, err := cfg.Workspace.ResolveAndPrepare()
	if err != nil {
		return err
	}
	if cfg.Workspace.ConfirmOnStart {
		if err := confirmWorkspace(base); err != nil {
			return err
		}
	}
	slog.Info("workspace base ready", "path", base)

	if dir := cfg.Server.FrontendDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("frontend directory %s is not usable", dir)
		}
	}

	deployments, err := deploy.NewStore(filepath.Join(base, "deployments"))
	if err != nil {
		return fmt.Errorf("init deployment store: %w", err)
	}

	storeURL := cfg.Store.EffectiveURL(base)
	conversations, err := store.Open(storeURL, store.Options{
		Echo:     cfg.Store.Echo,
		PoolSize: cfg.Store.PoolSize,
	}, deployments)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer conversations.Close()

	sessions := session.NewSessionStore(deployments)
	defer sessions.CloseAll()

	srv := server.New(sessions, conversations, deployments)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if janitor := server.NewJanitor(srv); janitor != nil {
		go janitor.Run(ctx)
	}

	return srv.Start(ctx)
}

// confirmWorkspace asks before using the workspace directory. Sessions
// write and delete files under it, so an accidental path is costly.
func confirmWorkspace(base string) error {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Use this workspace directory?").
				Description(base).
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("startup aborted")
		}
		return fmt.Errorf("workspace confirmation: %w", err)
	}
	if !confirmed {
		return errors.New("workspace directory rejected")
	}
	return nil
}
