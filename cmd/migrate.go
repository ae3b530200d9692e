package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply conversation store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			cfg := config.Get()
			base, err := cfg.Workspace.ResolveAndPrepare()
			if err != nil {
				return err
			}
			url := cfg.Store.EffectiveURL(base)
			conversations, err := store.Open(url, store.Options{
				Echo:     cfg.Store.Echo,
				PoolSize: cfg.Store.PoolSize,
			}, nil)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", url, err)
			}
			defer conversations.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
}
