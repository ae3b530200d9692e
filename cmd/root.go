// Package cmd holds the okcvm CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kexinoh/free-OKC/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/kexinoh/free-OKC/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "okcvm",
	Short: "OKCVM: an OK Computer-style agent orchestrator",
	Long:  "OKCVM serves per-client agent sessions with sandboxed workspaces, schema-validated tools, live deployment previews and a durable conversation store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $OKCVM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("okcvm %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("OKCVM_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// loadConfig reads the config file, installs it as the active
// configuration and sets up logging.
func loadConfig() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	config.Set(cfg)

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
