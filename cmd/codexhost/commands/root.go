// Package commands provides the CLI commands for codexhost.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/config"
	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/internal/session"
	"github.com/opencode-ai/codexhost/internal/storage"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
	envFile   string
)

var rootCmd = &cobra.Command{
	Use:   "codexhost",
	Short: "codexhost - run coding-agent turns through the Codex app-server",
	Long: `codexhost drives a Codex app-server subprocess one turn at a time,
mapping its items into message parts and routing approvals through a
permission ruleset.

Run 'codexhost run' for a one-shot turn in the terminal, or 'codexhost serve'
to expose sessions over HTTP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is not an error
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		} else {
			_ = godotenv.Load()
		}

		cfg := logging.DefaultConfig()
		cfg.Level = logging.ParseLevel(logLevel)
		cfg.Pretty = true
		if !printLogs {
			cfg.Output = io.Discard
			cfg.LogToFile = true
			cfg.LogDir = config.GetPaths().LogDir()
		}
		logging.Init(cfg)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Working directory")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default .env)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("codexhost %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(authCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// openService loads configuration for the working directory and builds the
// session service over the data directory's storage.
func openService() (*session.Service, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	appConfig, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	logging.Info().Str("directory", dir).Str("model", appConfig.Model).Msg("starting")

	return session.New(session.Options{
		Storage:    storage.New(paths.StoragePath()),
		Directory:  dir,
		Config:     appConfig,
		ClientInfo: clientInfo(),
	}), nil
}

// closeService shuts the service down, giving running turns time to stop.
func closeService(svc *session.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("shutdown")
	}
}

func clientInfo() codex.ClientInfo {
	return codex.ClientInfo{Name: "codexhost", Title: "codexhost", Version: Version}
}
