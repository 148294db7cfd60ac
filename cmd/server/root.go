package main

import (
	"fmt"
	"os"

	"github.com/dkeye/Teleroom/internal/adapters/store"
	"github.com/dkeye/Teleroom/internal/app/recording"
	"github.com/dkeye/Teleroom/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "teleroom",
	Short:        "Teleroom media session server",
	Long:         `Real-time audio/video sessions with waiting rooms, breakout rooms, chat and recording. Commands: serve, migrate, cleanup-recordings.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, signaling and media server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the session and recording tables",
	RunE:  runMigrate,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-recordings",
	Short: "Remove local recording files older than the retention period",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, cleanupCmd)
}

// setup loads config and configures the global logger.
func setup() (*config.Config, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate needs database.driver=postgres, got %q", cfg.Database.Driver)
	}
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}
	log.Info().Str("module", "cmd").Msg("migrations applied")
	return nil
}

func runCleanup(_ *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	c := recording.NewCleaner(cfg.Recording.Dir, cfg.Recording.Retention, cfg.Recording.CleanupInterval, nil,
		log.With().Str("module", "cmd").Logger())
	n, err := c.Sweep()
	if err != nil {
		return err
	}
	log.Info().Str("module", "cmd").Int("removed", n).Str("dir", cfg.Recording.Dir).Msg("recordings cleaned")
	return nil
}
