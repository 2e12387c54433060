package cli

import (
	"fmt"

	"github.com/harun/lifeline/internal/config"
	"github.com/harun/lifeline/internal/daemon"
	"github.com/harun/lifeline/internal/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lifeline daemon in the foreground",
	Long: `Run the lifeline daemon in the foreground.
The daemon writes a PID file, starts stored sessions, serves the control API
and stops gracefully on SIGINT or SIGTERM. Changes to the config file are
picked up for the log level without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	if pid, err := daemon.ReadPIDFile(cfg.PIDFile()); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	l, err := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		File:      cfg.Log.File,
		Console:   true,
		Redaction: cfg.Log.Redaction,
		MaxSize:   cfg.Log.MaxSize,
		MaxAge:    cfg.Log.MaxAge,
		Compress:  cfg.Log.Compress,
		Out:       cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer l.Close()

	d, err := daemon.New(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	err = loader.Watch(func(next *config.Config) {
		if logLevel != "" {
			next.Log.Level = logLevel
		}
		d.ApplyConfig(next)
	}, func(err error) {
		log.Warn().Err(err).Msg("Ignoring invalid config reload")
	})
	if err != nil {
		log.Debug().Err(err).Msg("Config hot reload disabled")
	}

	d.Wait()
	return nil
}
