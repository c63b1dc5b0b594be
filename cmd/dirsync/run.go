package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/isometry/dirsync/internal/engine"
	"github.com/isometry/dirsync/internal/logging"
)

const (
	pidFileName = "dirsync.pid"
	logFileName = "dirsync.log"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var foreground, daemon bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd, map[string]string{
				"log.level": "log-level",
				"log.file":  "log-file",
			})
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			pidFile := filepath.Join(cfg.StateDir, pidFileName)
			detached := isDetached()
			if (daemon || !foreground) && !detached {
				return detach(cmd, pidFile)
			}

			level, err := cfg.LogLevel()
			if err != nil {
				return err
			}
			logFile := cfg.Log.File
			if detached && logFile == "" {
				logFile = filepath.Join(cfg.StateDir, logFileName)
			}
			log, closeLog, err := logging.New(logging.Options{
				Level:   level,
				Console: cmd.ErrOrStderr(),
				File:    logFile,
				Quiet:   detached,
			})
			if err != nil {
				return err
			}
			defer closeLog()
			if detached {
				defer removePIDFile(pidFile, os.Getpid())
			}

			log.Info("dirsync starting", "version", version, "config", cfg.Path, "state_dir", cfg.StateDir)
			d, err := engine.Start(cmd.Context(), cfg, engine.StartOptions{Logger: log})
			if err != nil {
				log.Error("startup failed", "error", err)
				return err
			}
			defer d.Close()

			defer log.Info("dirsync stopped")
			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().BoolVar(&foreground, "foreground", true, "stay attached to the terminal")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "detach into the background and write a pid file")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("log-file", "", "also write logs to this file")
	return cmd
}
