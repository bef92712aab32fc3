package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/recsup/recsup/internal/api"
	"github.com/recsup/recsup/internal/config"
	"github.com/recsup/recsup/internal/logging"
	"github.com/recsup/recsup/internal/metrics"
	"github.com/recsup/recsup/internal/supervisor"
	"github.com/recsup/recsup/internal/version"
	"github.com/spf13/cobra"
)

var (
	daemonConfig  string
	daemonPIDFile string
	daemonFork    bool
	daemonUser    string
	daemonNoAPI   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the recsup supervisor daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.Resolve(daemonConfig)
		if err != nil {
			return err
		}
		cfg, warnings, err := config.LoadWithIncludes(path)
		if err != nil {
			return err
		}

		var logOut io.Writer = os.Stdout
		if cfg.Supervisor.Logfile != "" {
			f, err := os.OpenFile(cfg.Supervisor.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("cannot open logfile: %w", err)
			}
			defer f.Close()
			logOut = f
		}
		logger := logging.New(logging.LogConfig{
			Level:  cfg.Supervisor.LogLevel,
			Format: cfg.Supervisor.LogFormat,
			Output: logOut,
		})
		for _, w := range warnings {
			logger.Warn("config warning", "warning", w)
		}

		if daemonFork {
			parent, err := supervisor.Daemonize(logger)
			if err != nil {
				return err
			}
			if parent {
				return nil
			}
		}

		userConfigured := daemonUser != ""
		for _, rc := range cfg.Recorders {
			if rc.User != "" {
				userConfigured = true
			}
		}
		supervisor.RootWarning(logger, userConfigured)

		if cfg.Supervisor.Directory != "" {
			if err := os.Chdir(cfg.Supervisor.Directory); err != nil {
				return fmt.Errorf("cannot chdir to %s: %w", cfg.Supervisor.Directory, err)
			}
		}

		collector := metrics.New()
		collector.SetBuildInfo(version.Version, runtime.Version())

		pidFile := daemonPIDFile
		if pidFile == "" {
			pidFile = cfg.Supervisor.PidFile
		}

		sup := supervisor.New(supervisor.SupervisorConfig{
			Config:     cfg,
			ConfigPath: path,
			PIDFile:    pidFile,
			Logger:     logger,
			Metrics:    collector,
		})

		var srv *api.Server
		if !daemonNoAPI {
			srv = api.NewServer(api.Config{
				Username: cfg.Server.HTTP.Username,
				Password: cfg.Server.HTTP.Password,
			}, sup.Manager(), sup.Manager(), sup, sup, sup.Bus(), logger)
			srv.Handle("GET /metrics", collector.Handler())

			sock := cfg.Server.Unix.File
			if err := supervisor.ValidateSocketPermissions(sock); err != nil {
				return err
			}
			mode := parseChmod(cfg.Server.Unix.Chmod)
			if err := srv.StartUnix(sock, mode); err != nil {
				return err
			}
			if cfg.Server.HTTP.Enabled {
				if err := srv.StartTCP(cfg.Server.HTTP.Listen); err != nil {
					return err
				}
			}
		}

		// Listeners are bound; root is no longer needed.
		if err := supervisor.DropPrivileges(daemonUser, logger); err != nil {
			return err
		}

		runErr := sup.Run()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				logger.Error("api server shutdown", "error", err)
			}
		}
		return runErr
	},
}

func parseChmod(s string) os.FileMode {
	if s == "" {
		return 0700
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0700
	}
	return os.FileMode(v)
}

func init() {
	daemonCmd.Flags().StringVarP(&daemonConfig, "config", "c", "", "config file path")
	daemonCmd.Flags().StringVar(&daemonPIDFile, "pid-file", "", "PID file path (overrides config)")
	daemonCmd.Flags().BoolVarP(&daemonFork, "fork", "d", false, "daemonize (double-fork into the background)")
	daemonCmd.Flags().StringVar(&daemonUser, "user", "", "drop privileges to uid[:gid] after binding listeners")
	daemonCmd.Flags().BoolVar(&daemonNoAPI, "no-api", false, "run without the control API listeners")
	rootCmd.AddCommand(daemonCmd)
}
