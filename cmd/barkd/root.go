package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/barkhq/bark/internal/config"
)

var version = "0.3.0"

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "barkd",
		Short: "Self-hosted chat bot with hot-reloadable extensions",
		Long: `barkd runs the Bark chat host: a websocket chat gateway, an admin API,
and an extension directory whose JavaScript files are loaded live and
swapped out when they change on disk.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default bark.yaml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	showVersion := &cobra.Command{
		Use:   "version",
		Short: "Print the barkd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("barkd %s\n", version)
		},
	}

	root.AddCommand(serve, showVersion)
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
