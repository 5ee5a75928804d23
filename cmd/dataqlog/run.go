package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dataq-logger/internal/tasks"
)

var runOpts tasks.Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan every discovered device until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tasks.InitAndRunCollector(ctx, runOpts)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.ConfigPath, "config", "c", "", "path to YAML config (defaults are used when empty)")
	f.StringVar(&runOpts.StorageDir, "dir", "", "override storage.dir")
	f.DurationVar(&runOpts.Window, "window", 0, "override storage.window")
	f.StringVar(&runOpts.LogLevel, "log-level", "", "override log.level")
}
