package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy/internal/process"
	"github.com/Davincible/claude-proxy/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long:  `Start the gateway in the foreground on the loopback interface.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose, true)

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir)
	if procMgr.IsRunning() {
		color.Yellow("Gateway already running")
		return nil
	}

	if err := procMgr.WriteLock(); err != nil {
		return err
	}
	defer procMgr.CleanupLock()

	color.Green("Starting %s v%s on %s:%d", AppName, Version, cfg.Host, cfg.Port)

	srv := server.New(cfgMgr, procMgr, logger)
	if err := srv.Start(); err != nil {
		logger.Error("gateway exited with error", "error", err)
		procMgr.CleanupLock()
		os.Exit(1)
	}
	return nil
}
