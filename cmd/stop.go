package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway",
	Run: func(cmd *cobra.Command, _ []string) {
		procMgr := process.NewManager(baseDir)
		if !procMgr.IsRunning() {
			color.Yellow("Gateway is not running")
			return
		}

		if err := procMgr.Stop(); err != nil {
			color.Red("Failed to stop the gateway: %v", err)
			return
		}
		color.Green("Gateway stopped")
	},
}
