package cmd

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy/internal/process"
)

var loginCmd = &cobra.Command{
	Use:       "login [google|codex]",
	Short:     "Open the browser login for an OAuth provider",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"google", "codex"},
	RunE: func(cmd *cobra.Command, args []string) error {
		procMgr := process.NewManager(baseDir)
		if !procMgr.IsRunning() {
			return fmt.Errorf("gateway is not running; start it with '%s start'", AppName)
		}

		cfg := cfgMgr.Get()
		url := fmt.Sprintf("http://%s:%d/%s/login/start", cfg.Host, cfg.Port, args[0])

		color.Green("Opening %s", url)
		if err := openBrowser(url); err != nil {
			color.Yellow("Could not open a browser; visit the URL manually.")
		}
		return nil
	},
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
