package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy/internal/process"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Run the claude client through the gateway",
	Long:  `Start the gateway if needed and spawn the claude client pointed at it.`,
	Run: func(cmd *cobra.Command, args []string) {
		procMgr := process.NewManager(baseDir)

		if !procMgr.IsRunning() {
			color.Yellow("Gateway not running, starting...")
			bg := exec.Command(os.Args[0], "start")
			bg.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := bg.Start(); err != nil {
				color.Red("Failed to start gateway: %v", err)
				os.Exit(1)
			}
			if !procMgr.WaitForService(10 * time.Second) {
				color.Red("Gateway startup timed out, run '%s start' manually", AppName)
				os.Exit(1)
			}
		}

		runClaude(args)
	},
}

func runClaude(args []string) {
	cfg := cfgMgr.Get()

	env := os.Environ()
	env = append(env, fmt.Sprintf("ANTHROPIC_BASE_URL=http://%s:%d", cfg.Host, cfg.Port))
	env = append(env, "API_TIMEOUT_MS=600000")

	client := exec.Command("claude", args...)
	client.Env = env
	client.Stdout = os.Stdout
	client.Stderr = os.Stderr
	client.Stdin = os.Stdin
	client.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := client.Run(); err != nil {
		os.Exit(1)
	}
}
