package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Run: func(cmd *cobra.Command, _ []string) {
		showStatus()
	},
}

func showStatus() {
	procMgr := process.NewManager(baseDir)
	cfg := cfgMgr.Get()

	fmt.Println()
	color.Cyan("%s status", AppName)
	fmt.Println("========================================")

	if !procMgr.IsRunning() {
		color.Red("Status: not running")
		fmt.Printf("\nStart it with: %s start\n", AppName)
		return
	}

	info, _ := procMgr.ReadLock()
	color.Green("Status: running")
	fmt.Printf("PID:      %d\n", info.PID)
	fmt.Printf("Endpoint: http://%s:%d\n", cfg.Host, cfg.Port)

	if active := fetchActive(cfg.Host, cfg.Port); active != "" {
		fmt.Printf("Active:   %s\n", active)
	}
}

// fetchActive asks the running gateway for its current selection.
func fetchActive(host string, port int) string {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/_status", host, port))
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var status struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return ""
	}
	if status.Provider == "" {
		return ""
	}
	return status.Provider + ":" + status.Model
}
