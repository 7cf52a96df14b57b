package cmd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy/internal/config"
)

const (
	AppName = "claude-proxy"
	Version = "0.3.1"

	LogFilename = "proxy.log"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	homeDir, err := os.UserHomeDir()
	if err != nil {
		logger.Error("failed to resolve home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "Local gateway translating the Claude Messages API to other providers",
	Long:    `A loopback HTTP gateway that lets a Claude-protocol client talk to OpenAI, Gemini, OpenRouter and Anthropic-compatible upstreams, with OAuth credential management.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(loginCmd)
}

// setupLogging reconfigures the logger, teeing to the append-only log file
// under the base directory when asked.
func setupLogging(verbose, toFile bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	if toFile {
		logPath := filepath.Join(baseDir, LogFilename)
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
			out = io.MultiWriter(os.Stdout, f)
		} else {
			logger.Warn("failed to open log file, using stdout only", "error", err)
		}
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
