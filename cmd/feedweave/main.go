package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "feedweave",
	Short:         "Feed ingestion, embedding and story clustering",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("user", defaultUser(), "user id for feed commands (env FEEDWEAVE_USER)")

	rootCmd.AddCommand(serveCmd, statusCmd)
	rootCmd.AddCommand(syncCmd, embedCmd, clusterCmd, sweepCmd, similarCmd, healthCmd)
	rootCmd.AddCommand(feedsCmd, deadLettersCmd, configCmd)
}

func defaultUser() string {
	if u := os.Getenv("FEEDWEAVE_USER"); u != "" {
		return u
	}
	return "local"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler.
func setupLogging(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func userFlag(cmd *cobra.Command) (string, error) {
	u, _ := cmd.Flags().GetString("user")
	if strings.TrimSpace(u) == "" {
		return "", fmt.Errorf("--user is required")
	}
	return u, nil
}
