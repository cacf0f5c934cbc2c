package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/logging"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Settings is the merged configuration shared by subcommands
	Settings config.Settings
	// Logger is the process logger, ready once PersistentPreRunE has run
	Logger *log.Logger

	configPath string
	logLevel   string
	logFile    string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "meshcam",
	Short:   "Face mesh overlay for webcam and video streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Settings, err = config.Load(configPath, cmd.Flags().Changed("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Flags win over the file and the environment
		if cmd.Flags().Changed("log-level") {
			Settings.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			Settings.Log.File = logFile
		}

		Logger = logging.Init(logging.Options{Level: Settings.Log.Level, File: Settings.Log.File})
		Logger.Debug("configuration loaded", "file", configPath, "render", fmt.Sprintf("%+v", Settings.Render))
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "meshcam.toml", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated")
}
