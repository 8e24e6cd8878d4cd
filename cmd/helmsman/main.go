package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kination/helmsman/internal/config"
	"github.com/kination/helmsman/internal/logger"
)

const version = "v0.1.0"

var (
	configPath string
	logLevel   string

	cfg       config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Helmsman - compile requests into task trees and run them with self-repair",
	Long: `Helmsman compiles a natural-language request (or a task document) into a
tree of atomic, sequence, map and reduce tasks, and evaluates it.

When an atomic task fails, the failing task is sent back to the translator
together with the failure and the returned replacement is run instead,
up to a bounded number of attempts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logger.LogLevel(logLevel)
		}
		logCloser, err = logger.Setup(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of helmsman",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Helmsman CLI %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		os.Exit(1)
	}
}
