// Command talkie runs the voice turn pipeline and its module backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/talkie-voice-lab/internal/config"
	"github.com/talkie-voice-lab/internal/logging"
)

var version = "dev"

var (
	configPath string
	envFile    string
	logLevel   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "talkie",
	Short:         "Local voice assistant pipeline",
	Long:          "talkie turns microphone audio into transcribed, filtered and answered turns, with each capability served in-process or by a remote module.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, envFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logging.Init(cfg.LogLevel)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $TALKIE_CONFIG or ./talkie.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
