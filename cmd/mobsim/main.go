package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "mobsim",
	Short:        "Federated mobility co-simulation",
	Long:         "Serves the coordinating broker and the bundled simulator modules, and drives and inspects runs.",
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML or JSON)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadEnvironment resolves configuration and builds the process logger.
func loadEnvironment() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, log, nil
}
