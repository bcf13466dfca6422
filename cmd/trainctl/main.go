package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fentz26/trainctl/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trainctl",
	Short: "trainctl - local training run orchestrator",
	Long: `trainctl runs training scripts as local processes or docker containers,
streams their structured events, and keeps projects, datasets, runs and
models in a local workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		appConfig = cfg
		if apiAddr == "" {
			apiAddr = "http://" + cfg.Listen
		}
		apiAddr = strings.TrimRight(apiAddr, "/")
		return nil
	},
}

var (
	apiAddr    string
	configPath string
	appConfig  *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address (default from config listen)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(imageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
