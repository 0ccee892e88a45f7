package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initHost    string
	initCluster string
)

func init() {
	initCmd.Flags().StringVar(&initHost, "host", "", "Server host")
	initCmd.Flags().StringVar(&initCluster, "cluster", "", "Hosted cluster name (connects to ws-<cluster>.qsocket.com)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the authorization token in ~/.qsocket/config.toml",
	Long:  "Initialize the QSocket CLI by storing your authorization token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initHost != "" {
			cfg.Server.Host = initHost
		}
		if initCluster != "" {
			cfg.Server.Cluster = initCluster
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
