package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initIdentity, "identity", "", "identity to connect the realtime socket as")
}

var initIdentity string

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store API token in ~/.suuq/config.toml",
	Long:  "Initialize the Suuq CLI by storing your API token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token
		if initIdentity != "" {
			cfg.Chat.Identity = initIdentity
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
