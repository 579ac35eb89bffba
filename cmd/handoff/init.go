package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var initWSURL string

func init() {
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "Push channel URL, when not <base-url host>/ws")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.handoff/config.toml",
	Long:  "Initialize the handoff CLI by storing the console API base URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base URL must be absolute, e.g. https://console.example.com/api")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if initWSURL != "" {
			cfg.Default.WSURL = initWSURL
		}
		if cfg.Default.LogMode == "" {
			cfg.Default.LogMode = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
