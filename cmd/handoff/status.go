package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	handoff "github.com/handoffdesk/handoff-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the stored token is expired, and fetch live queue counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, handoff.DefaultBaseURL+" (default)"))
		if cfg.Default.WSURL != "" {
			fmt.Printf("  Push URL:      %s\n", cfg.Default.WSURL)
		}
		fmt.Printf("  Poll interval: %s\n", valueOrDefault(cfg.Default.PollInterval, handoff.DefaultPollInterval.String()+" (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:    %s\n", cfg.Auth.Username)
			fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Auth.Role, "(none)"))
		} else {
			fmt.Println("  Username:    (not logged in)")
		}

		tokenStatus := "none"
		var op *handoff.Operator
		if cfg.Auth.Token != "" {
			op, err = handoff.CheckToken(cfg.Auth.Token, time.Now())
			switch {
			case err == nil && op.ExpiresAt.IsZero():
				tokenStatus = fmt.Sprintf("%s (no expiry)", maskKey(cfg.Auth.Token))
			case err == nil:
				tokenStatus = fmt.Sprintf("valid (expires %s)", op.ExpiresAt.Format(time.RFC3339))
			case errors.Is(err, handoff.ErrTokenExpired):
				tokenStatus = "EXPIRED"
			default:
				tokenStatus = fmt.Sprintf("unreadable (%v)", err)
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if op == nil || err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _, err := newClient(true)
		if err != nil {
			fmt.Printf("  %v\n", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.FetchSnapshot(ctx, handoff.SnapshotQuery{})
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		var open, attention int
		for _, c := range convs {
			if c.IsOpen() {
				open++
			}
			if c.NeedsAttention() {
				attention++
			}
		}
		fmt.Printf("  Conversations:   %d\n", len(convs))
		fmt.Printf("  Open:            %d\n", open)
		fmt.Printf("  Needs attention: %d\n", attention)
		return nil
	},
}
