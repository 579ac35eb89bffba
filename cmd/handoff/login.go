package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	handoff "github.com/handoffdesk/handoff-go"
)

var (
	loginPassword    string
	loginNewPassword string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginNewPassword, "new-password", "", "New password for a first login (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in as an operator",
	Long:  "Log in to the console and store the access token locally.\nOn a first login the temporary password must be replaced before a token is issued.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		client, _, err := newClient(false)
		if err != nil {
			return err
		}

		password := loginPassword
		if password == "" {
			if password, err = readSecret("Password: "); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if res.NeedsPasswordReset() {
			fmt.Println("First login: a new password is required.")
			newPassword := loginNewPassword
			if newPassword == "" {
				if newPassword, err = readSecret("New password: "); err != nil {
					return err
				}
			}
			if err := client.SetPassword(ctx, res.ResetToken, newPassword); err != nil {
				return fmt.Errorf("failed to set password: %w", err)
			}
			if res, err = client.Login(ctx, username, newPassword); err != nil {
				return fmt.Errorf("login with new password failed: %w", err)
			}
			if res.AccessToken == "" {
				return fmt.Errorf("login with new password returned no access token")
			}
		}

		op, err := handoff.ParseToken(res.AccessToken)
		if err != nil {
			return fmt.Errorf("backend returned an unreadable token: %w", err)
		}

		// Persist to the file config only; env overrides are not saved.
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = res.AccessToken
		cfg.Auth.Username = valueOrDefault(op.Username, username)
		cfg.Auth.Role = op.Role
		cfg.Auth.TokenExpires = ""
		if !op.ExpiresAt.IsZero() {
			cfg.Auth.TokenExpires = op.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  Operator: %s\n", op.DisplayName())
		fmt.Printf("  Role:     %s\n", valueOrDefault(op.Role, "(none)"))
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
