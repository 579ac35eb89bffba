package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	handoff "github.com/handoffdesk/handoff-go"
)

var (
	usersCreatePassword string
	usersCreateRole     string
)

func init() {
	usersCreateCmd.Flags().StringVar(&usersCreatePassword, "password", "", "Temporary password (prompted when omitted)")
	usersCreateCmd.Flags().StringVar(&usersCreateRole, "role", handoff.RoleSocial,
		"Role: "+strings.Join(handoff.Roles, ", "))
	usersCmd.AddCommand(usersCreateCmd)
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage operator accounts",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create an operator account (Admin only)",
	Long:  "Create an operator account. The user must replace the temporary password on first login.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newClient(true)
		if err != nil {
			return err
		}
		if cfg.Auth.Role != "" && cfg.Auth.Role != handoff.RoleAdmin {
			return fmt.Errorf("only %s operators can create users (you are %s)", handoff.RoleAdmin, cfg.Auth.Role)
		}

		password := usersCreatePassword
		if password == "" {
			if password, err = readSecret("Temporary password: "); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		u, err := client.CreateUser(ctx, handoff.CreateUserRequest{
			Username: args[0],
			Password: password,
			Role:     usersCreateRole,
		})
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		fmt.Printf("Created %s (%s)\n", u.Username, valueOrDefault(u.Role, usersCreateRole))
		return nil
	},
}
