package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/service"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long:  "Create and list the accounts that own API keys and sign in for session tokens.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserActiveCmd("disable", false))
	cmd.AddCommand(newUserActiveCmd("enable", true))

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		username string
		password string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		Example: `  akm user create --email admin@example.com --username admin --role admin
  akm user create --email dev@example.com --username dev --password 'S3cure!pass'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := promptPassword()
				if err != nil {
					return err
				}
				password = pw
			}
			return runUserCreate(cmd.Context(), service.RegisterInput{
				Email:    email,
				Username: username,
				Password: password,
				Role:     model.Role(role),
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&username, "username", "", "Username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleDeveloper), "Role: admin, developer, readonly")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("username")

	return cmd
}

// promptPassword reads a password twice from the terminal without echo.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pwBytes), nil
}

func runUserCreate(ctx context.Context, in service.RegisterInput) error {
	return withApp(ctx, func(a *app) error {
		u, err := a.auth.Register(ctx, in, cliInfo("user create"))
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		fmt.Printf("Created %s user %q (%s)\n", u.Role, u.Email, u.ID)
		return nil
	})
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(ctx context.Context, jsonOutput bool) error {
	return withApp(ctx, func(a *app) error {
		users, err := a.auth.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(users)
		}

		if len(users) == 0 {
			fmt.Println("No users. Use 'akm user create' to create one.")
			return nil
		}

		fmt.Printf("%-30s %-20s %-10s %-8s\n", "EMAIL", "USERNAME", "ROLE", "ACTIVE")
		fmt.Printf("%-30s %-20s %-10s %-8s\n", "-----", "--------", "----", "------")
		for _, u := range users {
			active := "yes"
			if !u.IsActive {
				active = "no"
			}
			fmt.Printf("%-30s %-20s %-10s %-8s\n", u.Email, u.Username, u.Role, active)
		}
		return nil
	})
}

// ---------- user disable / enable ----------

func newUserActiveCmd(use string, active bool) *cobra.Command {
	short := "Deactivate a user account and end its sessions"
	if active {
		short = "Reactivate a user account"
	}
	return &cobra.Command{
		Use:   use + " <email-or-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserSetActive(cmd.Context(), args[0], active)
		},
	}
}

func runUserSetActive(ctx context.Context, ref string, active bool) error {
	return withApp(ctx, func(a *app) error {
		u, err := lookupUser(ctx, a.store, ref)
		if err != nil {
			return err
		}
		if err := a.auth.SetActive(ctx, u.ID, active); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		state := "Disabled"
		if active {
			state = "Enabled"
		}
		fmt.Printf("%s user %q\n", state, u.Email)
		return nil
	})
}
