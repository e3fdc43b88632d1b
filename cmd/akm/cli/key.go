package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, rotate and revoke API keys directly against the database, bypassing the HTTP API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyDeleteCmd())

	return cmd
}

// withApp loads settings and services for a one-shot command.
func withApp(ctx context.Context, fn func(a *app) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, s, newLogger(s), s.JWTSecret)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// lookupUser accepts an email address or a user id.
func lookupUser(ctx context.Context, st *store.Store, ref string) (*model.User, error) {
	var (
		u   *model.User
		err error
	)
	if strings.Contains(ref, "@") {
		u, err = st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(ref)))
	} else {
		u, err = st.GetUser(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", ref, err)
	}
	return u, nil
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner       string
		name        string
		description string
		perms       []string
		env         string
		ips         []string
		agents      []string
		expiresIn   int
		perMinute   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for a user. The raw key is shown once and cannot be retrieved again.",
		Example: `  akm key create --owner dev@example.com --name ci --permissions read
  akm key create --owner dev@example.com --name deploy --permissions read,write --env production --expires-in-days 90`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := service.KeyInput{
				Name:              &name,
				AllowedIPs:        ips,
				AllowedUserAgents: agents,
			}
			for _, p := range perms {
				in.Permissions = append(in.Permissions, model.Permission(strings.TrimSpace(p)))
			}
			if description != "" {
				in.Description = &description
			}
			if env != "" {
				in.Environment = &env
			}
			if cmd.Flags().Changed("expires-in-days") {
				in.ExpiresInDays = &expiresIn
			}
			if cmd.Flags().Changed("rate-per-minute") {
				in.RateLimitPerMinute = &perMinute
			}
			return runKeyCreate(cmd.Context(), owner, in)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner email or user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Key name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	cmd.Flags().StringSliceVar(&perms, "permissions", []string{"read"}, "Comma-separated permissions: read, write, delete, admin")
	cmd.Flags().StringVar(&env, "env", "", "Environment tag: development, staging, production")
	cmd.Flags().StringSliceVar(&ips, "allow-ip", nil, "Allowed client IP or CIDR (repeatable)")
	cmd.Flags().StringSliceVar(&agents, "allow-ua", nil, "Allowed User-Agent substring (repeatable)")
	cmd.Flags().IntVar(&expiresIn, "expires-in-days", 0, "Expire the key after this many days")
	cmd.Flags().IntVar(&perMinute, "rate-per-minute", 0, "Per-minute rate limit override")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(ctx context.Context, owner string, in service.KeyInput) error {
	return withApp(ctx, func(a *app) error {
		u, err := lookupUser(ctx, a.store, owner)
		if err != nil {
			return err
		}
		created, err := a.keys.Create(ctx, u.ID, in, cliInfo("key create"))
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}

		k := created.Key
		fmt.Println("API Key created:")
		fmt.Println()
		fmt.Printf("  Key:         %s\n", created.RawKey)
		fmt.Printf("  ID:          %s\n", k.ID)
		fmt.Printf("  Owner:       %s\n", u.Email)
		fmt.Printf("  Permissions: %s\n", strings.Join(model.PermissionStrings(k.Permissions), ","))
		if k.ExpiresAt != nil {
			fmt.Printf("  Expires:     %s\n", k.ExpiresAt.Format("2006-01-02 15:04 MST"))
		}
		fmt.Println()
		fmt.Println("  Save this key now - it cannot be retrieved again.")
		return nil
	})
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		status     string
		env        string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := registry.Filter{Status: model.KeyStatus(status), Environment: env}
			return runKeyList(cmd.Context(), owner, f, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner email or user id (required)")
	cmd.Flags().StringVar(&status, "status", "", "Only keys with this status")
	cmd.Flags().StringVar(&env, "env", "", "Only keys tagged with this environment")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyList(ctx context.Context, owner string, f registry.Filter, jsonOutput bool) error {
	return withApp(ctx, func(a *app) error {
		u, err := lookupUser(ctx, a.store, owner)
		if err != nil {
			return err
		}
		keys, _, err := a.keys.List(ctx, u.ID, f, registry.Page{Number: 1, Size: registry.MaxPageSize})
		if err != nil {
			return fmt.Errorf("list api keys: %w", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		}

		if len(keys) == 0 {
			fmt.Println("No API keys. Use 'akm key create' to create one.")
			return nil
		}

		fmt.Printf("%-36s %-10s %-20s %-10s %-12s %s\n", "ID", "PREFIX", "NAME", "STATUS", "ENV", "LAST USED")
		fmt.Printf("%-36s %-10s %-20s %-10s %-12s %s\n", "--", "------", "----", "------", "---", "---------")
		for _, k := range keys {
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-36s %-10s %-20s %-10s %-12s %s\n", k.ID, k.KeyPrefix, k.Name, k.Status, k.Environment, lastUsed)
		}
		return nil
	})
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Long:  "Permanently revoke an API key. Revocation cannot be undone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(cmd.Context(), args[0])
		},
	}

	return cmd
}

func runKeyRevoke(ctx context.Context, keyID string) error {
	return withApp(ctx, func(a *app) error {
		k, err := a.store.Get(ctx, keyID)
		if err != nil {
			return fmt.Errorf("key %q: %w", keyID, err)
		}
		if _, err := a.keys.Revoke(ctx, k.OwnerID, k.ID, cliInfo("key revoke")); err != nil {
			return fmt.Errorf("revoke api key: %w", err)
		}
		fmt.Printf("Revoked API key %s (%s)\n", k.ID, k.KeyPrefix)
		return nil
	})
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var graceHours int

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate an API key",
		Long: `Issue a successor key with the same settings. The old key keeps working
until the grace period ends, then the scheduler revokes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var grace *int
			if cmd.Flags().Changed("grace-hours") {
				grace = &graceHours
			}
			return runKeyRotate(cmd.Context(), args[0], grace)
		},
	}

	cmd.Flags().IntVar(&graceHours, "grace-hours", 24, "Hours the old key stays valid (0 revokes it immediately)")

	return cmd
}

func runKeyRotate(ctx context.Context, keyID string, grace *int) error {
	return withApp(ctx, func(a *app) error {
		k, err := a.store.Get(ctx, keyID)
		if err != nil {
			return fmt.Errorf("key %q: %w", keyID, err)
		}
		rotated, err := a.keys.Rotate(ctx, k.OwnerID, k.ID, grace, cliInfo("key rotate"))
		if err != nil {
			return fmt.Errorf("rotate api key: %w", err)
		}

		fmt.Println("API Key rotated:")
		fmt.Println()
		fmt.Printf("  New key:  %s\n", rotated.New.RawKey)
		fmt.Printf("  New ID:   %s\n", rotated.New.Key.ID)
		if rotated.GracePeriodEndsAt != nil {
			fmt.Printf("  Old key valid until %s\n", rotated.GracePeriodEndsAt.Format("2006-01-02 15:04 MST"))
		} else {
			fmt.Println("  Old key revoked.")
		}
		fmt.Println()
		fmt.Println("  Save this key now - it cannot be retrieved again.")
		return nil
	})
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Remove a revoked or expired API key from the registry",
		Long: `Hard-delete a key record. Only revoked or expired keys can be deleted;
revoke a live key first. Audit entries that reference the key are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyDelete(cmd.Context(), args[0])
		},
	}
}

func runKeyDelete(ctx context.Context, keyID string) error {
	return withApp(ctx, func(a *app) error {
		k, err := a.store.Get(ctx, keyID)
		if err != nil {
			return fmt.Errorf("key %q: %w", keyID, err)
		}
		if k.Status != model.KeyRevoked && k.Status != model.KeyExpired {
			return fmt.Errorf("%w: key %s is %s", service.ErrInvalidState, k.ID, k.Status)
		}
		if err := a.store.DeleteAPIKey(ctx, k.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted API key %s (%s)\n", k.ID, k.KeyPrefix)
		return nil
	})
}
