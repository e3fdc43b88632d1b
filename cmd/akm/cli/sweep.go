package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one key lifecycle sweep",
		Long: `Expire keys past their expiry, complete rotations whose grace period has
ended, warn about upcoming expiries and purge old audit entries, once, then exit.
Useful from an external cron when serve runs with scheduler.enabled=false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	return cmd
}

func runSweep(ctx context.Context, jsonOutput bool) error {
	return withApp(ctx, func(a *app) error {
		res, err := a.newScheduler().RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		fmt.Printf("Expired:         %d\n", res.Expired)
		fmt.Printf("Rotations ended: %d\n", res.Revoked)
		fmt.Printf("Warnings:        %d\n", res.Warned)
		fmt.Printf("Advisories:      %d\n", res.Advisories)
		fmt.Printf("Audit purged:    %d\n", res.AuditPurged)
		fmt.Printf("Tokens purged:   %d\n", res.TokensPurged)
		if len(res.Failed) > 0 {
			fmt.Printf("Failed phases:   %s\n", strings.Join(res.Failed, ", "))
		}
		return nil
	})
}
