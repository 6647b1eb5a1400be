package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsharma2491/trading-algo/internal/session"
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile persisted orders against the broker",
	Long: `Loads every persisted non-terminal order and adopts the broker's
view of it. Orders the broker does not know are reported as orphans;
a live run refuses to start while any exist.

Run this after a crash or an unclean shutdown, before restarting.

Example:
  go run ./cmd/survivor reconcile`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	runner := session.NewRunner(cfg, log)

	report, err := runner.Reconcile(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d open orders, adopted %d broker updates\n", report.Checked, report.Adopted)

	if report.HasOrphans() {
		fmt.Printf("\n⚠ %d orders are unknown to the broker:\n", len(report.Orphans))
		for _, id := range report.Orphans {
			fmt.Printf("  %s\n", id)
		}
		fmt.Println("\nResolve them manually before starting a session.")
		return fmt.Errorf("%d orphaned orders", len(report.Orphans))
	}

	fmt.Println("✅ Order records match the broker")
	return nil
}
