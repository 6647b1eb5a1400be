package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vsharma2491/trading-algo/internal/session"
)

// backtestCmd represents the backtest command
var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay a historical window",
	Long: `Replays historical minute bars through the same dispatcher, order
tracker and strategy engine a live session uses. Strikes are resolved
from the first bar's index price and fills land at observed prices, so
two replays of the same window produce the same report.

Example:
  go run ./cmd/survivor backtest --from 2025-08-01 --to 2025-08-07
  go run ./cmd/survivor backtest --from 2025-08-07`,
	RunE: runBacktest,
}

var (
	// Flags
	backtestFrom string
	backtestTo   string
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	// Flags
	backtestCmd.Flags().StringVar(&backtestFrom, "from", "", "start date (YYYY-MM-DD, required)")
	backtestCmd.Flags().StringVar(&backtestTo, "to", "", "end date (YYYY-MM-DD, default: same day)")

	backtestCmd.MarkFlagRequired("from")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	from, err := time.Parse("2006-01-02", backtestFrom)
	if err != nil {
		return fmt.Errorf("invalid start date: %w", err)
	}

	to := from.Add(24*time.Hour - time.Second)
	if backtestTo != "" {
		day, err := time.Parse("2006-01-02", backtestTo)
		if err != nil {
			return fmt.Errorf("invalid end date: %w", err)
		}
		to = day.Add(24*time.Hour - time.Second)
	}
	if to.Before(from) {
		return fmt.Errorf("end date %s is before start date %s", backtestTo, backtestFrom)
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	runner := session.NewRunner(cfg, log)

	fmt.Printf("Replaying %s ~ %s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))

	result, err := runner.Backtest(context.Background(), from, to)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Session    %s\n", result.SessionID)
	fmt.Printf("Duration   %s\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("Trades     %d (%d won, %d lost)\n", result.TradeCount, result.WinningTrades, result.LosingTrades)
	fmt.Printf("Win rate   %.0f%%\n", result.WinRate*100)
	fmt.Printf("Total P&L  %+.2f\n", result.TotalPnL)
	fmt.Println()

	for _, trade := range result.Trades {
		fmt.Printf("  %-2s %-22s qty %-4d sell %8.2f buy %8.2f pnl %+10.2f\n",
			trade.Leg, trade.Instrument.Symbol(), trade.Qty,
			trade.EntryPrice, trade.ExitPrice, trade.PnL)
	}

	drops := result.Dispatch.DuplicateDrops + result.Dispatch.StaleDrops + result.Dispatch.OverflowDrops
	if drops > 0 {
		fmt.Printf("\nDispatch dropped %d ticks (%d dup, %d stale, %d overflow)\n",
			drops, result.Dispatch.DuplicateDrops, result.Dispatch.StaleDrops, result.Dispatch.OverflowDrops)
	}

	return nil
}
