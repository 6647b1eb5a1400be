package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// showConfigCmd represents the show-config command
var showConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration a session would run with, after env file
and environment variable resolution. Secrets are masked.

Example:
  go run ./cmd/survivor show-config
  go run ./cmd/survivor show-config --config prod.env`,
	RunE: runShowConfig,
}

func init() {
	rootCmd.AddCommand(showConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s := cfg.Strategy
	fmt.Println("Strategy")
	fmt.Printf("  series            %s\n", s.SymbolInitials)
	fmt.Printf("  index             %s (%s)\n", s.IndexSymbol, s.Exchange)
	fmt.Printf("  gaps              CE +%d / PE -%d\n", s.CEGap, s.PEGap)
	fmt.Printf("  quantities        CE %d / PE %d (lot %d)\n", s.CEQuantity, s.PEQuantity, s.LotSize)
	fmt.Printf("  min price to sell %.2f\n", s.MinPriceToSell)
	if s.StopLossPrice > 0 {
		fmt.Printf("  stop loss         %.2f\n", s.StopLossPrice)
	} else {
		fmt.Printf("  stop loss         disabled\n")
	}
	fmt.Printf("  exit priority     %s\n", s.ExitPriority)
	fmt.Printf("  square-off cron   %q\n", s.SquareOffCron)

	fmt.Println("Broker")
	fmt.Printf("  name              %s\n", cfg.Broker.Name)
	if cfg.Broker.BaseURL != "" {
		fmt.Printf("  base url          %s\n", cfg.Broker.BaseURL)
	}
	fmt.Printf("  api key           %s\n", mask(cfg.Broker.APIKey))
	fmt.Printf("  rate limit        %.1f req/s\n", cfg.Broker.RatePerSecond)

	fmt.Println("Orders")
	fmt.Printf("  store             %s\n", cfg.Orders.Store)
	if cfg.Orders.Store == "file" {
		fmt.Printf("  data dir          %s\n", cfg.Orders.DataDir)
	}
	fmt.Printf("  retries           %d every %s\n", cfg.Orders.MaxRetries, cfg.Orders.RetryDelay)
	fmt.Printf("  shutdown timeout  %s\n", cfg.Orders.ShutdownTimeout)

	fmt.Println("Dispatcher")
	fmt.Printf("  buffer            %d ticks\n", cfg.Dispatcher.BufferCapacity)
	fmt.Printf("  staleness window  %s\n", cfg.Dispatcher.StalenessWindow)
	fmt.Printf("  reorder depth     %d\n", cfg.Dispatcher.ReorderDepth)

	if cfg.API.Enabled {
		fmt.Println("Status API")
		fmt.Printf("  port              %s\n", cfg.API.Port)
	}

	if cfg.IsDefault() {
		fmt.Println("\n⚠ These are the shipped defaults; a live run needs --force")
	}

	return nil
}

// mask hides all but the first characters of a secret.
func mask(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
