package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vsharma2491/trading-algo/internal/api"
	"github.com/vsharma2491/trading-algo/internal/session"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a live trading session",
	Long: `Runs one live Survivor session: reconciles persisted orders against
the broker, resumes today's session if one is open, otherwise selects
fresh strikes and enters both legs on their first ticks.

The session ends when both legs close, the square-off schedule fires,
or the process receives SIGINT/SIGTERM. On SIGINT/SIGTERM open legs
are squared off before exit.

A default, untuned configuration is refused unless --force is given.

Example:
  go run ./cmd/survivor run
  go run ./cmd/survivor run --force
  go run ./cmd/survivor run --config prod.env`,
	RunE: runSession,
}

var (
	runForce bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	// Flags
	runCmd.Flags().BoolVar(&runForce, "force", false, "trade default strategy parameters")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	runner := session.NewRunner(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Status server runs beside the session; it only reads state.
	if cfg.API.Enabled {
		router := api.NewRouter(api.NewHandler(runner, log), log)
		server := api.New(cfg.API, log, router)
		go func() {
			if err := server.Start(); err != nil {
				log.WithError(err).Error("Status server stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(sctx)
		}()

		fmt.Printf("Status: http://localhost:%s/api/v1/status\n", cfg.API.Port)
	}

	err = runner.Run(ctx, session.Options{Force: runForce})
	switch {
	case err == nil:
		fmt.Println("✅ Session closed")
		return nil
	case errors.Is(err, io.EOF):
		// Feed ended with legs still open; state is persisted and the
		// next run resumes it.
		fmt.Println("Feed ended, open session persisted for resume")
		return nil
	case errors.Is(err, session.ErrDefaultParams):
		fmt.Println("Refusing to trade shipped default parameters (use --force to override)")
		return err
	default:
		return err
	}
}
