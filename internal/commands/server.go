package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bramblectl/bramble/internal/api"
	"github.com/bramblectl/bramble/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the status API server",
	Long: `Start the HTTP status API.

The API exposes the device registry, run records, telemetry summaries,
CSV export and a websocket stream of live telemetry entries.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	reg, logger, err := openRegistry()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := telemetry.NewBadgerStore(cfg.Telemetry.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open telemetry store: %w", err)
	}
	defer store.Close()

	collector := telemetry.NewCollector(store, logger)
	server := api.NewServer(cfg, reg, store, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	fmt.Printf("🚀 Status API listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return server.Start(ctx)
}
