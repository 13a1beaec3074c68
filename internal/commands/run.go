package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bramblectl/bramble/internal/experiment"
	"github.com/bramblectl/bramble/internal/lan"
	"github.com/bramblectl/bramble/internal/orchestration"
	"github.com/bramblectl/bramble/internal/sshx"
	"github.com/bramblectl/bramble/internal/telemetry"
	"github.com/bramblectl/bramble/models"
)

var (
	runExportPath  string
	runAbortOnFail bool
)

var runCmd = &cobra.Command{
	Use:   "run <experiment-directory>",
	Short: "Deploy and run an experiment",
	Long: `Validate, build, deploy and run an experiment across the bramble.

The descriptor is validated against the current LAN, an image is built
per binding, pushed to its device over SSH and started in dependency
order. Telemetry is collected when each container exits. Interrupting
the command aborts the run and stops the remote containers.

Examples:
  bramble run ~/experiments/split-resnet
  bramble run ~/experiments/split-resnet --export results.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expDir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve experiment directory: %w", err)
		}

		exp, err := experiment.NewParser().ParseFile(expDir)
		if err != nil {
			return err
		}

		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		sessions := sshx.NewSessionManager(cfg.SSH, logger)
		defer sessions.Close()

		store, err := telemetry.NewBadgerStore(cfg.Telemetry.StorePath)
		if err != nil {
			return fmt.Errorf("failed to open telemetry store: %w", err)
		}
		defer store.Close()

		collector := telemetry.NewCollector(store, logger)

		builder, err := orchestration.NewDockerBuilder(cfg.Build, filepath.Dir(expDir), logger)
		if err != nil {
			return err
		}
		defer builder.Close()

		orch := orchestration.New(reg, sessions, builder, store, collector, cfg, logger)
		orch.SetAbortOnFailure(runAbortOnFail)
		ctrl := lan.NewController(reg, sessions, cfg, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Running experiment %q ...\n", exp.Name)
		record, err := ctrl.OrchestrateDeployment(ctx, exp, orch)
		if err != nil {
			return err
		}

		printRecord(record)

		if runExportPath != "" {
			f, err := os.Create(runExportPath)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			defer f.Close()
			if err := collector.ExportCSV(record.ID, f); err != nil {
				return fmt.Errorf("failed to export telemetry: %w", err)
			}
			fmt.Printf("Telemetry exported to %s\n", runExportPath)
		}

		if record.Status != models.RunSucceeded {
			return fmt.Errorf("run %s finished with status %s", shortID(record.ID), record.Status)
		}
		fmt.Printf("✅ Run %s succeeded\n", shortID(record.ID))
		return nil
	},
}

func printRecord(record *models.RunRecord) {
	fmt.Printf("\nRun:    %s\nStatus: %s\n\n", record.ID, record.Status)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WAVE\tCONSTRAINT\tDEVICE\tSTATUS\tEXIT\tERROR")
	for _, b := range record.Bindings {
		exit := ""
		if b.Status == models.BindingSucceeded || b.Status == models.BindingFailed {
			exit = fmt.Sprintf("%d", b.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			b.Wave, b.ConstraintIndex, shortID(b.DeviceID), b.Status, exit, b.Error)
	}
	w.Flush() //nolint:errcheck
	fmt.Println()
}

func init() {
	runCmd.Flags().StringVar(&runExportPath, "export", "", "write run telemetry to a CSV file")
	runCmd.Flags().BoolVar(&runAbortOnFail, "abort-on-failure", false, "stop the whole run as soon as any stage fails")
}
