package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bramblectl/bramble/internal/experiment"
	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/models"
)

var experimentName string

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage experiment descriptors",
	Long: `Create and validate experiment directories.

An experiment directory holds an experiment.yaml descriptor plus the
stage scripts, datasets and output directories the descriptor refers
to.`,
}

var experimentInitCmd = &cobra.Command{
	Use:   "init <directory>",
	Short: "Scaffold a new experiment directory",
	Long: `Create an experiment directory with a descriptor template.

Examples:
  bramble experiment init ~/experiments/split-resnet --name split-resnet`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		name := experimentName
		if name == "" {
			name = filepath.Base(dir)
		}

		exp, err := experiment.Init(dir, name)
		if err != nil {
			return fmt.Errorf("failed to scaffold experiment: %w", err)
		}

		fmt.Printf("✅ Experiment %q created in %s (id %s)\n", exp.Name, dir, shortID(exp.ID))
		return nil
	},
}

var experimentValidateCmd = &cobra.Command{
	Use:   "validate <directory>",
	Short: "Validate a descriptor against the current LAN",
	Long: `Parse the experiment descriptor and compute a binding plan.

Validation fails when the descriptor is malformed or when any device
constraint cannot be satisfied by a configured device on the LAN. The
computed plan is printed but not executed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		exp, err := experiment.NewParser().ParseFile(args[0])
		if err != nil {
			return err
		}

		l := reg.LAN()
		if l == nil {
			return fmt.Errorf("no LAN initialized, run 'bramble network init' first")
		}

		plan, err := experiment.Validate(exp, l, reg.List(registry.Filter{}))
		if err != nil {
			return err
		}

		fmt.Printf("✅ Experiment %q is deployable (%d bindings, %d waves)\n",
			exp.Name, len(plan.Bindings), countWaves(plan))
		for _, b := range plan.Bindings {
			c := exp.Constraints[b.ConstraintIndex]
			fmt.Printf("  wave %d: constraint %d (%s/%s) -> device %s\n",
				b.Wave, b.ConstraintIndex, c.Role, c.Arch, shortID(b.DeviceID))
		}
		for _, warn := range plan.Warnings {
			fmt.Printf("  ⚠️  %s\n", warn)
		}
		return nil
	},
}

func countWaves(plan *models.BindingPlan) int {
	return len(experiment.Waves(plan))
}

func init() {
	experimentInitCmd.Flags().StringVar(&experimentName, "name", "", "experiment name (default: directory name)")

	experimentCmd.AddCommand(experimentInitCmd)
	experimentCmd.AddCommand(experimentValidateCmd)
}
