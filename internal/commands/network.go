package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/lan"
	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/internal/sshx"
	"github.com/bramblectl/bramble/models"
)

var (
	networkName   string
	networkSubnet string
	registerFound bool
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage the bramble LAN",
	Long: `Manage the local network of devices.

A bramble has exactly one LAN record with one controller (the machine
running this binary) and any number of participant boards.`,
}

var networkInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the LAN record and controller",
	Long: `Create the LAN record and register the local machine as controller.

The subnet defaults to the CIDR block of the first non-loopback
interface, or the interface pinned in the controller config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		local, err := lan.LocalDevice(cfg.Controller.Interface)
		if err != nil {
			return fmt.Errorf("failed to introspect local host: %w", err)
		}

		id, err := reg.Register(local)
		if err != nil {
			return fmt.Errorf("failed to register controller: %w", err)
		}
		local.ID = id

		subnet := networkSubnet
		if subnet == "" {
			subnet = lan.DetectSubnet()
		}
		if subnet == "" {
			return fmt.Errorf("could not detect subnet, pass --subnet")
		}

		l := &models.LAN{
			ID:           uuid.NewString(),
			Name:         networkName,
			Subnet:       subnet,
			ControllerID: id,
		}
		if err := reg.SetLAN(l); err != nil {
			return fmt.Errorf("failed to save LAN: %w", err)
		}
		if err := reg.SetController(&models.Controller{
			Device:   local,
			RepoPath: cfg.Controller.RepoPath,
		}); err != nil {
			return fmt.Errorf("failed to save controller: %w", err)
		}

		fmt.Printf("✅ LAN %q initialized on %s (controller %s)\n", l.Name, l.Subnet, shortID(id))
		return nil
	},
}

var networkDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Sweep the subnet for SSH-reachable devices",
	Long: `Probe every address on the LAN subnet for an open SSH port.

Responding hosts are printed as candidates. With --register, candidates
not yet in the registry are added as unconfigured participants and the
LAN membership is refreshed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		l := reg.LAN()
		subnet := networkSubnet
		if subnet == "" && l != nil {
			subnet = l.Subnet
		}
		if subnet == "" {
			return fmt.Errorf("no LAN initialized, pass --subnet or run 'bramble network init'")
		}

		ctx := cmd.Context()
		candidates, err := lan.Discover(ctx, subnet, cfg.Discovery, logger)
		if err != nil {
			return fmt.Errorf("failed to sweep %s: %w", subnet, err)
		}

		if len(candidates) == 0 {
			fmt.Println("No devices responded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tHOSTNAME\tMAC")
		for _, c := range candidates {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.IP, c.Hostname, c.MAC)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if !registerFound {
			return nil
		}

		added := 0
		known := make(map[string]string)
		for _, d := range reg.List(registry.Filter{}) {
			known[d.IP] = d.ID
		}
		for _, c := range candidates {
			if _, ok := known[c.IP]; ok {
				continue
			}
			id, err := reg.Register(&models.Device{
				Name:     c.Hostname,
				Hostname: c.Hostname,
				IP:       c.IP,
				MAC:      c.MAC,
				Role:     models.RoleParticipant,
			})
			if err != nil {
				logger.Warn("failed to register candidate", zap.String("ip", c.IP), zap.Error(err))
				continue
			}
			known[c.IP] = id
			added++
		}

		if l != nil {
			l.DeviceIDs = l.DeviceIDs[:0]
			for _, d := range reg.List(registry.Filter{Role: models.RoleParticipant}) {
				l.DeviceIDs = append(l.DeviceIDs, d.ID)
			}
			now := time.Now().UTC()
			l.DiscoveredAt = &now
			if err := reg.SetLAN(l); err != nil {
				return fmt.Errorf("failed to update LAN: %w", err)
			}
		}

		fmt.Printf("✅ %d candidate(s) found, %d newly registered\n", len(candidates), added)
		return nil
	},
}

var networkStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check SSH reachability of every configured device",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		sessions := sshx.NewSessionManager(cfg.SSH, logger)
		defer sessions.Close()

		ctrl := lan.NewController(reg, sessions, cfg, logger)

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		statuses := ctrl.EstablishAll(ctx)
		if len(statuses) == 0 {
			fmt.Println("No configured devices")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tREACHABLE\tERROR")
		reachable := 0
		for _, s := range statuses {
			errMsg := ""
			if s.Error != "" {
				errMsg = s.Error
			}
			ok := "no"
			if s.Connected {
				ok = "yes"
				reachable++
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", shortID(s.DeviceID), ok, errMsg)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\n%d/%d devices reachable\n", reachable, len(statuses))
		return nil
	},
}

func init() {
	networkInitCmd.Flags().StringVar(&networkName, "name", "bramble", "LAN name")
	networkInitCmd.Flags().StringVar(&networkSubnet, "subnet", "", "CIDR block (default: auto-detect)")

	networkDiscoverCmd.Flags().StringVar(&networkSubnet, "subnet", "", "CIDR block (default: LAN record)")
	networkDiscoverCmd.Flags().BoolVar(&registerFound, "register", false, "register unknown candidates")

	networkCmd.AddCommand(networkInitCmd)
	networkCmd.AddCommand(networkDiscoverCmd)
	networkCmd.AddCommand(networkStatusCmd)
}
