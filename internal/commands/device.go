package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/models"
)

var (
	deviceName    string
	deviceIP      string
	deviceMAC     string
	deviceArch    string
	deviceUser    string
	deviceKeyPath string
	deviceRole    string
	deviceOS      string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage registered devices",
	Long: `Manage the device registry.

Every board that participates in experiments must be registered with at
least an IP address. A device becomes eligible for deployment once its
architecture, SSH user and key path are known.`,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		filter := registry.Filter{
			Role: cmd.Flag("role").Value.String(),
			Arch: cmd.Flag("arch").Value.String(),
		}

		devices := reg.List(filter)
		if len(devices) == 0 {
			fmt.Println("No devices registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIP\tARCH\tROLE\tSTATE")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(d.ID), d.Name, d.IP, d.Arch, d.Role, d.State)
		}
		return w.Flush()
	},
}

var deviceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a device",
	Long: `Register a device with the local registry.

Examples:
  # Minimal registration, configure later
  bramble device add --ip 192.168.4.21

  # Fully configured participant
  bramble device add --ip 192.168.4.21 --name nano-01 --arch arm64 \
    --user ubuntu --key ~/.ssh/id_bramble`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		d := &models.Device{
			Name:     deviceName,
			IP:       deviceIP,
			MAC:      deviceMAC,
			Arch:     deviceArch,
			User:     deviceUser,
			KeyPath:  deviceKeyPath,
			Role:     deviceRole,
			OSFamily: deviceOS,
		}

		// Architecture plus SSH credentials (possibly the configured
		// defaults) are enough to deploy to the board.
		user := d.User
		if user == "" {
			user = cfg.SSH.User
		}
		key := d.KeyPath
		if key == "" {
			key = cfg.SSH.KeyPath
		}
		if d.Arch != "" && user != "" && key != "" {
			d.State = models.DeviceConfigured
		}

		id, err := reg.Register(d)
		if err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}

		state := d.State
		if state == "" {
			state = models.DeviceUnconfigured
		}
		fmt.Printf("✅ Device registered: %s (%s)\n", id, state)
		return nil
	},
}

var deviceShowCmd = &cobra.Command{
	Use:   "show <device-id>",
	Short: "Show a device record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		d, err := reg.Get(args[0])
		if err != nil {
			return fmt.Errorf("failed to load device: %w", err)
		}

		fmt.Printf("ID:        %s\n", d.ID)
		fmt.Printf("Name:      %s\n", d.Name)
		fmt.Printf("Hostname:  %s\n", d.Hostname)
		fmt.Printf("IP:        %s\n", d.IP)
		fmt.Printf("MAC:       %s\n", d.MAC)
		fmt.Printf("Arch:      %s\n", d.Arch)
		fmt.Printf("OS:        %s %s\n", d.OSFamily, d.OSVersion)
		fmt.Printf("User:      %s\n", d.User)
		fmt.Printf("Key:       %s\n", d.KeyPath)
		fmt.Printf("Role:      %s\n", d.Role)
		fmt.Printf("State:     %s\n", d.State)
		if d.LastSeen != nil {
			fmt.Printf("Last seen: %s\n", d.LastSeen.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Remove a device from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, logger, err := openRegistry()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		if err := reg.Remove(args[0]); err != nil {
			return fmt.Errorf("failed to remove device: %w", err)
		}
		fmt.Printf("✅ Device removed: %s\n", args[0])
		return nil
	},
}

func init() {
	deviceListCmd.Flags().String("role", "", "filter by role (controller, participant)")
	deviceListCmd.Flags().String("arch", "", "filter by architecture (arm64, armv7, amd64)")

	deviceAddCmd.Flags().StringVar(&deviceName, "name", "", "device name")
	deviceAddCmd.Flags().StringVar(&deviceIP, "ip", "", "device IP address (required)")
	deviceAddCmd.Flags().StringVar(&deviceMAC, "mac", "", "device MAC address")
	deviceAddCmd.Flags().StringVar(&deviceArch, "arch", "", "CPU architecture (arm64, armv7, amd64)")
	deviceAddCmd.Flags().StringVar(&deviceUser, "user", "", "SSH user")
	deviceAddCmd.Flags().StringVar(&deviceKeyPath, "key", "", "SSH private key path")
	deviceAddCmd.Flags().StringVar(&deviceRole, "role", models.RoleParticipant, "device role")
	deviceAddCmd.Flags().StringVar(&deviceOS, "os", "", "operating system family")
	_ = deviceAddCmd.MarkFlagRequired("ip") //nolint:errcheck

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(deviceShowCmd)
	deviceCmd.AddCommand(deviceRemoveCmd)
}

func openRegistry() (*registry.Registry, *zap.Logger, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Open(cfg.Registry.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return reg, logger, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
