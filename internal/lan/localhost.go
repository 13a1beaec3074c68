package lan

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/bramblectl/bramble/models"
)

// LocalDevice introspects the machine bramble is running on and
// returns it as a controller-role device. If iface is empty the first
// non-loopback IPv4 interface is used.
func LocalDevice(iface string) (*models.Device, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, i := range ifaces {
		if iface != "" && i.Name != iface {
			continue
		}
		if i.Flags&net.FlagLoopback != 0 || i.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return &models.Device{
				Name:     hostname,
				Hostname: hostname,
				IP:       ipnet.IP.String(),
				MAC:      i.HardwareAddr.String(),
				Arch:     runtime.GOARCH,
				OSFamily: runtime.GOOS,
				Role:     models.RoleController,
				State:    models.DeviceConfigured,
			}, nil
		}
	}

	if iface != "" {
		return nil, fmt.Errorf("interface %s has no usable IPv4 address", iface)
	}
	return nil, fmt.Errorf("no non-loopback IPv4 interface found")
}
