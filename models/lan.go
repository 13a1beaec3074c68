package models

import "time"

// LAN is one named network configuration: a set of device IDs, exactly
// one controller, and network-level metadata. The LAN holds only ID
// references into the device registry, never device records themselves.
//
// Two users on the same physical network produce two distinct LAN
// records because the controller identity differs.
type LAN struct {
	// ID is the unique LAN identifier (UUID)
	ID string `json:"id"`

	// Name is the human-readable network name
	Name string `json:"name"`

	// Subnet is the CIDR block the LAN was discovered on
	Subnet string `json:"subnet"`

	// ControllerID references the single controller device
	ControllerID string `json:"controllerId"`

	// DeviceIDs references the participant devices, unique by ID
	DeviceIDs []string `json:"deviceIds"`

	// DiscoveredAt is when the last discovery sweep completed
	DiscoveredAt *time.Time `json:"discoveredAt,omitempty"`
}

// HasDevice reports whether the given device ID is a member of the LAN
// (controller included).
func (l *LAN) HasDevice(id string) bool {
	if id == l.ControllerID {
		return true
	}
	for _, d := range l.DeviceIDs {
		if d == id {
			return true
		}
	}
	return false
}
