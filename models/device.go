package models

import "time"

// Device roles within a LAN.
const (
	RoleController  = "controller"
	RoleParticipant = "participant"
)

// Device configuration states.
const (
	DeviceUnconfigured = "unconfigured"
	DeviceConfigured   = "configured"
)

// Device represents one board on the LAN: its identity and the facts
// needed to open a control channel to it.
//
// A device is created unconfigured (discovery knows only IP, MAC and
// maybe a hostname) and becomes configured once the connection fields
// are filled in. The architecture tag is immutable after that point;
// swapped hardware is a new registration, not an update.
//
// Example JSON representation:
//
//	{
//	  "id": "b2c3d4e5-...",
//	  "name": "pi-arm64-01",
//	  "ipAddress": "192.168.1.21",
//	  "macAddress": "dc:a6:32:01:ab:cd",
//	  "architecture": "arm64",
//	  "role": "participant",
//	  "state": "configured"
//	}
type Device struct {
	// ID is the unique device identifier (UUID)
	ID string `json:"id"`

	// Name is the human-readable device name (unique within a LAN)
	Name string `json:"name"`

	// Hostname is the DNS hostname, if resolvable
	Hostname string `json:"hostname,omitempty"`

	// IP is the device's LAN IP address
	IP string `json:"ipAddress"`

	// MAC is the device's MAC address; IP+MAC is unique within a LAN
	MAC string `json:"macAddress"`

	// Arch is the CPU architecture tag (arm64, armv7, amd64, ...).
	// Immutable once the device is configured.
	Arch string `json:"architecture,omitempty"`

	// OSFamily is the operating system family (linux, ...)
	OSFamily string `json:"osFamily,omitempty"`

	// OSVersion is the OS release string
	OSVersion string `json:"osVersion,omitempty"`

	// User is the SSH login user
	User string `json:"user,omitempty"`

	// KeyPath is the path to the SSH private key on the controller
	KeyPath string `json:"keyPath,omitempty"`

	// Role is the device role (controller, participant)
	Role string `json:"role"`

	// State is the configuration state (unconfigured, configured)
	State string `json:"state"`

	// LastSeen is when the device last answered a probe or connection
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Configured reports whether the device has completed its identity and
// connection fields.
func (d *Device) Configured() bool {
	return d.State == DeviceConfigured
}

// Addr returns the SSH dial address for the device.
func (d *Device) Addr() string {
	return d.IP + ":22"
}

// RunDispatch is one entry in the controller's audit trail: a run that
// was dispatched from this controller.
type RunDispatch struct {
	RunID        string    `json:"runId"`
	ExperimentID string    `json:"experimentId"`
	DispatchedAt time.Time `json:"dispatchedAt"`
}

// Controller wraps the controller-role device with controller-only
// state. Composition, not inheritance: the embedded record lives in
// the same registry as every other device.
type Controller struct {
	// Device is the underlying controller device record
	Device *Device `json:"device"`

	// RepoPath is the local experiment repository root
	RepoPath string `json:"repoPath"`

	// Dispatched is the audit trail of runs started from this controller
	Dispatched []RunDispatch `json:"dispatched,omitempty"`
}
