// Package registry provides the persistent device registry for bramble.
//
// The registry is the single shared mutable store: every component reads
// devices through it and writes via its atomic per-record update
// operation. It is backed by one JSON file per LAN configuration, read
// at startup and rewritten atomically on every mutation.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/models"
)

var (
	// ErrDuplicateDevice is returned when a device with the same
	// IP+MAC pair is already registered.
	ErrDuplicateDevice = errors.New("device with this IP and MAC already registered")

	// ErrNotFound is returned when a device ID is not in the registry.
	ErrNotFound = errors.New("device not found")

	// ErrInvalidState is returned when an update violates the device
	// lifecycle, such as changing the architecture of a configured device.
	ErrInvalidState = errors.New("invalid device state transition")
)

// Filter selects devices from List. Zero-value fields match everything.
type Filter struct {
	Role  string
	Arch  string
	State string
}

// Patch is a partial device update. Nil fields are left untouched.
type Patch struct {
	Name      *string
	Hostname  *string
	IP        *string
	MAC       *string
	Arch      *string
	OSFamily  *string
	OSVersion *string
	User      *string
	KeyPath   *string
	Role      *string
	State     *string
	LastSeen  *time.Time
}

// lanFile is the on-disk shape of one LAN configuration.
type lanFile struct {
	LAN        *models.LAN               `json:"lan,omitempty"`
	Controller *models.Controller        `json:"controller,omitempty"`
	Devices    map[string]*models.Device `json:"devices"`

	// Order preserves registration order for deterministic listing
	Order []string `json:"order"`
}

// Registry is the durable device store. All mutations are atomic per
// device record: concurrent updates to distinct devices never conflict,
// concurrent updates to the same device are serialized.
type Registry struct {
	path   string
	logger *zap.Logger

	mu         sync.RWMutex
	devices    map[string]*models.Device
	order      []string
	recordLock map[string]*sync.Mutex
	lan        *models.LAN
	controller *models.Controller
}

// Open loads the registry from path, creating an empty registry if the
// file does not exist yet.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		path:       path,
		logger:     logger,
		devices:    make(map[string]*models.Device),
		recordLock: make(map[string]*sync.Mutex),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var f lanFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}

	if f.Devices != nil {
		r.devices = f.Devices
	}
	r.order = f.Order
	r.lan = f.LAN
	r.controller = f.Controller

	// Recover ordering for files written before order tracking
	if len(r.order) != len(r.devices) {
		r.order = r.order[:0]
		for id := range r.devices {
			r.order = append(r.order, id)
		}
	}

	for id := range r.devices {
		r.recordLock[id] = &sync.Mutex{}
	}

	logger.Info("registry loaded",
		zap.String("path", path),
		zap.Int("devices", len(r.devices)))

	return r, nil
}

// Register adds a new device and returns its ID. A UUID is generated
// when the record does not carry one. Fails with ErrDuplicateDevice if
// the IP+MAC pair is already present; the registry is left unchanged.
func (r *Registry) Register(d *models.Device) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.devices {
		if sameEndpoint(existing, d) {
			return "", fmt.Errorf("%w: %s/%s", ErrDuplicateDevice, d.IP, d.MAC)
		}
	}

	record := cloneDevice(d)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.State == "" {
		record.State = models.DeviceUnconfigured
	}
	if record.Role == "" {
		record.Role = models.RoleParticipant
	}

	r.devices[record.ID] = record
	r.order = append(r.order, record.ID)
	r.recordLock[record.ID] = &sync.Mutex{}

	if err := r.saveLocked(); err != nil {
		delete(r.devices, record.ID)
		delete(r.recordLock, record.ID)
		r.order = r.order[:len(r.order)-1]
		return "", err
	}

	r.logger.Info("device registered",
		zap.String("id", record.ID),
		zap.String("ip", record.IP),
		zap.String("role", record.Role))

	return record.ID, nil
}

// Get returns a copy of the device record.
func (r *Registry) Get(id string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneDevice(d), nil
}

// Update applies a partial update to one device record. Updates to the
// same device are serialized; the architecture of a configured device
// cannot change (re-register the device instead), and a patch cannot
// move a device onto another device's IP+MAC endpoint.
func (r *Registry) Update(id string, p Patch) (*models.Device, error) {
	r.mu.RLock()
	lock, ok := r.recordLock[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if p.Arch != nil && d.Configured() && *p.Arch != d.Arch {
		return nil, fmt.Errorf("%w: architecture is immutable once configured", ErrInvalidState)
	}

	patched := cloneDevice(d)
	applyPatch(patched, p)

	// Moving a device onto another device's endpoint would break the
	// IP+MAC uniqueness the registry guarantees on registration.
	if p.IP != nil || p.MAC != nil {
		for oid, other := range r.devices {
			if oid != id && sameEndpoint(other, patched) {
				return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateDevice, patched.IP, patched.MAC)
			}
		}
	}

	r.devices[id] = patched

	if err := r.saveLocked(); err != nil {
		r.devices[id] = d
		return nil, err
	}

	return cloneDevice(patched), nil
}

// List returns devices matching the filter, in registration order.
func (r *Registry) List(f Filter) []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Device, 0, len(r.devices))
	for _, id := range r.order {
		d, ok := r.devices[id]
		if !ok {
			continue
		}
		if f.Role != "" && d.Role != f.Role {
			continue
		}
		if f.Arch != "" && d.Arch != f.Arch {
			continue
		}
		if f.State != "" && d.State != f.State {
			continue
		}
		out = append(out, cloneDevice(d))
	}
	return out
}

// Remove deletes a device record. Removal is the only way a device
// leaves the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(r.devices, id)
	delete(r.recordLock, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return r.saveLocked()
}

// SetLAN stores the LAN metadata record.
func (r *Registry) SetLAN(l *models.LAN) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lan = l
	return r.saveLocked()
}

// LAN returns the stored LAN metadata, or nil if none was saved yet.
func (r *Registry) LAN() *models.LAN {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lan
}

// SetController stores the controller record.
func (r *Registry) SetController(c *models.Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controller = c
	return r.saveLocked()
}

// Controller returns the stored controller record, or nil.
func (r *Registry) Controller() *models.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// saveLocked rewrites the registry file atomically. Callers must hold mu.
func (r *Registry) saveLocked() error {
	f := lanFile{
		LAN:        r.lan,
		Controller: r.controller,
		Devices:    r.devices,
		Order:      r.order,
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}

	return nil
}

func sameEndpoint(a, b *models.Device) bool {
	return a.IP == b.IP && strings.EqualFold(a.MAC, b.MAC)
}

func applyPatch(d *models.Device, p Patch) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Hostname != nil {
		d.Hostname = *p.Hostname
	}
	if p.IP != nil {
		d.IP = *p.IP
	}
	if p.MAC != nil {
		d.MAC = *p.MAC
	}
	if p.Arch != nil {
		d.Arch = *p.Arch
	}
	if p.OSFamily != nil {
		d.OSFamily = *p.OSFamily
	}
	if p.OSVersion != nil {
		d.OSVersion = *p.OSVersion
	}
	if p.User != nil {
		d.User = *p.User
	}
	if p.KeyPath != nil {
		d.KeyPath = *p.KeyPath
	}
	if p.Role != nil {
		d.Role = *p.Role
	}
	if p.State != nil {
		d.State = *p.State
	}
	if p.LastSeen != nil {
		t := *p.LastSeen
		d.LastSeen = &t
	}
}

func cloneDevice(d *models.Device) *models.Device {
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	return &c
}
