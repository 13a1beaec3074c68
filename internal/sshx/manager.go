package sshx

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/models"
)

// Dialer opens a session to a device. Production code uses Connect;
// tests swap in fakes.
type Dialer func(ctx context.Context, device *models.Device, cfg config.SSHConfig, logger *zap.Logger) (Runner, error)

// SessionManager hands out at most one session per device at a time,
// preventing interleaved remote writes from concurrent orchestration
// passes.
//
// Thread-safe for concurrent access.
type SessionManager struct {
	cfg    config.SSHConfig
	dial   Dialer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]Runner
}

// NewSessionManager creates a session manager using the default dialer.
func NewSessionManager(cfg config.SSHConfig, logger *zap.Logger) *SessionManager {
	return NewSessionManagerWithDialer(cfg, logger, func(ctx context.Context, device *models.Device, cfg config.SSHConfig, logger *zap.Logger) (Runner, error) {
		return Connect(ctx, device, cfg, logger)
	})
}

// NewSessionManagerWithDialer creates a session manager with a custom
// dialer.
func NewSessionManagerWithDialer(cfg config.SSHConfig, logger *zap.Logger, dial Dialer) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		sessions: make(map[string]Runner),
	}
}

// Acquire opens an exclusive session to the device. It fails with
// ErrSessionBusy if the device's session is already held by another
// pass. Every Acquire must be matched by a Release on all exit paths.
func (m *SessionManager) Acquire(ctx context.Context, device *models.Device) (Runner, error) {
	m.mu.Lock()
	if _, held := m.sessions[device.ID]; held {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: device %s", ErrSessionBusy, device.ID)
	}
	// Reserve the slot before dialing so a slow dial still excludes
	// concurrent acquirers.
	m.sessions[device.ID] = nil
	m.mu.Unlock()

	sess, err := m.dial(ctx, device, m.cfg, m.logger)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, device.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[device.ID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Release closes and frees the device's session. Releasing a device
// without a session is a no-op.
func (m *SessionManager) Release(deviceID string) {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	if ok && sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.Warn("failed to close session",
				zap.String("device", deviceID),
				zap.Error(err))
		}
	}
}

// Held reports whether a session for the device is currently held.
func (m *SessionManager) Held(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[deviceID]
	return ok
}

// Count returns the number of held sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close releases every held session.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]Runner)
	m.mu.Unlock()

	var errs []error
	for id, sess := range sessions {
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session for device %s: %w", id, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing sessions: %v", errs)
	}
	return nil
}
