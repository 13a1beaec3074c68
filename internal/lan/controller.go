// Package lan represents one network configuration: a controller
// device plus its participants. It performs discovery, aggregate
// connection setup, and the pre-flight gate in front of deployment.
package lan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/internal/experiment"
	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/internal/sshx"
	"github.com/bramblectl/bramble/models"
)

// ErrUnsatisfiedConstraint is returned when an experiment requires a
// device no LAN member can satisfy, or the matching device is
// unreachable. Raised before any container build begins.
var ErrUnsatisfiedConstraint = errors.New("unsatisfied device constraint")

// ErrNoController is returned when the LAN has no controller record.
var ErrNoController = errors.New("LAN has no controller")

// ConnectionStatus is the per-device outcome of EstablishAll.
type ConnectionStatus struct {
	DeviceID  string `json:"deviceId"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Deployer runs a validated binding plan to completion. Implemented by
// the orchestration package; substituted by fakes in tests.
type Deployer interface {
	Run(ctx context.Context, exp *models.Experiment, plan *models.BindingPlan) (*models.RunRecord, error)
}

// Controller coordinates one LAN: its registry, its session pool, and
// the deployments dispatched from it.
type Controller struct {
	registry *registry.Registry
	sessions *sshx.SessionManager
	cfg      *config.Config
	logger   *zap.Logger
}

// NewController creates a LAN controller.
func NewController(reg *registry.Registry, sessions *sshx.SessionManager, cfg *config.Config, logger *zap.Logger) *Controller {
	return &Controller{
		registry: reg,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Registry exposes the underlying device registry.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// Sessions exposes the session manager.
func (c *Controller) Sessions() *sshx.SessionManager {
	return c.sessions
}

// Discover sweeps the subnet for candidate devices. The registry is
// not touched; candidates are returned for the caller to register.
func (c *Controller) Discover(ctx context.Context, subnet string) ([]Candidate, error) {
	if subnet == "" {
		subnet = DetectSubnet()
	}
	return Discover(ctx, subnet, c.cfg.Discovery, c.logger)
}

// EstablishAll connects to every registered participant plus the
// controller in parallel, collecting per-device outcomes
// independently. One unreachable device does not block the others.
// Reachable devices get their LastSeen refreshed in the registry.
func (c *Controller) EstablishAll(ctx context.Context) map[string]ConnectionStatus {
	devices := c.registry.List(registry.Filter{})

	results := make(map[string]ConnectionStatus, len(devices))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, d := range devices {
		wg.Add(1)
		go func(d *models.Device) {
			defer wg.Done()

			status := ConnectionStatus{DeviceID: d.ID}

			sess, err := c.sessions.Acquire(ctx, d)
			if err != nil {
				status.Error = err.Error()
			} else {
				defer c.sessions.Release(d.ID)
				if err := probeSession(ctx, sess, d); err != nil {
					status.Error = err.Error()
				} else {
					status.Connected = true
					now := time.Now()
					if _, err := c.registry.Update(d.ID, registry.Patch{LastSeen: &now}); err != nil {
						c.logger.Warn("failed to refresh last-seen",
							zap.String("device", d.ID), zap.Error(err))
					}
				}
			}

			mu.Lock()
			results[d.ID] = status
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	return results
}

func probeSession(ctx context.Context, sess sshx.Runner, d *models.Device) error {
	if s, ok := sess.(*sshx.Session); ok {
		return s.ProbeCapabilities(ctx)
	}
	_, err := sess.Execute(ctx, "true")
	return err
}

// OrchestrateDeployment validates the experiment against this LAN,
// confirms every bound device is reachable, then delegates to the
// deployer. Fail-fast: no container build starts unless every
// constraint is satisfiable.
func (c *Controller) OrchestrateDeployment(ctx context.Context, exp *models.Experiment, dep Deployer) (*models.RunRecord, error) {
	l := c.registry.LAN()
	if l == nil {
		return nil, fmt.Errorf("no LAN configuration loaded")
	}
	if c.registry.Controller() == nil {
		return nil, ErrNoController
	}

	devices := c.registry.List(registry.Filter{})
	plan, err := experiment.Validate(exp, l, devices)
	if err != nil {
		// Callers of the deployment gate match one sentinel, whatever
		// the binder's reason was.
		return nil, fmt.Errorf("%w: %v", ErrUnsatisfiedConstraint, err)
	}

	// Reachability gate: every bound device must answer before any
	// resource is committed.
	statuses := c.EstablishAll(ctx)
	for _, b := range plan.Bindings {
		st, ok := statuses[b.DeviceID]
		if !ok || !st.Connected {
			return nil, fmt.Errorf("%w: device %s is unreachable: %s",
				ErrUnsatisfiedConstraint, b.DeviceID, st.Error)
		}
	}

	for _, w := range plan.Warnings {
		c.logger.Warn("binding plan warning", zap.String("warning", w))
	}

	record, err := dep.Run(ctx, exp, plan)
	if err != nil {
		return record, err
	}

	c.recordDispatch(record)

	return record, nil
}

// recordDispatch appends the run to the controller's audit trail.
func (c *Controller) recordDispatch(run *models.RunRecord) {
	ctrl := c.registry.Controller()
	if ctrl == nil {
		return
	}
	ctrl.Dispatched = append(ctrl.Dispatched, models.RunDispatch{
		RunID:        run.ID,
		ExperimentID: run.ExperimentID,
		DispatchedAt: run.StartedAt,
	})
	if err := c.registry.SetController(ctrl); err != nil {
		c.logger.Warn("failed to persist dispatch audit trail", zap.Error(err))
	}
}
