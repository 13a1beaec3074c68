package lan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/internal/sshx"
	"github.com/bramblectl/bramble/models"
)

type stubRunner struct{}

func (stubRunner) Execute(ctx context.Context, cmd string) (sshx.ExecResult, error) {
	return sshx.ExecResult{}, nil
}
func (stubRunner) Upload(ctx context.Context, localPath, remotePath string) error { return nil }
func (stubRunner) UploadStream(ctx context.Context, r io.Reader, remotePath string) error {
	return nil
}
func (stubRunner) Download(ctx context.Context, remotePath, localPath string) error { return nil }
func (stubRunner) Open(remotePath string) (io.ReadCloser, error)                    { return nil, nil }
func (stubRunner) Close() error                                                     { return nil }

type stubDeployer struct {
	called bool
	plan   *models.BindingPlan
}

func (d *stubDeployer) Run(ctx context.Context, exp *models.Experiment, plan *models.BindingPlan) (*models.RunRecord, error) {
	d.called = true
	d.plan = plan
	return &models.RunRecord{
		ID:           "run-1",
		ExperimentID: exp.ID,
		Status:       models.RunSucceeded,
	}, nil
}

type fixture struct {
	ctrl    *Controller
	reg     *registry.Registry
	dialErr map[string]error
}

func newFixture(t *testing.T, deviceIDs ...string) *fixture {
	t.Helper()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "lan.json"), zap.NewNop())
	require.NoError(t, err)

	f := &fixture{reg: reg, dialErr: make(map[string]error)}

	ctlID, err := reg.Register(&models.Device{
		ID:    "ctl",
		IP:    "192.168.4.1",
		Arch:  "amd64",
		Role:  models.RoleController,
		State: models.DeviceConfigured,
	})
	require.NoError(t, err)

	for i, id := range deviceIDs {
		_, err := reg.Register(&models.Device{
			ID:    id,
			IP:    fmt.Sprintf("192.168.4.%d", 21+i),
			Arch:  "arm64",
			Role:  models.RoleParticipant,
			State: models.DeviceConfigured,
		})
		require.NoError(t, err)
	}

	require.NoError(t, reg.SetLAN(&models.LAN{
		ID:           "lan-1",
		Name:         "workbench",
		Subnet:       "192.168.4.0/24",
		ControllerID: ctlID,
		DeviceIDs:    deviceIDs,
	}))
	ctl, err := reg.Get(ctlID)
	require.NoError(t, err)
	require.NoError(t, reg.SetController(&models.Controller{Device: ctl, RepoPath: "/srv/experiments"}))

	dial := func(ctx context.Context, device *models.Device, cfg config.SSHConfig, logger *zap.Logger) (sshx.Runner, error) {
		if err := f.dialErr[device.ID]; err != nil {
			return nil, err
		}
		return stubRunner{}, nil
	}
	sessions := sshx.NewSessionManagerWithDialer(config.SSHConfig{}, zap.NewNop(), dial)

	f.ctrl = NewController(reg, sessions, &config.Config{}, zap.NewNop())
	return f
}

func oneStageExperiment() *models.Experiment {
	return &models.Experiment{
		ID:   "exp-1",
		Name: "single",
		Constraints: []models.DeviceConstraint{
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/main.py", Order: 0},
		},
	}
}

func TestEstablishAll_IndependentOutcomes(t *testing.T) {
	f := newFixture(t, "dev-a", "dev-b")
	f.dialErr["dev-b"] = errors.New("connection refused")

	statuses := f.ctrl.EstablishAll(context.Background())
	require.Len(t, statuses, 3)

	assert.True(t, statuses["dev-a"].Connected)
	assert.False(t, statuses["dev-b"].Connected)
	assert.Contains(t, statuses["dev-b"].Error, "connection refused")
	assert.True(t, statuses["ctl"].Connected)
}

func TestEstablishAll_RefreshesLastSeen(t *testing.T) {
	f := newFixture(t, "dev-a")

	f.ctrl.EstablishAll(context.Background())

	d, err := f.reg.Get("dev-a")
	require.NoError(t, err)
	assert.NotNil(t, d.LastSeen)
}

func TestEstablishAll_ReleasesSessions(t *testing.T) {
	f := newFixture(t, "dev-a")

	f.ctrl.EstablishAll(context.Background())
	assert.Equal(t, 0, f.ctrl.Sessions().Count())
}

func TestOrchestrateDeployment_Dispatches(t *testing.T) {
	f := newFixture(t, "dev-a")
	dep := &stubDeployer{}

	record, err := f.ctrl.OrchestrateDeployment(context.Background(), oneStageExperiment(), dep)
	require.NoError(t, err)
	assert.True(t, dep.called)
	assert.Equal(t, models.RunSucceeded, record.Status)
	require.Len(t, dep.plan.Bindings, 1)
	assert.Equal(t, "dev-a", dep.plan.Bindings[0].DeviceID)

	// The dispatch lands on the controller's audit trail.
	ctrl := f.reg.Controller()
	require.NotNil(t, ctrl)
	require.Len(t, ctrl.Dispatched, 1)
	assert.Equal(t, "run-1", ctrl.Dispatched[0].RunID)
}

func TestOrchestrateDeployment_UnreachableDeviceBlocks(t *testing.T) {
	f := newFixture(t, "dev-a")
	f.dialErr["dev-a"] = errors.New("no route to host")
	dep := &stubDeployer{}

	_, err := f.ctrl.OrchestrateDeployment(context.Background(), oneStageExperiment(), dep)
	assert.ErrorIs(t, err, ErrUnsatisfiedConstraint)
	assert.False(t, dep.called)
}

func TestOrchestrateDeployment_UnsatisfiableConstraintBlocks(t *testing.T) {
	f := newFixture(t, "dev-a")
	dep := &stubDeployer{}

	exp := oneStageExperiment()
	exp.Constraints[0].Arch = "riscv64"

	_, err := f.ctrl.OrchestrateDeployment(context.Background(), exp, dep)
	assert.ErrorIs(t, err, ErrUnsatisfiedConstraint)
	assert.Contains(t, err.Error(), "riscv64")
	assert.False(t, dep.called)
}

func TestOrchestrateDeployment_NoLAN(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "lan.json"), zap.NewNop())
	require.NoError(t, err)
	sessions := sshx.NewSessionManagerWithDialer(config.SSHConfig{}, zap.NewNop(),
		func(ctx context.Context, device *models.Device, cfg config.SSHConfig, logger *zap.Logger) (sshx.Runner, error) {
			return stubRunner{}, nil
		})
	ctrl := NewController(reg, sessions, &config.Config{}, zap.NewNop())

	_, err = ctrl.OrchestrateDeployment(context.Background(), oneStageExperiment(), &stubDeployer{})
	assert.Error(t, err)
}
