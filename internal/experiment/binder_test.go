package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bramblectl/bramble/models"
)

func testLAN(deviceIDs ...string) *models.LAN {
	return &models.LAN{
		ID:           "lan-1",
		Name:         "workbench",
		Subnet:       "192.168.4.0/24",
		ControllerID: "ctl-1",
		DeviceIDs:    deviceIDs,
	}
}

func configuredDevice(id, arch string) *models.Device {
	return &models.Device{
		ID:    id,
		Name:  "dev-" + id,
		IP:    "192.168.4." + id,
		Arch:  arch,
		Role:  models.RoleParticipant,
		State: models.DeviceConfigured,
	}
}

func twoStageExperiment() *models.Experiment {
	return &models.Experiment{
		ID:   "exp-1",
		Name: "split-inference",
		Constraints: []models.DeviceConstraint{
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/edge.py", Order: 0},
			{Role: models.RoleParticipant, Arch: "armv7", RuntimeScript: "stages/head.py", Order: 1},
		},
	}
}

func TestValidate_BindsFirstFit(t *testing.T) {
	exp := twoStageExperiment()
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		configuredDevice("22", "arm64"),
		configuredDevice("23", "armv7"),
	}

	plan, err := Validate(exp, testLAN("21", "22", "23"), devices)
	require.NoError(t, err)

	require.Len(t, plan.Bindings, 2)
	assert.Equal(t, "21", plan.Bindings[0].DeviceID)
	assert.Equal(t, "23", plan.Bindings[1].DeviceID)
	assert.Equal(t, 0, plan.Bindings[0].Wave)
	assert.Equal(t, 1, plan.Bindings[1].Wave)
	assert.Empty(t, plan.Warnings)
}

func TestValidate_Deterministic(t *testing.T) {
	exp := twoStageExperiment()
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		configuredDevice("22", "armv7"),
		configuredDevice("23", "arm64"),
	}
	lan := testLAN("21", "22", "23")

	first, err := Validate(exp, lan, devices)
	require.NoError(t, err)
	second, err := Validate(exp, lan, devices)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestValidate_DeviceBoundAtMostOnce(t *testing.T) {
	exp := &models.Experiment{
		ID:   "exp-1",
		Name: "pair",
		Constraints: []models.DeviceConstraint{
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/a.py", Order: 0},
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/b.py", Order: 1},
		},
	}
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		configuredDevice("22", "arm64"),
	}

	plan, err := Validate(exp, testLAN("21", "22"), devices)
	require.NoError(t, err)
	assert.NotEqual(t, plan.Bindings[0].DeviceID, plan.Bindings[1].DeviceID)
}

func TestValidate_UnsatisfiedConstraint(t *testing.T) {
	exp := twoStageExperiment()
	devices := []*models.Device{configuredDevice("21", "arm64")}

	_, err := Validate(exp, testLAN("21"), devices)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "exp-1", vErr.ExperimentID)
	require.Len(t, vErr.Problems, 1)
	assert.Contains(t, vErr.Problems[0], "armv7")
}

func TestValidate_UnconfiguredDevicesIgnored(t *testing.T) {
	exp := twoStageExperiment()
	unready := configuredDevice("23", "armv7")
	unready.State = models.DeviceUnconfigured
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		unready,
	}

	_, err := Validate(exp, testLAN("21", "23"), devices)
	assert.Error(t, err)
}

func TestValidate_NonLANDevicesIgnored(t *testing.T) {
	exp := twoStageExperiment()
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		configuredDevice("23", "armv7"),
	}

	// armv7 device exists but is not a LAN member.
	_, err := Validate(exp, testLAN("21"), devices)
	assert.Error(t, err)
}

func TestValidate_SharedOrderIndexWarnsAndSharesWave(t *testing.T) {
	exp := &models.Experiment{
		ID:   "exp-1",
		Name: "fanout",
		Constraints: []models.DeviceConstraint{
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/a.py", Order: 0},
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/b.py", Order: 0},
			{Role: models.RoleParticipant, Arch: "armv7", RuntimeScript: "stages/c.py", Order: 1},
		},
	}
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		configuredDevice("22", "arm64"),
		configuredDevice("23", "armv7"),
	}

	plan, err := Validate(exp, testLAN("21", "22", "23"), devices)
	require.NoError(t, err)

	assert.Equal(t, 0, plan.Bindings[0].Wave)
	assert.Equal(t, 0, plan.Bindings[1].Wave)
	assert.Equal(t, 1, plan.Bindings[2].Wave)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "order index 0")
}

func TestValidate_GappedOrdersRankDense(t *testing.T) {
	exp := &models.Experiment{
		ID:   "exp-1",
		Name: "gaps",
		Constraints: []models.DeviceConstraint{
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/a.py", Order: 2},
			{Role: models.RoleParticipant, Arch: "arm64", RuntimeScript: "stages/b.py", Order: 7},
		},
	}
	devices := []*models.Device{
		configuredDevice("21", "arm64"),
		configuredDevice("22", "arm64"),
	}

	plan, err := Validate(exp, testLAN("21", "22"), devices)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.Bindings[0].Wave)
	assert.Equal(t, 1, plan.Bindings[1].Wave)
}

func TestWaves_GroupsByWave(t *testing.T) {
	plan := &models.BindingPlan{
		Bindings: []models.Binding{
			{ConstraintIndex: 0, DeviceID: "a", Wave: 0},
			{ConstraintIndex: 1, DeviceID: "b", Wave: 0},
			{ConstraintIndex: 2, DeviceID: "c", Wave: 1},
		},
	}

	waves := Waves(plan)
	require.Len(t, waves, 2)
	assert.Len(t, waves[0], 2)
	assert.Len(t, waves[1], 1)
	assert.Equal(t, "c", waves[1][0].DeviceID)
}

func TestWaves_EmptyPlan(t *testing.T) {
	assert.Nil(t, Waves(&models.BindingPlan{}))
}
