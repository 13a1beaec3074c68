package models

import "time"

// Per-binding execution statuses. A binding walks
// pending -> building -> deployed -> running -> succeeded | failed;
// cancelled bindings stay pending.
const (
	BindingPending   = "pending"
	BindingBuilding  = "building"
	BindingDeployed  = "deployed"
	BindingRunning   = "running"
	BindingSucceeded = "succeeded"
	BindingFailed    = "failed"
)

// Run-level aggregate statuses.
const (
	RunInProgress = "in_progress"
	RunSucceeded  = "succeeded"
	RunFailed     = "failed"
	RunAborted    = "aborted"
)

// BindingState tracks one device binding through a run. Mid-run errors
// are recorded here, not raised past the run boundary.
type BindingState struct {
	// ConstraintIndex is the constraint's declaration position
	ConstraintIndex int `json:"constraintIndex"`

	// DeviceID is the bound device
	DeviceID string `json:"deviceId"`

	// Wave is the deployment wave
	Wave int `json:"wave"`

	// Status is the binding status (pending, building, deployed,
	// running, succeeded, failed)
	Status string `json:"status"`

	// ExitCode is the remote process exit code, once terminal
	ExitCode int `json:"exitCode,omitempty"`

	// Error holds diagnostic detail (stderr snippet) on failure
	Error string `json:"error,omitempty"`

	// Image is the tag of the image built for this binding
	Image string `json:"image,omitempty"`

	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// RunRecord is one execution attempt of an experiment against a
// specific LAN. Created at deployment start, immutable once terminal.
type RunRecord struct {
	// ID is the unique run identifier (UUID)
	ID string `json:"id"`

	// ExperimentID references the experiment that was run
	ExperimentID string `json:"experimentId"`

	// LANID references the LAN the run executed on
	LANID string `json:"lanId"`

	// Bindings holds per-device state, in constraint declaration order
	Bindings []BindingState `json:"bindings"`

	// Status is the aggregate run status; succeeded iff every binding
	// succeeded
	Status string `json:"status"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Terminal reports whether the run has reached a final state.
func (r *RunRecord) Terminal() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed || r.Status == RunAborted
}

// Aggregate recomputes the run status from its binding states.
// It returns RunInProgress while any binding is still non-terminal.
func (r *RunRecord) Aggregate() string {
	allSucceeded := true
	for i := range r.Bindings {
		switch r.Bindings[i].Status {
		case BindingSucceeded:
		case BindingFailed, BindingPending:
			allSucceeded = false
		default:
			return RunInProgress
		}
	}
	if allSucceeded {
		return RunSucceeded
	}
	return RunFailed
}
