package models

// DeviceConstraint is a role requirement inside an experiment: what
// kind of device a stage needs, not a bound device instance. Binding
// to a concrete device happens at validation time, against a LAN.
type DeviceConstraint struct {
	// Role is the required device role (usually participant)
	Role string `json:"role" yaml:"role" validate:"required,oneof=controller participant"`

	// Arch is the required CPU architecture tag
	Arch string `json:"arch" yaml:"arch" validate:"required"`

	// ExtraDeps are packages layered on top of the base image
	ExtraDeps []string `json:"extraDeps,omitempty" yaml:"extraDeps"`

	// RuntimeScript is the path of the stage's entry script, relative
	// to the experiment directory
	RuntimeScript string `json:"runtimeScript" yaml:"runtimeScript" validate:"required"`

	// Order is the deployment wave index. Constraints sharing an index
	// deploy concurrently; lower indices deploy first.
	Order int `json:"order" yaml:"order" validate:"gte=0"`
}

// Experiment is one test case: an ordered list of device constraints
// plus a serializable parameter set. Experiments are reusable across
// LANs as long as the constraints can be satisfied.
type Experiment struct {
	// ID is the unique experiment identifier, generated at creation
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the experiment name (directory name by convention)
	Name string `json:"name" yaml:"name" validate:"required"`

	// Constraints are the per-stage device requirements
	Constraints []DeviceConstraint `json:"deviceConstraints" yaml:"deviceConstraints" validate:"required,min=1,dive"`

	// Config is the free-form experiment parameter set
	Config map[string]any `json:"config,omitempty" yaml:"config"`

	// LogPath is the well-known telemetry log path inside each
	// container; the wrapper entrypoint writes telemetry lines there
	LogPath string `json:"logPath,omitempty" yaml:"logPath"`
}

// Binding ties one device constraint to one concrete LAN device.
type Binding struct {
	// ConstraintIndex is the position of the constraint in the
	// experiment's declaration order
	ConstraintIndex int `json:"constraintIndex"`

	// DeviceID is the bound device
	DeviceID string `json:"deviceId"`

	// Wave is the deployment wave the binding belongs to
	Wave int `json:"wave"`
}

// BindingPlan is the result of validating an experiment against a LAN:
// a bijective constraint-to-device assignment plus any non-fatal
// warnings (for example, equal order indices deploying concurrently).
type BindingPlan struct {
	ExperimentID string    `json:"experimentId"`
	LANID        string    `json:"lanId"`
	Bindings     []Binding `json:"bindings"`
	Warnings     []string  `json:"warnings,omitempty"`
}
