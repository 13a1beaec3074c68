// Package experiment parses and validates declarative experiment
// descriptors and binds their device constraints to concrete LAN
// devices.
//
// A descriptor lives in an experiment directory as experiment.yaml
// (JSON-compatible) and declares per-stage device requirements, not
// bound device instances:
//
//	id: 7f9c2e2a-...
//	name: split-inference
//	deviceConstraints:
//	  - role: participant
//	    arch: arm64
//	    extraDeps: [libopenblas-dev]
//	    runtimeScript: stages/edge.py
//	    order: 0
//	  - role: participant
//	    arch: armv7
//	    runtimeScript: stages/head.py
//	    order: 1
//	config:
//	  batch_size: 8
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bramblectl/bramble/models"
)

// DescriptorFile is the well-known descriptor name inside an
// experiment directory.
const DescriptorFile = "experiment.yaml"

// DefaultLogPath is where the wrapper entrypoint writes telemetry
// lines inside each container.
const DefaultLogPath = "/var/log/bramble/telemetry.log"

// MalformedDescriptorError reports schema violations in a descriptor.
// It blocks deployment entirely, with zero side effects.
type MalformedDescriptorError struct {
	Source   string
	Problems []string
}

func (e *MalformedDescriptorError) Error() string {
	return fmt.Sprintf("malformed descriptor %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// Parser parses experiment descriptors.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a descriptor parser.
func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// ParseFile reads and parses the descriptor in an experiment directory.
func (p *Parser) ParseFile(dir string) (*models.Experiment, error) {
	path := filepath.Join(dir, DescriptorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return p.Parse(data, path)
}

// Parse parses descriptor bytes. Unknown fields are rejected so typos
// surface at authoring time, not mid-run.
func (p *Parser) Parse(data []byte, source string) (*models.Experiment, error) {
	var exp models.Experiment

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&exp); err != nil {
		return nil, &MalformedDescriptorError{
			Source:   source,
			Problems: []string{fmt.Sprintf("invalid YAML: %v", err)},
		}
	}

	var problems []string

	if err := p.validate.Struct(&exp); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("field %s fails %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	problems = append(problems, checkOrdering(&exp)...)

	if len(problems) > 0 {
		return nil, &MalformedDescriptorError{Source: source, Problems: problems}
	}

	if exp.LogPath == "" {
		exp.LogPath = DefaultLogPath
	}

	return &exp, nil
}

// checkOrdering verifies deployment order indices form a usable order.
// Gaps are allowed at authoring time; negative indices are not.
func checkOrdering(exp *models.Experiment) []string {
	var problems []string
	for i, c := range exp.Constraints {
		if c.Order < 0 {
			problems = append(problems, fmt.Sprintf("constraint %d has negative order %d", i, c.Order))
		}
	}
	return problems
}

// Init materializes a new experiment directory: descriptor with a
// generated ID plus the conventional subdirectories.
func Init(dir, name string) (*models.Experiment, error) {
	exp := &models.Experiment{
		ID:   uuid.NewString(),
		Name: name,
		Constraints: []models.DeviceConstraint{
			{
				Role:          models.RoleParticipant,
				Arch:          "arm64",
				RuntimeScript: "stages/main.py",
				Order:         0,
			},
		},
		Config:  map[string]any{},
		LogPath: DefaultLogPath,
	}

	for _, sub := range []string{"stages", "datasets", "output"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create experiment directory: %w", err)
		}
	}

	data, err := yaml.Marshal(exp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write descriptor: %w", err)
	}

	return exp, nil
}
