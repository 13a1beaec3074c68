package experiment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bramblectl/bramble/models"
)

// ValidationError reports why an experiment cannot be bound to a LAN.
// It blocks deployment before any resource is touched.
type ValidationError struct {
	ExperimentID string
	Problems     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("experiment %s cannot run on this LAN: %s",
		e.ExperimentID, strings.Join(e.Problems, "; "))
}

// Validate binds every device constraint to a concrete LAN device and
// returns the plan. Assignment is first-fit: constraints in declared
// order, candidates in registration order, each device bound at most
// once. The function is pure; identical inputs yield an identical plan.
//
// Constraints sharing an order index land in the same wave and deploy
// concurrently. That is reported as a warning, not resolved silently,
// since simultaneous deployment may be intended.
func Validate(exp *models.Experiment, lan *models.LAN, devices []*models.Device) (*models.BindingPlan, error) {
	plan := &models.BindingPlan{
		ExperimentID: exp.ID,
		LANID:        lan.ID,
	}

	var problems []string

	// Candidates: configured LAN members, registration order preserved.
	candidates := make([]*models.Device, 0, len(devices))
	for _, d := range devices {
		if !lan.HasDevice(d.ID) {
			continue
		}
		if !d.Configured() {
			continue
		}
		candidates = append(candidates, d)
	}

	bound := make(map[string]bool, len(candidates))
	for i, c := range exp.Constraints {
		var match *models.Device
		for _, d := range candidates {
			if bound[d.ID] {
				continue
			}
			if d.Role != c.Role || d.Arch != c.Arch {
				continue
			}
			match = d
			break
		}
		if match == nil {
			problems = append(problems,
				fmt.Sprintf("constraint %d: no unbound %s device with architecture %s", i, c.Role, c.Arch))
			continue
		}
		bound[match.ID] = true
		plan.Bindings = append(plan.Bindings, models.Binding{
			ConstraintIndex: i,
			DeviceID:        match.ID,
		})
	}

	if len(problems) > 0 {
		return nil, &ValidationError{ExperimentID: exp.ID, Problems: problems}
	}

	assignWaves(exp, plan)

	return plan, nil
}

// assignWaves ranks distinct order indices into dense wave numbers and
// records a warning for each shared index.
func assignWaves(exp *models.Experiment, plan *models.BindingPlan) {
	distinct := make([]int, 0, len(exp.Constraints))
	seen := make(map[int]int)
	for _, c := range exp.Constraints {
		if _, ok := seen[c.Order]; !ok {
			seen[c.Order] = 0
			distinct = append(distinct, c.Order)
		}
		seen[c.Order]++
	}
	sort.Ints(distinct)

	rank := make(map[int]int, len(distinct))
	for i, o := range distinct {
		rank[o] = i
	}

	for i := range plan.Bindings {
		order := exp.Constraints[plan.Bindings[i].ConstraintIndex].Order
		plan.Bindings[i].Wave = rank[order]
	}

	for _, o := range distinct {
		if seen[o] > 1 {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("%d constraints share order index %d and will deploy concurrently", seen[o], o))
		}
	}
}

// Waves groups a plan's bindings by wave, ascending. Within a wave
// bindings keep constraint declaration order.
func Waves(plan *models.BindingPlan) [][]models.Binding {
	if len(plan.Bindings) == 0 {
		return nil
	}
	maxWave := 0
	for _, b := range plan.Bindings {
		if b.Wave > maxWave {
			maxWave = b.Wave
		}
	}
	waves := make([][]models.Binding, maxWave+1)
	for _, b := range plan.Bindings {
		waves[b.Wave] = append(waves[b.Wave], b)
	}
	return waves
}
