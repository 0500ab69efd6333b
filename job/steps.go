package job

import (
	"errors"
	"fmt"
	"slices"

	"github.com/use-agent/shepherd/extract"
	"github.com/use-agent/shepherd/models"
)

// StepID returns the id a step runs under: its own, or "step-<n>" for the
// step at index i.
func StepID(step models.StepSpec, i int) string {
	if step.ID != "" {
		return step.ID
	}
	return fmt.Sprintf("step-%d", i+1)
}

// ValidateSteps checks what struct tags cannot: selector syntax, extract
// formats, and that step ids stay unique once defaults are applied.
func ValidateSteps(steps []models.StepSpec) error {
	if len(steps) == 0 {
		return errors.New("no steps")
	}
	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		for _, sel := range []string{s.Selector, s.Anchor, s.RejectSelector} {
			if sel == "" {
				continue
			}
			if err := extract.ValidateSelector(sel); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		if !extract.ValidFormat(s.Format) {
			return fmt.Errorf("steps[%d]: unknown format %q", i, s.Format)
		}
		id := StepID(s, i)
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("steps[%d]: step id %q already used by steps[%d]", i, id, prev)
		}
		seen[id] = i
	}
	return nil
}

func withStepIDs(steps []models.StepSpec) []models.StepSpec {
	out := slices.Clone(steps)
	for i := range out {
		out[i].ID = StepID(out[i], i)
	}
	return out
}
