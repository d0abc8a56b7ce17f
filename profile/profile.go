// Package profile loads and validates battery test profiles: ordered lists of
// setpoint steps, each ending on a timeout, current or voltage condition.
package profile

import (
	"fmt"
	"sort"
)

// Profile is an immutable, validated sequence of steps indexed 1..N.
type Profile struct {
	steps []Step
}

// New validates records and builds a Profile. Records may arrive in any
// order; after sorting by index they must cover 1..N exactly once.
func New(records []Record) (*Profile, error) {
	if len(records) == 0 {
		return nil, &StructureError{Reason: "profile has no steps"}
	}

	steps := make([]Step, 0, len(records))
	for _, rec := range records {
		step, err := parseStep(rec)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Index < steps[j].Index
	})

	for i, step := range steps {
		want := i + 1
		switch {
		case step.Index < 1:
			return nil, &StructureError{Reason: fmt.Sprintf("step index %d is not positive", step.Index)}
		case step.Index < want:
			return nil, &StructureError{Reason: fmt.Sprintf("step %d is defined more than once", step.Index)}
		case step.Index > want:
			return nil, &StructureError{Reason: fmt.Sprintf("step %d is missing (next defined step is %d)", want, step.Index)}
		}
	}

	return &Profile{steps: steps}, nil
}

// Len returns the number of steps.
func (p *Profile) Len() int {
	return len(p.steps)
}

// Step returns the step with the given 1-based index.
func (p *Profile) Step(index int) (Step, bool) {
	if index < 1 || index > len(p.steps) {
		return Step{}, false
	}
	return p.steps[index-1], true
}

// Steps returns a copy of all steps in index order.
func (p *Profile) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}
