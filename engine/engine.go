// Package engine sequences a battery test profile. Each call to Tick feeds one
// measurement; the engine applies the active step's setpoint once when the
// step activates and advances when the step's exit condition is met.
//
// An Engine is not safe for concurrent use. Callers that expose its state to
// other goroutines should publish Snapshot values.
package engine

import (
	"time"

	"batteryprofiletest/profile"
)

// Phase is the state of the active step.
type Phase int

const (
	PhaseJustActivated Phase = iota
	PhaseWaiting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseJustActivated:
		return "activating"
	case PhaseWaiting:
		return "waiting"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// TickResult describes what a single Tick did.
type TickResult struct {
	// Step is the active step index after the tick.
	Step int
	// Activated is set when the tick applied a step's setpoint.
	Activated bool
	// Setpoint is the command applied on activation, nil otherwise.
	Setpoint *Setpoint
	// Advanced is set when the tick satisfied the active step's condition.
	Advanced bool
	// Done is set on the tick that completed the final step.
	Done bool
}

// Snapshot is a copy of the engine state for readers outside the sampling loop.
type Snapshot struct {
	Step         profile.Step
	StepCount    int
	Phase        Phase
	OutputStatus OutputState
	LastSetpoint Setpoint
	HasSetpoint  bool
	Done         bool
	// Parked is set when completion detection is off and the final step's
	// condition has been met.
	Parked bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithInitialOutput sets the output status reported before the first
// output_state step. Defaults to OutputOff.
func WithInitialOutput(o OutputState) Option {
	return func(e *Engine) {
		e.outputStatus = o
	}
}

// WithoutCompletion disables completion detection. When the final step's
// condition is met the engine stays on that step without re-applying its
// setpoint and never reports done; the caller ends the run.
func WithoutCompletion() Option {
	return func(e *Engine) {
		e.detectCompletion = false
	}
}

// Engine is the step sequencer.
type Engine struct {
	profile *profile.Profile
	emit    func(Setpoint)

	detectCompletion bool

	cursor       int
	phase        Phase
	activatedAt  time.Time
	outputStatus OutputState
	lastSetpoint Setpoint
	hasSetpoint  bool
	parked       bool
}

// New returns an engine positioned on step 1, which activates on the first Tick.
// emit is called synchronously, exactly once per step activation.
func New(p *profile.Profile, emit func(Setpoint), opts ...Option) *Engine {
	e := &Engine{
		profile:          p,
		emit:             emit,
		detectCompletion: true,
		cursor:           1,
		phase:            PhaseJustActivated,
		outputStatus:     OutputOff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick advances the state machine by one sample taken at now.
//
// An activating step applies its setpoint and starts waiting; its exit
// condition is first checked on the following tick. When a condition is met
// the cursor moves to the next step, which activates on the next tick.
func (e *Engine) Tick(m Measurement, now time.Time) TickResult {
	if e.phase == PhaseDone {
		return TickResult{Step: e.cursor, Done: true}
	}

	step, _ := e.profile.Step(e.cursor)

	if e.phase == PhaseJustActivated {
		sp := e.activate(step, now)
		return TickResult{Step: e.cursor, Activated: true, Setpoint: &sp}
	}

	if e.parked || !satisfied(step, m, now.Sub(e.activatedAt)) {
		return TickResult{Step: e.cursor}
	}

	if e.cursor == e.profile.Len() {
		if !e.detectCompletion {
			e.parked = true
			return TickResult{Step: e.cursor, Advanced: true}
		}
		e.phase = PhaseDone
		return TickResult{Step: e.cursor, Advanced: true, Done: true}
	}

	e.cursor++
	e.phase = PhaseJustActivated
	return TickResult{Step: e.cursor, Advanced: true}
}

func (e *Engine) activate(step profile.Step, now time.Time) Setpoint {
	sp := Setpoint{
		Voltage:              step.SetpointVoltage,
		CurrentLimitPositive: step.CurrentLimitPositive,
		CurrentLimitNegative: step.CurrentLimitNegative,
		Output:               OutputUnchanged,
	}
	if step.Command == profile.CommandOutputState {
		sp.Output = OutputOff
		if step.OutputEnabled() {
			sp.Output = OutputOn
		}
		e.outputStatus = sp.Output
	}
	e.activatedAt = now
	e.lastSetpoint = sp
	e.hasSetpoint = true
	e.phase = PhaseWaiting

	if e.emit != nil {
		e.emit(sp)
	}
	return sp
}

func satisfied(step profile.Step, m Measurement, elapsed time.Duration) bool {
	switch step.Command {
	case profile.CommandTimeout:
		return elapsed.Seconds() >= step.Threshold
	case profile.CommandEndCurrent:
		return m.Current < step.Threshold
	case profile.CommandFloatVoltage:
		return m.Voltage >= step.Threshold
	case profile.CommandOutputState:
		return true
	default:
		return false
	}
}

// IsDone reports whether the final step's condition has been met.
func (e *Engine) IsDone() bool {
	return e.phase == PhaseDone
}

// CurrentStepIndex returns the 1-based index of the active step.
func (e *Engine) CurrentStepIndex() int {
	return e.cursor
}

// OutputStatus returns the last commanded output state.
func (e *Engine) OutputStatus() OutputState {
	return e.outputStatus
}

// LastSetpoint returns the most recently applied setpoint.
func (e *Engine) LastSetpoint() (Setpoint, bool) {
	return e.lastSetpoint, e.hasSetpoint
}

// Snapshot returns a copy of the engine state for publishing.
func (e *Engine) Snapshot() Snapshot {
	step, _ := e.profile.Step(e.cursor)
	return Snapshot{
		Step:         step,
		StepCount:    e.profile.Len(),
		Phase:        e.phase,
		OutputStatus: e.outputStatus,
		LastSetpoint: e.lastSetpoint,
		HasSetpoint:  e.hasSetpoint,
		Done:         e.phase == PhaseDone,
		Parked:       e.parked,
	}
}
