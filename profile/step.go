package profile

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var errNotFinite = errors.New("value must be finite")

// Command selects the exit condition of a step.
type Command string

const (
	CommandTimeout      Command = "timeout"
	CommandEndCurrent   Command = "end_current"
	CommandFloatVoltage Command = "float_voltage"
	CommandOutputState  Command = "output_state"
)

// Valid reports whether c is one of the recognized commands.
func (c Command) Valid() bool {
	switch c {
	case CommandTimeout, CommandEndCurrent, CommandFloatVoltage, CommandOutputState:
		return true
	default:
		return false
	}
}

// Column names of the tabular profile format.
const (
	FieldStep      = "step"
	FieldVoltage   = "Vsp"
	FieldLimitPos  = "Ilim_pos"
	FieldLimitNeg  = "Ilim_neg"
	FieldCommand   = "command"
	FieldThreshold = "value"
	FieldMessage   = "message"
)

// Fields lists the columns every record must carry, in file order.
var Fields = []string{FieldStep, FieldVoltage, FieldLimitPos, FieldLimitNeg, FieldCommand, FieldThreshold, FieldMessage}

// Record is one unparsed row of a profile source.
type Record struct {
	Line   int
	Fields map[string]string
}

// Step is one validated row of a profile.
type Step struct {
	Index                int
	SetpointVoltage      float64
	CurrentLimitPositive float64
	// CurrentLimitNegative keeps the sign it was written with.
	CurrentLimitNegative float64
	Command              Command
	// Threshold is seconds for timeout, amps for end_current, volts for
	// float_voltage and 0/1 for output_state.
	Threshold float64
	Message   string
}

// OutputEnabled reports the output state an output_state step commands.
func (s Step) OutputEnabled() bool {
	return s.Threshold == 1
}

func parseStep(rec Record) (Step, error) {
	var step Step

	raw, err := field(rec, FieldStep)
	if err != nil {
		return step, err
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return step, &FormatError{Line: rec.Line, Field: FieldStep, Value: raw, Err: err}
	}
	step.Index = idx

	cmd, err := field(rec, FieldCommand)
	if err != nil {
		return step, err
	}
	step.Command = Command(cmd)
	if !step.Command.Valid() {
		return step, &InvalidStepError{Line: rec.Line, Step: idx, Command: cmd}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{FieldVoltage, &step.SetpointVoltage},
		{FieldLimitPos, &step.CurrentLimitPositive},
		{FieldLimitNeg, &step.CurrentLimitNegative},
		{FieldThreshold, &step.Threshold},
	}
	for _, f := range floats {
		raw, err := field(rec, f.name)
		if err != nil {
			return step, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return step, &FormatError{Line: rec.Line, Field: f.name, Value: raw, Err: err}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return step, &FormatError{Line: rec.Line, Field: f.name, Value: raw, Err: errNotFinite}
		}
		*f.dst = v
	}

	if step.Command == CommandOutputState && step.Threshold != 0 && step.Threshold != 1 {
		return step, &InvalidStepValueError{Line: rec.Line, Step: idx, Command: step.Command, Value: step.Threshold}
	}

	msg, ok := rec.Fields[FieldMessage]
	if !ok {
		return step, &FormatError{Line: rec.Line, Field: FieldMessage}
	}
	step.Message = msg

	return step, nil
}

// field returns the trimmed value of a required, non-empty field.
func field(rec Record, name string) (string, error) {
	v, ok := rec.Fields[name]
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", &FormatError{Line: rec.Line, Field: name}
	}
	return v, nil
}
