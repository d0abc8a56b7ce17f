package profile

import "fmt"

// FormatError reports a record with a missing field or a value that does not
// parse as the field's type.
type FormatError struct {
	Line  int
	Field string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("line %d: field %q missing", e.Line, e.Field)
	}
	return fmt.Sprintf("line %d: field %q has invalid value %q: %v", e.Line, e.Field, e.Value, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// StructureError reports a profile whose step indices do not form 1..N.
type StructureError struct {
	Reason string
}

func (e *StructureError) Error() string {
	return "invalid profile structure: " + e.Reason
}

// InvalidStepError reports a step with an unrecognized command.
type InvalidStepError struct {
	Line    int
	Step    int
	Command string
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("line %d: step %d has unknown command %q", e.Line, e.Step, e.Command)
}

// InvalidStepValueError reports a step whose threshold is out of range for its command.
type InvalidStepValueError struct {
	Line    int
	Step    int
	Command Command
	Value   float64
}

func (e *InvalidStepValueError) Error() string {
	return fmt.Sprintf("line %d: step %d: %s value must be 0 or 1, got %v", e.Line, e.Step, e.Command, e.Value)
}
