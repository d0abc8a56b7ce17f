package engine

// OutputState is the tri-state output field of a setpoint command.
type OutputState int

const (
	// OutputUnchanged leaves the actuator output as it is.
	OutputUnchanged OutputState = iota
	OutputOn
	OutputOff
)

func (o OutputState) String() string {
	switch o {
	case OutputOn:
		return "ON"
	case OutputOff:
		return "OFF"
	default:
		return "NA"
	}
}

// Setpoint is the command applied to the power source on step activation.
type Setpoint struct {
	Voltage              float64
	CurrentLimitPositive float64
	CurrentLimitNegative float64
	Output               OutputState
}

// Measurement is one telemetry sample. Current is in amps.
type Measurement struct {
	Voltage float64
	Current float64
	SOC     float64
}
