package batteryprofiletest

import (
	"context"
	"fmt"

	"github.com/spf13/cast"
	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"

	"batteryprofiletest/engine"
)

// batteryReader abstracts the battery telemetry source.
type batteryReader interface {
	ReadBattery(ctx context.Context) (engine.Measurement, error)
}

// sensorBatteryReader reads battery state from a Viam sensor and normalizes
// current to amps with currentScale.
type sensorBatteryReader struct {
	sensor       sensor.Sensor
	voltageKey   string
	currentKey   string
	socKey       string
	currentScale float64
}

func newSensorBatteryReader(s sensor.Sensor, cfg *Config) *sensorBatteryReader {
	r := &sensorBatteryReader{
		sensor:       s,
		voltageKey:   cfg.VoltageKey,
		currentKey:   cfg.CurrentKey,
		socKey:       cfg.SOCKey,
		currentScale: cfg.CurrentScale,
	}
	if r.voltageKey == "" {
		r.voltageKey = "voltage"
	}
	if r.currentKey == "" {
		r.currentKey = "current"
	}
	if r.socKey == "" {
		r.socKey = "soc"
	}
	if r.currentScale == 0 {
		r.currentScale = 1
	}
	return r
}

func (r *sensorBatteryReader) ReadBattery(ctx context.Context) (engine.Measurement, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return engine.Measurement{}, err
	}

	v, err := numericReading(readings, r.voltageKey)
	if err != nil {
		return engine.Measurement{}, err
	}
	i, err := numericReading(readings, r.currentKey)
	if err != nil {
		return engine.Measurement{}, err
	}

	m := engine.Measurement{Voltage: v, Current: i * r.currentScale}
	// Not every monitor reports state of charge.
	if _, ok := readings[r.socKey]; ok {
		if m.SOC, err = numericReading(readings, r.socKey); err != nil {
			return engine.Measurement{}, err
		}
	}
	return m, nil
}

func numericReading(readings map[string]interface{}, key string) (float64, error) {
	val, ok := readings[key]
	if !ok {
		return 0, fmt.Errorf("sensor readings missing %q key", key)
	}
	f, err := cast.ToFloat64E(val)
	if err != nil {
		return 0, fmt.Errorf("sensor reading %q is not numeric: %T", key, val)
	}
	return f, nil
}

// chargerSupply is the actuator side of a run: it applies setpoints and
// reports what the charger is delivering.
type chargerSupply interface {
	ApplySetpoint(ctx context.Context, sp engine.Setpoint) error
	DisableOutput(ctx context.Context) error
	ReadOutput(ctx context.Context) (voltage, current float64, err error)
}

// powerSensorSupply drives a power sensor resource that understands the
// apply_setpoint and output_off commands, such as scpi-power-supply.
type powerSensorSupply struct {
	ps powersensor.PowerSensor
}

func (s *powerSensorSupply) ApplySetpoint(ctx context.Context, sp engine.Setpoint) error {
	cmd := map[string]interface{}{
		"command":   cmdApplySetpoint,
		keyVoltage:  sp.Voltage,
		keyLimitPos: sp.CurrentLimitPositive,
		keyLimitNeg: sp.CurrentLimitNegative,
	}
	if sp.Output != engine.OutputUnchanged {
		cmd[keyOutput] = sp.Output.String()
	}
	if _, err := s.ps.DoCommand(ctx, cmd); err != nil {
		return fmt.Errorf("applying setpoint: %w", err)
	}
	return nil
}

func (s *powerSensorSupply) DisableOutput(ctx context.Context) error {
	if _, err := s.ps.DoCommand(ctx, map[string]interface{}{"command": cmdOutputOff}); err != nil {
		return fmt.Errorf("disabling output: %w", err)
	}
	return nil
}

func (s *powerSensorSupply) ReadOutput(ctx context.Context) (float64, float64, error) {
	v, _, err := s.ps.Voltage(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("reading charger voltage: %w", err)
	}
	i, _, err := s.ps.Current(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("reading charger current: %w", err)
	}
	return v, i, nil
}
