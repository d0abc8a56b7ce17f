package batteryprofiletest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var SCPIPowerSupply = resource.NewModel("viamdemo", "battery-profile-test", "scpi-power-supply")

func init() {
	resource.RegisterComponent(powersensor.API, SCPIPowerSupply,
		resource.Registration[powersensor.PowerSensor, *PowerSupplyConfig]{
			Constructor: newSCPIPowerSupply,
		},
	)
}

// DoCommand vocabulary shared by the power supply and the controller.
const (
	cmdApplySetpoint = "apply_setpoint"
	cmdOutputOff     = "output_off"
	cmdIdentify      = "idn"

	keyVoltage  = "voltage"
	keyLimitPos = "current_limit_pos"
	keyLimitNeg = "current_limit_neg"
	keyOutput   = "output"
)

type PowerSupplyConfig struct {
	SerialPath    string `json:"serial_path"`
	Baud          int    `json:"baud,omitempty"`            // default: 9600
	ReadTimeoutMs int    `json:"read_timeout_ms,omitempty"` // default: 1000
	UseMock       bool   `json:"use_mock,omitempty"`        // simulated instrument, no serial port
}

func (cfg *PowerSupplyConfig) Validate(path string) ([]string, []string, error) {
	if cfg.SerialPath == "" && !cfg.UseMock {
		return nil, nil, fmt.Errorf("%s: serial_path is required unless use_mock is set", path)
	}
	if cfg.Baud < 0 {
		return nil, nil, fmt.Errorf("%s: baud must not be negative", path)
	}
	return nil, nil, nil
}

type scpiPowerSupply struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger

	mu   sync.Mutex
	conn scpiConn
	idn  string
}

func newSCPIPowerSupply(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (powersensor.PowerSensor, error) {
	conf, err := resource.NativeConfig[*PowerSupplyConfig](rawConf)
	if err != nil {
		return nil, err
	}

	var conn scpiConn
	if conf.UseMock {
		conn = newMockInstrument()
		logger.Infof("scpi-power-supply using simulated instrument (use_mock=true)")
	} else {
		baud := conf.Baud
		if baud <= 0 {
			baud = 9600
		}
		timeout := conf.ReadTimeoutMs
		if timeout <= 0 {
			timeout = 1000
		}
		conn, err = openSerialSCPI(conf.SerialPath, baud, time.Duration(timeout)*time.Millisecond)
		if err != nil {
			return nil, err
		}
	}

	ps, err := newPowerSupply(rawConf.ResourceName(), conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ps, nil
}

// newPowerSupply identifies the instrument and puts it in a safe state:
// output off, zero limits, zero volts.
func newPowerSupply(name resource.Name, conn scpiConn, logger logging.Logger) (*scpiPowerSupply, error) {
	idn, err := conn.Query("*IDN?")
	if err != nil {
		return nil, fmt.Errorf("identifying power supply: %w", err)
	}
	logger.Infof("connected to %s", idn)

	for _, cmd := range []string{"OUTPUT OFF", "CURR:LIM 0", "CURR:LIM:NEG 0", "VOLT 0"} {
		if err := conn.Write(cmd); err != nil {
			return nil, fmt.Errorf("initializing power supply: %w", err)
		}
	}

	return &scpiPowerSupply{
		name:   name,
		logger: logger,
		conn:   conn,
		idn:    idn,
	}, nil
}

func (ps *scpiPowerSupply) Name() resource.Name {
	return ps.name
}

func (ps *scpiPowerSupply) measure(query string) (float64, error) {
	ps.mu.Lock()
	resp, err := ps.conn.Query(query)
	ps.mu.Unlock()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("%s returned non-numeric %q", query, resp)
	}
	return v, nil
}

// Voltage returns the measured output voltage. The output is always DC.
func (ps *scpiPowerSupply) Voltage(ctx context.Context, extra map[string]interface{}) (float64, bool, error) {
	v, err := ps.measure("MEAS:VOLT?")
	return v, false, err
}

func (ps *scpiPowerSupply) Current(ctx context.Context, extra map[string]interface{}) (float64, bool, error) {
	i, err := ps.measure("MEAS:CURR?")
	return i, false, err
}

func (ps *scpiPowerSupply) Power(ctx context.Context, extra map[string]interface{}) (float64, error) {
	v, _, err := ps.Voltage(ctx, extra)
	if err != nil {
		return 0, err
	}
	i, _, err := ps.Current(ctx, extra)
	if err != nil {
		return 0, err
	}
	return v * i, nil
}

func (ps *scpiPowerSupply) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	v, _, err := ps.Voltage(ctx, extra)
	if err != nil {
		return nil, err
	}
	i, _, err := ps.Current(ctx, extra)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"voltage": v,
		"current": i,
		"power":   v * i,
	}, nil
}

func (ps *scpiPowerSupply) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case cmdApplySetpoint:
		return ps.handleApplySetpoint(cmd)
	case cmdOutputOff:
		if err := ps.write("OUTPUT OFF"); err != nil {
			return nil, err
		}
		return map[string]interface{}{"output": "OFF"}, nil
	case cmdIdentify:
		return map[string]interface{}{"idn": ps.idn}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// handleApplySetpoint writes voltage and both current limits as given, then
// switches the output only when the command names an output state.
func (ps *scpiPowerSupply) handleApplySetpoint(cmd map[string]interface{}) (map[string]interface{}, error) {
	var vals [3]float64
	for i, key := range []string{keyVoltage, keyLimitPos, keyLimitNeg} {
		raw, ok := cmd[key]
		if !ok {
			return nil, fmt.Errorf("apply_setpoint: missing %q", key)
		}
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("apply_setpoint: %q: %w", key, err)
		}
		vals[i] = v
	}

	writes := []string{
		"VOLT " + formatSCPI(vals[0]),
		"CURR:LIM " + formatSCPI(vals[1]),
		"CURR:LIM:NEG " + formatSCPI(vals[2]),
	}
	output := "NA"
	if raw, ok := cmd[keyOutput]; ok {
		output, _ = raw.(string)
		if output != "ON" && output != "OFF" {
			return nil, fmt.Errorf("apply_setpoint: output must be ON or OFF, got %v", raw)
		}
		writes = append(writes, "OUTPUT "+output)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, w := range writes {
		if err := ps.conn.Write(w); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"status": "applied", "output": output}, nil
}

func (ps *scpiPowerSupply) write(cmd string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.conn.Write(cmd)
}

func formatSCPI(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Close disables the output before releasing the port.
func (ps *scpiPowerSupply) Close(context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := ps.conn.Write("OUTPUT OFF"); err != nil {
		ps.logger.Warnf("disabling output on close: %v", err)
	}
	return ps.conn.Close()
}
