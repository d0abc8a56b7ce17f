package batteryprofiletest

import (
	"context"
	"fmt"
	"sort"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var ProfileSensor = resource.NewModel("viamdemo", "battery-profile-test", "profile-sensor")

func init() {
	resource.RegisterComponent(sensor.API, ProfileSensor,
		resource.Registration[sensor.Sensor, *SensorConfig]{
			Constructor: newProfileSensor,
		},
	)
}

// defaultRunFields are the run values recorded when the config names none.
var defaultRunFields = []string{
	"state", "run_id", "step", "command", "output_status",
	"setpoint_voltage", "current_limit_pos", "current_limit_neg",
	"battery_voltage", "battery_current", "battery_soc",
	"charger_voltage", "charger_current", "elapsed_s",
}

type SensorConfig struct {
	Controller  string   `json:"controller"`
	Fields      []string `json:"fields,omitempty"`       // default: defaultRunFields
	CaptureIdle bool     `json:"capture_idle,omitempty"` // record readings between runs too
}

func (cfg *SensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	for _, f := range cfg.Fields {
		if f == "" {
			return nil, nil, fmt.Errorf("%s: fields must not contain empty names", path)
		}
	}
	return []string{generic.Named(cfg.Controller).String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// profileSensor turns the controller's run state into sensor readings so data
// capture records each sample of a run. Captures between runs are skipped
// unless capture_idle is set.
type profileSensor struct {
	resource.AlwaysRebuild

	name        resource.Name
	logger      logging.Logger
	controller  stateProvider
	fields      []string
	captureIdle bool
}

func newProfileSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	res, ok := deps[generic.Named(conf.Controller)]
	if !ok {
		return nil, fmt.Errorf("profile controller %q not found in dependencies", conf.Controller)
	}
	provider, ok := res.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("%q is not a profile controller", conf.Controller)
	}

	fields := conf.Fields
	if len(fields) == 0 {
		fields = defaultRunFields
	}
	return &profileSensor{
		name:        rawConf.ResourceName(),
		logger:      logger,
		controller:  provider,
		fields:      fields,
		captureIdle: conf.CaptureIdle,
	}, nil
}

func (s *profileSensor) Name() resource.Name {
	return s.name
}

func (s *profileSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.controller.GetState()
	if fromCapture(extra) && !s.captureIdle && state["state"] != stateRunning {
		return nil, data.ErrNoCaptureToStore
	}

	readings := make(map[string]interface{}, len(s.fields))
	for _, f := range s.fields {
		v, ok := state[f]
		if !ok {
			continue
		}
		switch v.(type) {
		case string, bool, int, float64:
			readings[f] = v
		default:
			readings[f] = fmt.Sprint(v)
		}
	}
	return readings, nil
}

func fromCapture(extra map[string]interface{}) bool {
	v, ok := extra[data.FromDMString].(bool)
	return ok && v
}

// DoCommand answers "status" with the full controller state and "fields" with
// the recorded field names.
func (s *profileSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, _ := cmd["command"].(string)
	switch command {
	case "status":
		return s.controller.GetState(), nil
	case "fields":
		names := append([]string(nil), s.fields...)
		sort.Strings(names)
		out := make([]interface{}, len(names))
		for i, n := range names {
			out[i] = n
		}
		return map[string]interface{}{"fields": out}, nil
	default:
		return nil, fmt.Errorf("unknown command: %q", command)
	}
}

func (s *profileSensor) Close(context.Context) error {
	return nil
}
