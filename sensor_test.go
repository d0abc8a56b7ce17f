package batteryprofiletest

import (
	"context"
	"errors"
	"testing"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"batteryprofiletest/engine"
)

type mockStateProvider struct {
	state map[string]interface{}
}

func (m *mockStateProvider) GetState() map[string]interface{} {
	return m.state
}

func newTestProfileSensor(t *testing.T, state map[string]interface{}, fields []string, captureIdle bool) *profileSensor {
	t.Helper()
	if len(fields) == 0 {
		fields = defaultRunFields
	}
	return &profileSensor{
		name:        resource.NewName(sensor.API, "test-sensor"),
		logger:      logging.NewTestLogger(t),
		controller:  &mockStateProvider{state: state},
		fields:      fields,
		captureIdle: captureIdle,
	}
}

var runningState = map[string]interface{}{
	"state":           stateRunning,
	"should_sync":     true,
	"run_id":          "5f0c8f1e-3a52-4c1e-9a51-0d2c6d1f2b7a",
	"step":            3,
	"step_message":    "CV charge to taper",
	"battery_voltage": 13.72,
	"battery_current": 2.4,
}

func TestSensor_Readings(t *testing.T) {
	t.Run("default fields only", func(t *testing.T) {
		s := newTestProfileSensor(t, runningState, nil, false)
		readings, err := s.Readings(context.Background(), nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		for _, key := range []string{"state", "run_id", "step", "battery_voltage", "battery_current"} {
			if readings[key] != runningState[key] {
				t.Errorf("%s: expected %v, got %v", key, runningState[key], readings[key])
			}
		}
		if _, ok := readings["step_message"]; ok {
			t.Error("step_message is not a default field")
		}
		if _, ok := readings["should_sync"]; ok {
			t.Error("should_sync is not a default field")
		}
	})

	t.Run("configured fields", func(t *testing.T) {
		s := newTestProfileSensor(t, runningState, []string{"battery_voltage", "missing"}, false)
		readings, err := s.Readings(context.Background(), nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if len(readings) != 1 || readings["battery_voltage"] != 13.72 {
			t.Errorf("expected only battery_voltage, got %v", readings)
		}
	})

	t.Run("capture skipped while idle", func(t *testing.T) {
		idle := map[string]interface{}{"state": stateIdle, "should_sync": false}
		s := newTestProfileSensor(t, idle, nil, false)

		_, err := s.Readings(context.Background(), data.FromDMExtraMap)
		if !errors.Is(err, data.ErrNoCaptureToStore) {
			t.Errorf("expected ErrNoCaptureToStore, got %v", err)
		}

		readings, err := s.Readings(context.Background(), nil)
		if err != nil || readings["state"] != stateIdle {
			t.Errorf("direct readings should still report idle, got %v (%v)", readings, err)
		}
	})

	t.Run("capture_idle records between runs", func(t *testing.T) {
		done := map[string]interface{}{"state": stateCompleted}
		s := newTestProfileSensor(t, done, nil, true)
		readings, err := s.Readings(context.Background(), data.FromDMExtraMap)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if readings["state"] != stateCompleted {
			t.Errorf("expected state=completed, got %v", readings["state"])
		}
	})

	t.Run("capture while running", func(t *testing.T) {
		s := newTestProfileSensor(t, runningState, nil, false)
		if _, err := s.Readings(context.Background(), data.FromDMExtraMap); err != nil {
			t.Errorf("capture during a run should succeed, got %v", err)
		}
	})
}

func TestSensor_DoCommand(t *testing.T) {
	s := newTestProfileSensor(t, runningState, []string{"step", "battery_voltage"}, false)

	status, err := s.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status["step_message"] != "CV charge to taper" {
		t.Errorf("status should forward the full controller state, got %v", status)
	}

	res, err := s.DoCommand(context.Background(), map[string]interface{}{"command": "fields"})
	if err != nil {
		t.Fatalf("fields failed: %v", err)
	}
	fields := res["fields"].([]interface{})
	if len(fields) != 2 || fields[0] != "battery_voltage" || fields[1] != "step" {
		t.Errorf("unexpected fields %v", fields)
	}

	if _, err := s.DoCommand(context.Background(), map[string]interface{}{"command": "calibrate"}); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestSensorConfig(t *testing.T) {
	t.Run("requires controller", func(t *testing.T) {
		cfg := &SensorConfig{}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing controller")
		}
	})

	t.Run("rejects empty field name", func(t *testing.T) {
		cfg := &SensorConfig{Controller: "ctrl", Fields: []string{"step", ""}}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for empty field name")
		}
	})

	t.Run("depends on the generic controller", func(t *testing.T) {
		cfg := &SensorConfig{Controller: "my-controller"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 1 || deps[0] != generic.Named("my-controller").String() {
			t.Errorf("unexpected dependencies %v", deps)
		}
	})
}

func TestSensor_Constructor(t *testing.T) {
	t.Run("fails if controller not found", func(t *testing.T) {
		rawConf := resource.Config{
			Name:                "test-sensor",
			API:                 sensor.API,
			Model:               ProfileSensor,
			ConvertedAttributes: &SensorConfig{Controller: "missing-controller"},
		}
		if _, err := newProfileSensor(context.Background(), resource.Dependencies{}, rawConf, logging.NewTestLogger(t)); err == nil {
			t.Error("expected error when controller not found")
		}
	})

	t.Run("readings follow a live run", func(t *testing.T) {
		ctrl, battery, _ := newTestController(t, &Config{Profile: writeProfile(t, chargeProfile)})
		battery.set(engine.Measurement{Voltage: 13.1, Current: 4}, nil)

		rawConf := resource.Config{
			Name:                "test-sensor",
			API:                 sensor.API,
			Model:               ProfileSensor,
			ConvertedAttributes: &SensorConfig{Controller: "test-controller"},
		}
		deps := resource.Dependencies{generic.Named("test-controller"): ctrl}
		s, err := newProfileSensor(context.Background(), deps, rawConf, logging.NewTestLogger(t))
		if err != nil {
			t.Fatalf("newProfileSensor failed: %v", err)
		}

		if _, err := s.Readings(context.Background(), data.FromDMExtraMap); !errors.Is(err, data.ErrNoCaptureToStore) {
			t.Errorf("expected capture to be skipped before start, got %v", err)
		}

		if _, err := ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "start"}); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		waitForStep(t, ctrl, 2)

		readings, err := s.Readings(context.Background(), data.FromDMExtraMap)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		state := ctrl.GetState()
		for _, key := range []string{"state", "run_id", "step", "command"} {
			if readings[key] != state[key] {
				t.Errorf("%s mismatch: readings=%v, controller=%v", key, readings[key], state[key])
			}
		}
	})
}
