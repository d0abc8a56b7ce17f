//go:build e2e

package batteryprofiletest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
)

const taperProfile = `step,Vsp,Ilim_pos,Ilim_neg,command,value,message
1,14.4,8,-8,output_state,1,enable charger
2,14.4,8,-8,end_current,1.0,CV until taper
3,13.6,2,-2,timeout,0.05,float
4,0,0,0,output_state,0,disable charger
`

// TestE2E_ProfileRunsAgainstSimulatedSupply drives a full profile through the
// controller with the simulated SCPI supply standing in for both the charger
// and the battery monitor.
func TestE2E_ProfileRunsAgainstSimulatedSupply(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	inst := newMockInstrument()
	psu, err := newPowerSupply(resource.NewName(powersensor.API, "psu"), inst, logger)
	if err != nil {
		t.Fatalf("newPowerSupply failed: %v", err)
	}
	battery := inject.NewSensor("battery")
	battery.ReadingsFunc = func(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
		return psu.Readings(ctx, extra)
	}

	dir := t.TempDir()
	profilePath := filepath.Join(dir, "taper.csv")
	if err := os.WriteFile(profilePath, []byte(taperProfile), 0o644); err != nil {
		t.Fatal(err)
	}

	deps := resource.Dependencies{
		resource.NewName(sensor.API, "battery"):  battery,
		resource.NewName(powersensor.API, "psu"): psu,
	}
	res, err := NewController(ctx, deps, resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "controller"), &Config{
		BatterySensor: "battery",
		PowerSupply:   "psu",
		Profile:       profilePath,
		SampleRateHz:  200,
		DisplayRateHz: 20,
		LogDir:        filepath.Join(dir, "logs"),
		TestName:      "e2e",
	}, logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	ctrl := res.(*profileController)
	defer ctrl.Close(ctx)

	if _, err := ctrl.DoCommand(ctx, map[string]interface{}{"command": "start"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var state map[string]interface{}
	for {
		state = ctrl.GetState()
		if state["state"] != stateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, last state %v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state["state"] != stateCompleted {
		t.Fatalf("expected completed, got %v (last_error=%v)", state["state"], state["last_error"])
	}
	if inst.output {
		t.Error("expected supply output off after completion")
	}

	logs, err := filepath.Glob(filepath.Join(dir, "logs", "e2e_*.csv"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one sample log, got %v (%v)", logs, err)
	}
	data, err := os.ReadFile(logs[0])
	if err != nil {
		t.Fatal(err)
	}
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(rows) < 9 {
		t.Errorf("expected at least one row per tick, got %d rows", len(rows))
	}
	if !strings.HasSuffix(rows[len(rows)-1], ",4") {
		t.Errorf("expected last sample on step 4, got %q", rows[len(rows)-1])
	}
}
