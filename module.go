package batteryprofiletest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.viam.com/rdk/components/powersensor"
	"go.viam.com/rdk/components/sensor"
	toggleswitch "go.viam.com/rdk/components/switch"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"batteryprofiletest/engine"
	"batteryprofiletest/profile"
)

var Controller = resource.NewModel("viamdemo", "battery-profile-test", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newProfileController,
		},
	)
}

// Relay positions for the optional output contactor.
const (
	relayOpen   uint32 = 0
	relayClosed uint32 = 1
)

type Config struct {
	BatterySensor string `json:"battery_sensor"`         // REQUIRED: sensor reporting battery voltage/current
	PowerSupply   string `json:"power_supply"`           // REQUIRED: power sensor accepting apply_setpoint
	Profile       string `json:"profile"`                // REQUIRED: path to .csv or .yaml profile
	OutputRelay   string `json:"output_relay,omitempty"` // optional switch following the output state

	SampleRateHz  float64 `json:"sample_rate_hz,omitempty"`  // default: 1
	DisplayRateHz float64 `json:"display_rate_hz,omitempty"` // default: 1

	LogDir   string `json:"log_dir,omitempty"` // empty disables the CSV sample log
	TestName string `json:"test_name,omitempty"`

	VoltageKey string `json:"voltage_key,omitempty"` // default: "voltage"
	CurrentKey string `json:"current_key,omitempty"` // default: "current"
	SOCKey     string `json:"soc_key,omitempty"`     // default: "soc"
	// CurrentScale converts the sensor's current to amps, e.g. 0.001 for mA.
	CurrentScale float64 `json:"current_scale,omitempty"`

	// HoldFinalStep turns off completion detection: the run stays on the
	// last step until stopped.
	HoldFinalStep bool `json:"hold_final_step,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.BatterySensor == "" {
		return nil, nil, fmt.Errorf("%s: battery_sensor is required", path)
	}
	if cfg.PowerSupply == "" {
		return nil, nil, fmt.Errorf("%s: power_supply is required", path)
	}
	if cfg.Profile == "" {
		return nil, nil, fmt.Errorf("%s: profile is required", path)
	}
	if cfg.SampleRateHz < 0 || cfg.DisplayRateHz < 0 {
		return nil, nil, fmt.Errorf("%s: sample_rate_hz and display_rate_hz must not be negative", path)
	}
	if cfg.CurrentScale < 0 {
		return nil, nil, fmt.Errorf("%s: current_scale must not be negative", path)
	}
	deps := []string{cfg.BatterySensor, cfg.PowerSupply}
	if cfg.OutputRelay != "" {
		deps = append(deps, cfg.OutputRelay)
	}
	return deps, nil, nil
}

type profileController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	battery batteryReader
	supply  chargerSupply
	relay   toggleswitch.Switch

	sampleInterval  time.Duration
	displayInterval time.Duration
	now             func() time.Time

	mu        sync.Mutex
	activeRun *profileRun
}

func newProfileController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	battery, err := sensor.FromDependencies(deps, conf.BatterySensor)
	if err != nil {
		return nil, fmt.Errorf("getting battery sensor: %w", err)
	}

	supply, err := powersensor.FromDependencies(deps, conf.PowerSupply)
	if err != nil {
		return nil, fmt.Errorf("getting power supply: %w", err)
	}

	var relay toggleswitch.Switch
	if conf.OutputRelay != "" {
		relay, err = toggleswitch.FromDependencies(deps, conf.OutputRelay)
		if err != nil {
			return nil, fmt.Errorf("getting output relay switch: %w", err)
		}
	}

	if _, err := profile.LoadFile(conf.Profile); err != nil {
		logger.Warnf("profile %s is not runnable yet: %v", conf.Profile, err)
	}

	s := &profileController{
		name:            name,
		logger:          logger,
		cfg:             conf,
		battery:         newSensorBatteryReader(battery, conf),
		supply:          &powerSensorSupply{ps: supply},
		relay:           relay,
		sampleInterval:  rateToInterval(conf.SampleRateHz),
		displayInterval: rateToInterval(conf.DisplayRateHz),
		now:             time.Now,
	}
	return s, nil
}

func rateToInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = 1
	}
	return time.Duration(float64(time.Second) / hz)
}

func (s *profileController) Name() resource.Name {
	return s.name
}

func (s *profileController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return s.handleStart(ctx, cmd)
	case "stop":
		return s.handleStop()
	case "status":
		return s.GetState(), nil
	case "validate_profile":
		return s.handleValidateProfile(cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *profileController) profilePath(cmd map[string]interface{}) string {
	if path, ok := cmd["profile"].(string); ok && path != "" {
		return path
	}
	return s.cfg.Profile
}

func (s *profileController) handleValidateProfile(cmd map[string]interface{}) (map[string]interface{}, error) {
	path := s.profilePath(cmd)
	p, err := profile.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"profile": path, "steps": p.Len()}, nil
}

// handleStart loads the profile before anything touches the hardware, so an
// invalid profile never drives the charger.
func (s *profileController) handleStart(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeRun != nil {
		if !s.activeRun.isFinished() {
			return nil, fmt.Errorf("run %s already in progress", s.activeRun.id)
		}
		s.retire(s.activeRun)
		s.activeRun = nil
	}

	path := s.profilePath(cmd)
	p, err := profile.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	testName := s.cfg.TestName
	if name, ok := cmd["test_name"].(string); ok && name != "" {
		testName = name
	}

	startedAt := s.now()
	var log *sampleLog
	if s.cfg.LogDir != "" {
		log, err = openSampleLog(s.cfg.LogDir, testName, startedAt)
		if err != nil {
			return nil, err
		}
		s.logger.Infof("logging samples to %s", log.path)
	}

	run := newProfileRun(uuid.NewString(), path, p, startedAt, log)

	var opts []engine.Option
	if s.cfg.HoldFinalStep {
		opts = append(opts, engine.WithoutCompletion())
	}
	run.engine = engine.New(p, func(sp engine.Setpoint) {
		run.applyErr = s.applySetpoint(run.ctx, sp)
	}, opts...)

	run.sampler = startPeriodic(s.sampleInterval, func(ctx context.Context) bool {
		return s.sample(ctx, run)
	})
	run.display = startPeriodic(s.displayInterval, func(ctx context.Context) bool {
		return s.display(run)
	})
	s.activeRun = run

	s.logger.Infof("run %s started: profile %s (%d steps)", run.id, path, p.Len())
	return map[string]interface{}{
		"run_id":  run.id,
		"profile": path,
		"steps":   p.Len(),
	}, nil
}

func (s *profileController) handleStop() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeRun == nil {
		return nil, errors.New("no run in progress")
	}
	run := s.activeRun
	err := s.retire(run)
	s.activeRun = nil

	st := run.currentStatus()
	result := map[string]interface{}{
		"run_id":  run.id,
		"state":   st.state,
		"step":    st.snapshot.Step.Index,
		"samples": st.samples,
	}
	if err != nil {
		return result, fmt.Errorf("stopping run %s: %w", run.id, err)
	}
	return result, nil
}

// retire stops a run's tasks and, if it is still running, performs the
// shutdown sequence. Callers hold s.mu.
func (s *profileController) retire(run *profileRun) error {
	run.cancel()
	run.sampler.Stop()
	run.display.Stop()
	return run.finish(s, stateStopped, nil)
}

// applySetpoint drives the charger and mirrors an explicit output state onto
// the relay.
func (s *profileController) applySetpoint(ctx context.Context, sp engine.Setpoint) error {
	if err := s.supply.ApplySetpoint(ctx, sp); err != nil {
		return err
	}
	if s.relay == nil || sp.Output == engine.OutputUnchanged {
		return nil
	}
	pos := relayOpen
	if sp.Output == engine.OutputOn {
		pos = relayClosed
	}
	if err := s.relay.SetPosition(ctx, pos, nil); err != nil {
		return fmt.Errorf("setting output relay: %w", err)
	}
	return nil
}

// sample is one tick of the sampling loop. It returns false once the run has
// finished.
func (s *profileController) sample(ctx context.Context, run *profileRun) bool {
	battery, err := s.battery.ReadBattery(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warnf("reading battery telemetry: %v", err)
		run.publish(func(st *runStatus) { st.lastErr = err.Error() })
		return true
	}

	chargerV, chargerI, err := s.supply.ReadOutput(ctx)
	if err != nil {
		s.logger.Warnf("reading charger output: %v", err)
	}

	now := s.now()
	elapsed := now.Sub(run.startedAt)
	step := run.engine.CurrentStepIndex()

	if run.log != nil {
		if err := run.log.Write(sample{
			elapsed:        elapsed,
			battery:        battery,
			chargerVoltage: chargerV,
			chargerCurrent: chargerI,
			step:           step,
		}); err != nil {
			s.logger.Warnf("%v", err)
		}
	}

	res := run.engine.Tick(battery, now)
	snap := run.engine.Snapshot()

	run.publish(func(st *runStatus) {
		st.snapshot = snap
		st.battery = battery
		st.chargerVoltage = chargerV
		st.chargerCurrent = chargerI
		st.elapsed = elapsed
		st.samples++
	})

	if res.Activated {
		s.logger.Infof("step = %d | voltage = %vV / +ilim = %vA / -ilim = %vA / output state = %s : %s",
			snap.Step.Index, res.Setpoint.Voltage, res.Setpoint.CurrentLimitPositive,
			res.Setpoint.CurrentLimitNegative, snap.OutputStatus, snap.Step.Message)
	}

	if run.applyErr != nil {
		if ctx.Err() != nil {
			// stopped mid-write; retire performs the shutdown
			return false
		}
		s.logger.Errorf("aborting run %s on step %d: %v", run.id, res.Step, run.applyErr)
		run.finish(s, stateAborted, run.applyErr)
		return false
	}

	if res.Advanced {
		s.logger.Infof("step %d %s condition met", step, snap.Step.Command)
		if snap.Parked {
			s.logger.Infof("final step complete; holding until stopped")
		}
	}
	if res.Done {
		s.logger.Infof("profile ended after %s", elapsed.Round(time.Second))
		run.finish(s, stateCompleted, nil)
		return false
	}
	return true
}

// display echoes the latest published status. It never touches the engine.
func (s *profileController) display(run *profileRun) bool {
	if run.isFinished() {
		return false
	}
	st := run.currentStatus()
	s.logger.Infow("telemetry",
		"step", st.snapshot.Step.Index,
		"charger_voltage", st.chargerVoltage,
		"charger_current", st.chargerCurrent,
		"battery_voltage", st.battery.Voltage,
		"battery_current", st.battery.Current,
		"battery_soc", st.battery.SOC,
		"output", st.snapshot.OutputStatus.String(),
	)
	return true
}

// GetState reports the active or most recent run.
func (s *profileController) GetState() map[string]interface{} {
	s.mu.Lock()
	run := s.activeRun
	s.mu.Unlock()

	if run == nil {
		return map[string]interface{}{
			"state":       stateIdle,
			"profile":     s.cfg.Profile,
			"should_sync": false,
		}
	}

	st := run.currentStatus()
	snap := st.snapshot
	return map[string]interface{}{
		"state":             st.state,
		"should_sync":       st.state == stateRunning,
		"run_id":            run.id,
		"profile":           run.profilePath,
		"step":              snap.Step.Index,
		"step_count":        snap.StepCount,
		"step_message":      snap.Step.Message,
		"command":           string(snap.Step.Command),
		"phase":             snap.Phase.String(),
		"done":              snap.Done,
		"output_status":     snap.OutputStatus.String(),
		"setpoint_voltage":  snap.LastSetpoint.Voltage,
		"current_limit_pos": snap.LastSetpoint.CurrentLimitPositive,
		"current_limit_neg": snap.LastSetpoint.CurrentLimitNegative,
		"battery_voltage":   st.battery.Voltage,
		"battery_current":   st.battery.Current,
		"battery_soc":       st.battery.SOC,
		"charger_voltage":   st.chargerVoltage,
		"charger_current":   st.chargerCurrent,
		"elapsed_s":         st.elapsed.Seconds(),
		"sample_count":      st.samples,
		"last_error":        st.lastErr,
	}
}

func (s *profileController) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun == nil {
		return nil
	}
	err := s.retire(s.activeRun)
	s.activeRun = nil
	return err
}
