package batteryprofiletest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"batteryprofiletest/engine"
	"batteryprofiletest/profile"
)

const (
	stateIdle      = "idle"
	stateRunning   = "running"
	stateCompleted = "completed"
	stateAborted   = "aborted"
	stateStopped   = "stopped"
)

// shutdownTimeout bounds the hardware writes of the shutdown sequence, which
// run on a fresh context so a cancelled run still disables the output.
const shutdownTimeout = 5 * time.Second

// runStatus is the published, read-only view of a run.
type runStatus struct {
	state          string
	snapshot       engine.Snapshot
	battery        engine.Measurement
	chargerVoltage float64
	chargerCurrent float64
	elapsed        time.Duration
	samples        int
	lastErr        string
}

// profileRun is one execution of a profile. The engine is only touched by the
// sampling task; everything other goroutines see goes through status.
type profileRun struct {
	id          string
	profilePath string
	startedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	engine   *engine.Engine
	applyErr error
	log      *sampleLog

	sampler  *periodicTask
	display  *periodicTask
	finished chan struct{}

	finishOnce sync.Once

	mu     sync.Mutex
	status runStatus
}

func newProfileRun(id, path string, p *profile.Profile, startedAt time.Time, log *sampleLog) *profileRun {
	ctx, cancel := context.WithCancel(context.Background())
	first, _ := p.Step(1)
	return &profileRun{
		id:          id,
		profilePath: path,
		startedAt:   startedAt,
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
		finished:    make(chan struct{}),
		status: runStatus{
			state: stateRunning,
			snapshot: engine.Snapshot{
				Step:         first,
				StepCount:    p.Len(),
				Phase:        engine.PhaseJustActivated,
				OutputStatus: engine.OutputOff,
			},
		},
	}
}

func (r *profileRun) currentStatus() runStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *profileRun) publish(update func(*runStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.status)
}

func (r *profileRun) isFinished() bool {
	select {
	case <-r.finished:
		return true
	default:
		return false
	}
}

// finish runs the shutdown sequence once: disable the charger output, open
// the relay, close the sample log. Every step runs even if an earlier one
// fails.
func (r *profileRun) finish(c *profileController, state string, cause error) error {
	var err error
	r.finishOnce.Do(func() {
		r.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = c.supply.DisableOutput(ctx)
		if c.relay != nil {
			err = multierr.Append(err, c.relay.SetPosition(ctx, relayOpen, nil))
		}
		if r.log != nil {
			err = multierr.Append(err, r.log.Close())
		}

		r.publish(func(s *runStatus) {
			s.state = state
			s.snapshot.OutputStatus = engine.OutputOff
			if cause != nil {
				s.lastErr = cause.Error()
			} else if err != nil {
				s.lastErr = err.Error()
			}
		})
		close(r.finished)

		if err != nil {
			c.logger.Errorf("shutting down run %s: %v", r.id, err)
		}
		c.logger.Infof("run %s %s; output disabled", r.id, state)
	})
	return err
}
