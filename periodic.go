package batteryprofiletest

import (
	"context"
	"time"

	"go.viam.com/utils"
)

// periodicTask runs fn on its own goroutine once per interval until fn
// returns false or Stop is called. Stop cancels the task's context and waits
// for the goroutine to return.
type periodicTask struct {
	workers *utils.StoppableWorkers
}

func startPeriodic(interval time.Duration, fn func(ctx context.Context) bool) *periodicTask {
	return &periodicTask{
		workers: utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if ctx.Err() != nil || !fn(ctx) {
					return
				}
			}
		}),
	}
}

func (p *periodicTask) Stop() {
	p.workers.Stop()
}
