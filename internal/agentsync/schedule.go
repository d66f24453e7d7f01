package agentsync

import (
	"context"
	"math/rand"
	"time"

	"github.com/pdvdash/storesync/internal/control"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Timing controls the pauses between cycles.
type Timing struct {
	// ActivePause follows a cycle that delivered something.
	ActivePause time.Duration
	// IdleInterval follows a cycle with nothing to deliver.
	IdleInterval time.Duration
	// IdleJitter spreads IdleInterval by up to this ratio either way.
	IdleJitter float64
	// ErrorBackoff follows a cycle that could not run.
	ErrorBackoff time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.ActivePause <= 0 {
		t.ActivePause = time.Second
	}
	if t.IdleInterval <= 0 {
		t.IdleInterval = 30 * time.Second
	}
	if t.ErrorBackoff <= 0 {
		t.ErrorBackoff = 10 * time.Second
	}
	t.IdleJitter = clampJitterRatio(t.IdleJitter)
	return t
}

// Run drives cycles until ctx is done. It returns nil on stop; cycle
// failures, including panics, are logged and followed by a backoff.
func (s *Syncer) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if ctx.Err() != nil {
			s.logger.Info("sync loop stopping")
			return nil
		}
		if s.signals.Paused() {
			s.signals.Report(control.Paused, time.Time{}, 0, 0, nil)
			if waitWithContext(ctx, s.timing.ActivePause) != nil {
				return nil
			}
			continue
		}

		started := s.now()
		res, err := s.safeCycle(ctx)
		metrics.CycleDurationSeconds.Observe(s.now().Sub(started).Seconds())

		var delay time.Duration
		var state control.State
		switch {
		case err != nil:
			state, delay = control.Backoff, s.timing.ErrorBackoff
			s.logger.WithFields(log.Fields{"err": err, "backoff": delay}).Error("sync cycle failed")
		case res.Rows > 0 || res.Deletes > 0:
			state, delay = control.Active, s.timing.ActivePause
		default:
			state, delay = control.Idle, jitteredIntervalWithSample(s.timing.IdleInterval, s.timing.IdleJitter, rng.Float64())
		}
		if res.Interrupted && s.signals.Paused() {
			state = control.Paused
		}
		var reportErr error = err
		if reportErr == nil && res.Failures > 0 {
			reportErr = errors.Errorf("%d table operations failed in the last cycle", res.Failures)
		}
		s.signals.Report(state, s.now(), int64(res.Rows), int64(res.Deletes), reportErr)
		if state == control.Idle {
			s.logger.WithField("next", delay.Round(time.Millisecond)).Debug("nothing pending")
		}

		if waitWithContext(ctx, delay) != nil {
			s.logger.Info("sync loop stopping")
			return nil
		}
	}
}

func (s *Syncer) safeCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("sync cycle panic: %v", r)
		}
	}()
	return s.SyncOnce(ctx)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
