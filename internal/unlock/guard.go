package unlock

import (
	"context"
	"errors"
	"time"

	"github.com/chaz8081/blelock/internal/ble"
)

// startGuard schedules the re-close check for a successful unlock: once the
// open window and the grace period have passed, a single passive scan looks
// at the lock's advertisement and a Warning goes out if it still reports open.
func (o *Orchestrator) startGuard(res Result) {
	if o.opts.Observer == nil || res.OpenDuration <= 0 {
		return
	}
	wait := res.OpenDuration + o.opts.GuardGrace

	o.guards.Add(1)
	go func() {
		defer o.guards.Done()

		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-o.background.Done():
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(o.background, o.opts.GuardScan+time.Second)
		defer cancel()
		dev, err := o.opts.Observer.Observe(ctx, res.Lock, o.opts.GuardScan)
		if err != nil {
			if !errors.Is(err, ble.ErrScanBusy) {
				o.log.Debug("[LOCK] Re-close check skipped", "lock", res.Lock, "error", err)
			}
			return
		}
		if !dev.ReportsOpen() {
			o.log.Debug("[LOCK] Lock re-closed", "lock", res.Lock)
			return
		}

		w := Warning{Lock: res.Lock, AttemptID: res.AttemptID, Window: res.OpenDuration, At: o.now()}
		o.log.Warn("[LOCK] Lock still open after its window", "lock", res.Lock, "window", res.OpenDuration)
		for _, s := range o.opts.Sinks {
			sctx, scancel := context.WithTimeout(o.background, sinkTimeout)
			if err := s.LockLeftOpen(sctx, w); err != nil {
				o.log.Warn("[LOCK] Warning sink failed", "error", err)
			}
			scancel()
		}
	}()
}
