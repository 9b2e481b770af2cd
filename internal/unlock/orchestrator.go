// Package unlock runs complete lock and unlock attempts: authorization,
// the BLE handshake with bounded retries, result reporting, and the
// re-close check after a successful unlock.
package unlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
	"github.com/chaz8081/blelock/internal/handshake"
)

// Authorizer grants attempts. *authz.Gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, token authz.SessionToken, lock ble.LockIdentity, loc *authz.Location) (*authz.Grant, error)
}

// Handshaker runs one BLE session. *handshake.Machine implements it.
type Handshaker interface {
	Run(ctx context.Context, s *handshake.Session, km *blecrypto.KeyMaterial, cmd handshake.Command) (handshake.Outcome, error)
}

// Observer takes a passive look at a lock's advertisement.
// *ble.Transport implements it.
type Observer interface {
	Observe(ctx context.Context, mac ble.MAC, timeout time.Duration) (ble.Device, error)
}

// Options configures an Orchestrator.
type Options struct {
	// OperationTimeout bounds a whole attempt including retries.
	OperationTimeout time.Duration
	// MaxRetries is how many extra handshakes a transport timeout may cost.
	MaxRetries int
	// GuardGrace is added to the open duration before the re-close check.
	GuardGrace time.Duration
	// GuardScan bounds the re-close check's scan.
	GuardScan time.Duration

	// Observer enables the re-close check when non-nil.
	Observer Observer
	Sinks    []Sink
	Logger   *slog.Logger
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		OperationTimeout: 40 * time.Second,
		MaxRetries:       1,
		GuardGrace:       10 * time.Second,
		GuardScan:        5 * time.Second,
	}
}

// sinkTimeout bounds each sink call.
const sinkTimeout = 3 * time.Second

// Orchestrator runs attempts. At most one attempt per lock is in flight;
// attempts on different locks run concurrently.
type Orchestrator struct {
	gate Authorizer
	hs   Handshaker
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	active map[ble.MAC]context.CancelFunc
	closed bool

	// background is cancelled by Close and parents every guard. Sinks do
	// not use it.
	background context.Context
	stop       context.CancelFunc
	guards     sync.WaitGroup
	now        func() time.Time
}

// New creates an Orchestrator. Zero durations take their DefaultOptions
// value; a negative MaxRetries disables retries.
func New(gate Authorizer, hs Handshaker, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.GuardGrace <= 0 {
		opts.GuardGrace = def.GuardGrace
	}
	if opts.GuardScan <= 0 {
		opts.GuardScan = def.GuardScan
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	bg, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		gate:       gate,
		hs:         hs,
		opts:       opts,
		log:        log,
		active:     make(map[ble.MAC]context.CancelFunc),
		background: bg,
		stop:       stop,
		now:        time.Now,
	}
}

// RequestUnlock authorizes and performs an unlock of lock. It never panics
// and always returns a Result; the grant's key material is wiped before it
// returns.
func (o *Orchestrator) RequestUnlock(ctx context.Context, lock ble.LockIdentity, token authz.SessionToken, loc *authz.Location) Result {
	return o.attempt(ctx, handshake.ActionUnlock, lock, token, loc)
}

// RequestLock authorizes and performs an immediate re-lock of lock.
func (o *Orchestrator) RequestLock(ctx context.Context, lock ble.LockIdentity, token authz.SessionToken, loc *authz.Location) Result {
	return o.attempt(ctx, handshake.ActionLock, lock, token, loc)
}

// Cancel aborts the attempt in flight for mac and reports whether there was
// one.
func (o *Orchestrator) Cancel(mac ble.MAC) bool {
	o.mu.Lock()
	cancel, ok := o.active[mac]
	o.mu.Unlock()
	if ok {
		o.log.Info("[LOCK] Cancelling attempt", "lock", mac)
		cancel()
	}
	return ok
}

// Active returns the locks with an attempt in flight.
func (o *Orchestrator) Active() []ble.MAC {
	o.mu.Lock()
	defer o.mu.Unlock()
	macs := make([]ble.MAC, 0, len(o.active))
	for mac := range o.active {
		macs = append(macs, mac)
	}
	return macs
}

// Close cancels every attempt in flight, stops pending re-close checks and
// waits for them to exit. Later requests fail as Canceled.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()
	o.stop()
	o.guards.Wait()
}

func (o *Orchestrator) acquire(mac ble.MAC, cancel context.CancelFunc) (busy, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false, true
	}
	if _, ok := o.active[mac]; ok {
		return true, false
	}
	o.active[mac] = cancel
	return false, false
}

func (o *Orchestrator) release(mac ble.MAC) {
	o.mu.Lock()
	delete(o.active, mac)
	o.mu.Unlock()
}

func (o *Orchestrator) attempt(ctx context.Context, action handshake.Action, lock ble.LockIdentity, token authz.SessionToken, loc *authz.Location) Result {
	res := Result{
		Action:    action,
		Lock:      lock.MAC,
		AttemptID: uuid.New(),
		StartedAt: o.now(),
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.OperationTimeout)
	defer cancel()

	busy, closed := o.acquire(lock.MAC, cancel)
	switch {
	case closed:
		res.Outcome, res.Kind, res.Reason = Failed, Canceled, "shutting down"
		return o.finish(res)
	case busy:
		o.log.Info("[LOCK] Attempt already in progress", "lock", lock.MAC, "action", action)
		res.Outcome, res.Kind, res.Reason = Failed, Busy, "another attempt on this lock is in progress"
		return o.finish(res)
	}
	defer o.release(lock.MAC)

	if err := lock.Validate(); err != nil {
		res.Outcome, res.Kind, res.Reason = Failed, FormatError, "lock identity is invalid"
		return o.finish(res)
	}

	o.log.Info("[LOCK] Attempt started", "lock", lock.MAC, "action", action, "attempt_id", res.AttemptID)

	grant, err := o.gate.Authorize(ctx, token, lock, loc)
	if err != nil {
		classify(err, &res)
		return o.finish(res)
	}
	defer grant.Zeroize()

	cmd := handshake.LockCommand()
	if action == handshake.ActionUnlock {
		cmd = handshake.UnlockCommand(grant.OpenDuration)
	}

	out, err := o.runWithRetry(ctx, lock, grant.Key, cmd, &res)
	grant.Zeroize()
	if err != nil {
		classify(err, &res)
		return o.finish(res)
	}

	res.Outcome = Success
	res.Reason = grant.Message
	if action == handshake.ActionUnlock {
		res.OpenDuration = authz.Reconcile(grant.OpenDuration, out.OpenDuration)
		if res.Reason == "" {
			res.Reason = "door unlocked"
		}
		o.startGuard(res)
	} else if res.Reason == "" {
		res.Reason = "door locked"
	}
	return o.finish(res)
}

// runWithRetry runs the handshake, repeating it with a fresh session while
// the failure is a transport timeout and retries remain.
func (o *Orchestrator) runWithRetry(ctx context.Context, lock ble.LockIdentity, km *blecrypto.KeyMaterial, cmd handshake.Command, res *Result) (handshake.Outcome, error) {
	deadline, _ := ctx.Deadline()
	for n := 1; ; n++ {
		res.Attempts = n
		s := handshake.NewSession(lock, n, deadline)
		out, err := o.hs.Run(ctx, s, km, cmd)
		if err == nil {
			return out, nil
		}
		if n > o.opts.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return handshake.Outcome{}, err
		}
		o.log.Info("[LOCK] Handshake timed out, retrying", "lock", lock.MAC, "attempt", n, "error", err)
	}
}

// finish stamps the elapsed time, logs the result and hands it to the sinks.
func (o *Orchestrator) finish(res Result) Result {
	res.Elapsed = o.now().Sub(res.StartedAt)

	attrs := []any{"lock", res.Lock, "action", res.Action, "result", res.String(), "attempts", res.Attempts, "elapsed", res.Elapsed}
	switch res.Outcome {
	case Success:
		o.log.Info("[LOCK] Attempt succeeded", attrs...)
	case Denied:
		o.log.Info("[LOCK] Attempt denied", attrs...)
	default:
		o.log.Warn("[LOCK] Attempt failed", append(attrs, "reason", res.Reason)...)
	}

	// Sink contexts outlive Close.
	for _, s := range o.opts.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.AttemptFinished(ctx, res); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn("[LOCK] Result sink failed", "error", err)
		}
		cancel()
	}
	return res
}
