package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
	"github.com/chaz8081/blelock/internal/ble/protocol"
	"github.com/chaz8081/blelock/internal/handshake"
)

// Outcome is the top-level result of an attempt.
type Outcome int

const (
	Success Outcome = iota
	Denied
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Denied:
		return "denied"
	default:
		return "failed"
	}
}

// Kind classifies a Denied or Failed result.
type Kind string

const (
	KindNone           Kind = ""
	NotFound           Kind = "not_found"
	ConnectError       Kind = "connect_error"
	TimeoutError       Kind = "timeout"
	FormatError        Kind = "format_error"
	AuthError          Kind = "auth_error"
	KindDenied         Kind = "denied"
	NetworkUnavailable Kind = "network_unavailable"
	Busy               Kind = "busy"
	LockRejected       Kind = "lock_rejected"
	Canceled           Kind = "canceled"
)

// Result is what a caller gets back from RequestUnlock or RequestLock.
// Reason is meant for the user and never contains secrets or wire bytes.
type Result struct {
	Outcome      Outcome
	Action       handshake.Action
	Lock         ble.MAC
	OpenDuration time.Duration
	DenyReason   authz.Reason
	Kind         Kind
	Reason       string
	AttemptID    uuid.UUID
	Attempts     int
	StartedAt    time.Time
	Elapsed      time.Duration
}

func (r Result) String() string {
	switch r.Outcome {
	case Success:
		if r.Action == handshake.ActionLock {
			return "Success(locked)"
		}
		return fmt.Sprintf("Success(%d)", int(r.OpenDuration/time.Second))
	case Denied:
		return fmt.Sprintf("Denied(%s)", r.DenyReason)
	default:
		return fmt.Sprintf("Failed(%s)", r.Kind)
	}
}

// classify maps an error from the gate or the handshake onto a result.
func classify(err error, res *Result) {
	var denied *authz.DeniedError
	if errors.As(err, &denied) {
		res.Outcome = Denied
		res.Kind = KindDenied
		res.DenyReason = denied.Reason
		res.Reason = denied.Message
		if denied.Reason == authz.NetworkUnavailable {
			res.Kind = NetworkUnavailable
		}
		return
	}

	res.Outcome = Failed
	state := ""
	var abort *handshake.AbortError
	if errors.As(err, &abort) {
		state = " (" + abort.State.String() + ")"
	}

	switch {
	case errors.Is(err, context.Canceled):
		res.Kind, res.Reason = Canceled, "cancelled"
	case errors.Is(err, ble.ErrNotFound):
		res.Kind, res.Reason = NotFound, "lock not found nearby"
	case errors.Is(err, ble.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		res.Kind, res.Reason = TimeoutError, "lock did not respond in time"+state
	case errors.Is(err, handshake.ErrLockRejected):
		res.Kind, res.Reason = LockRejected, "lock refused the command"
		var rejected *handshake.RejectedError
		if errors.As(err, &rejected) {
			res.Reason = fmt.Sprintf("lock refused the command (code %d)", rejected.Code)
		}
	case errors.Is(err, protocol.ErrFormat), errors.Is(err, handshake.ErrUnexpectedOpcode):
		res.Kind, res.Reason = FormatError, "lock sent an invalid message"+state
	case errors.Is(err, blecrypto.ErrAuthFailed),
		errors.Is(err, blecrypto.ErrKeyZeroized),
		errors.Is(err, blecrypto.ErrInvalidKey):
		res.Kind, res.Reason = AuthError, "lock authentication failed"
	default:
		res.Kind, res.Reason = ConnectError, "could not talk to the lock"+state
	}
}

// retryable reports whether a fresh handshake may fix err. Only transport
// timeouts qualify; authentication failures never do.
func retryable(err error) bool {
	return errors.Is(err, ble.ErrTimeout) && !errors.Is(err, blecrypto.ErrAuthFailed)
}
