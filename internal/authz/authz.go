// Package authz asks the access server whether the current user may operate
// a lock and, if so, obtains the per-attempt key material for it.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chaz8081/blelock/internal/ble"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
)

// Reason classifies a denial.
type Reason string

const (
	InvalidSession     Reason = "invalid_session"
	OutOfRange         Reason = "out_of_range"
	LocationRequired   Reason = "location_required"
	Forbidden          Reason = "forbidden"
	Policy             Reason = "policy"
	NetworkUnavailable Reason = "network_unavailable"
	MalformedGrant     Reason = "malformed_grant"
)

// ErrDenied matches every *DeniedError with errors.Is.
var ErrDenied = errors.New("authz: denied")

// DeniedError is a refusal to grant access. Message is safe to show the user.
type DeniedError struct {
	Reason  Reason
	Message string
}

func (e *DeniedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authz: denied (%s)", e.Reason)
	}
	return fmt.Sprintf("authz: denied (%s): %s", e.Reason, e.Message)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

func deny(r Reason, format string, args ...any) *DeniedError {
	return &DeniedError{Reason: r, Message: fmt.Sprintf(format, args...)}
}

// SessionToken is the user's opaque bearer token. It never renders.
type SessionToken string

func (t SessionToken) String() string       { return "[redacted]" }
func (t SessionToken) GoString() string     { return "[redacted]" }
func (t SessionToken) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// Location is the device position sent with a request.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are on the globe.
func (l Location) Valid() bool {
	return !math.IsNaN(l.Latitude) && !math.IsNaN(l.Longitude) &&
		l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// Grant is permission for one attempt. The caller owns Key and must zeroize
// it (Grant.Zeroize) when the attempt ends.
type Grant struct {
	Key          *blecrypto.KeyMaterial
	OpenDuration time.Duration
	// Message is the server's human-readable note, if any.
	Message string
}

// Zeroize wipes the key material. Safe on a nil grant.
func (g *Grant) Zeroize() {
	if g != nil {
		g.Key.Zeroize()
	}
}

// GrantRequest is what the gate asks the server about.
type GrantRequest struct {
	Lock     ble.LockIdentity
	Location *Location
}

// Bounds on a grant's open duration. The lock command carries whole seconds
// in 16 bits.
const (
	MinOpenDuration = time.Second
	MaxOpenDuration = 0xFFFF * time.Second
)

// Collaborator is the remote authorization service.
type Collaborator interface {
	RequestGrant(ctx context.Context, token SessionToken, req GrantRequest) (*Grant, error)
}

// Gate decides whether an attempt may proceed.
type Gate struct {
	collab Collaborator
	log    *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate over collab. A nil logger uses slog.Default.
func NewGate(collab Collaborator, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{collab: collab, log: log, now: time.Now}
}

// Authorize returns a Grant or a *DeniedError. Location may be nil for users
// the server exempts from proximity checks. Errors from a cancelled ctx are
// returned unchanged.
func (g *Gate) Authorize(ctx context.Context, token SessionToken, lock ble.LockIdentity, loc *Location) (*Grant, error) {
	if strings.TrimSpace(string(token)) == "" {
		return nil, deny(InvalidSession, "not signed in")
	}
	if err := checkExpiry(string(token), g.now()); err != nil {
		g.log.Info("[AUTH] Session token expired", "lock", lock.MAC)
		return nil, err
	}
	if loc != nil && !loc.Valid() {
		return nil, deny(LocationRequired, "location is not a valid coordinate")
	}

	grant, err := g.collab.RequestGrant(ctx, token, GrantRequest{Lock: lock, Location: loc})
	if err != nil {
		var denied *DeniedError
		switch {
		case errors.As(err, &denied):
			g.log.Info("[AUTH] Access denied", "lock", lock.MAC, "reason", denied.Reason)
			return nil, denied
		case ctx.Err() != nil:
			return nil, fmt.Errorf("authz: %w", ctx.Err())
		default:
			g.log.Warn("[AUTH] Authorization server unreachable", "lock", lock.MAC, "error", err)
			return nil, deny(NetworkUnavailable, "authorization server unreachable")
		}
	}
	if grant == nil || grant.Key.Zeroized() {
		grant.Zeroize()
		return nil, deny(MalformedGrant, "server returned an incomplete grant")
	}
	if grant.OpenDuration < MinOpenDuration || grant.OpenDuration > MaxOpenDuration {
		d := grant.OpenDuration
		grant.Zeroize()
		return nil, deny(MalformedGrant, "grant open duration %s out of range", d)
	}
	g.log.Info("[AUTH] Access granted", "lock", lock.MAC, "open_duration", grant.OpenDuration)
	return grant, nil
}

// checkExpiry rejects a JWT session token whose exp has passed. The signature
// is not checked: only the server can do that. Opaque tokens pass through.
func checkExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return deny(InvalidSession, "session expired, sign in again")
	}
	return nil
}

// Reconcile returns the open duration to report: the server's value, capped
// by the lock's when the lock armed a shorter one.
func Reconcile(granted, lockReported time.Duration) time.Duration {
	if lockReported > 0 && lockReported < granted {
		return lockReported
	}
	return granted
}
