package locksim

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/blelock/internal/authz"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
)

// Collaborator stands in for the access server in simulation: it grants every
// request for the simulated lock with the lock's own key material.
type Collaborator struct {
	lock *Lock
	open time.Duration
}

// Collaborator returns an authz.Collaborator granting open seconds per unlock.
func (l *Lock) Collaborator(open time.Duration) *Collaborator {
	return &Collaborator{lock: l, open: open}
}

var _ authz.Collaborator = (*Collaborator)(nil)

func (c *Collaborator) RequestGrant(ctx context.Context, _ authz.SessionToken, req authz.GrantRequest) (*authz.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Lock.MAC != c.lock.mac {
		return nil, &authz.DeniedError{Reason: authz.Forbidden, Message: fmt.Sprintf("no access to %s", req.Lock.MAC)}
	}
	km, err := blecrypto.NewKeyMaterial(c.lock.opts.AESKey, c.lock.opts.AuthCode)
	if err != nil {
		return nil, err
	}
	return &authz.Grant{Key: km, OpenDuration: c.open, Message: "simulated grant"}, nil
}
