// Package handshake drives one authenticated exchange with a lock: discover,
// connect, challenge/response under the lock key, then a single sealed
// command and its acknowledgment.
package handshake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelock/internal/ble"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
)

// State is a step of the handshake.
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	AuthChallenge
	AuthVerify
	CommandSent
	AwaitingAck
	Unlocked
	Disconnected
	Aborted
)

var stateNames = [...]string{
	Idle:          "idle",
	Discovering:   "discovering",
	Connecting:    "connecting",
	AuthChallenge: "auth_challenge",
	AuthVerify:    "auth_verify",
	CommandSent:   "command_sent",
	AwaitingAck:   "awaiting_ack",
	Unlocked:      "unlocked",
	Disconnected:  "disconnected",
	Aborted:       "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == Disconnected || s == Aborted
}

// Transition records one state change.
type Transition struct {
	SessionID uuid.UUID
	Lock      ble.MAC
	From      State
	To        State
	At        time.Time
}

var ErrSessionUsed = errors.New("handshake: session already run")

// Session is the state of a single attempt against one lock. A session runs
// once; a retry gets a new session with a fresh nonce.
type Session struct {
	ID       uuid.UUID
	Lock     ble.LockIdentity
	Attempt  int
	Deadline time.Time

	mu      sync.Mutex
	state   State
	nonce   [blecrypto.NonceSize]byte
	history []Transition
	started bool
}

// NewSession creates an idle session. A zero deadline means the caller's
// context is the only bound.
func NewSession(lock ble.LockIdentity, attempt int, deadline time.Time) *Session {
	return &Session{
		ID:       uuid.New(),
		Lock:     lock,
		Attempt:  attempt,
		Deadline: deadline,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the transitions so far.
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

// Close wipes the client nonce. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	clear(s.nonce[:])
	s.mu.Unlock()
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSessionUsed
	}
	s.started = true
	return nil
}

func (s *Session) setNonce(n [blecrypto.NonceSize]byte) {
	s.mu.Lock()
	s.nonce = n
	s.mu.Unlock()
}

func (s *Session) move(to State) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Transition{SessionID: s.ID, Lock: s.Lock.MAC, From: s.state, To: to, At: time.Now()}
	s.state = to
	s.history = append(s.history, t)
	return t
}
