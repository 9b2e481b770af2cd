package handshake

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chaz8081/blelock/internal/ble"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
	"github.com/chaz8081/blelock/internal/ble/protocol"
)

var (
	ErrUnexpectedOpcode = errors.New("handshake: unexpected opcode")
	ErrLockRejected     = errors.New("handshake: lock rejected the command")
	ErrNonceMismatch    = fmt.Errorf("%w: challenge echo mismatch", blecrypto.ErrAuthFailed)
)

// AbortError reports the state a handshake was in when it failed.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("handshake: aborted in %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// RejectedError carries the lock's own reason for refusing a command.
type RejectedError struct {
	Opcode protocol.Opcode
	Code   uint8
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("handshake: lock answered %s with code 0x%02x", e.Opcode, e.Code)
}

func (e *RejectedError) Unwrap() error { return ErrLockRejected }

// Timeouts bounds each step of the handshake.
type Timeouts struct {
	Scan    time.Duration
	Connect time.Duration
	Auth    time.Duration
	Command time.Duration
}

// DefaultTimeouts returns the production step timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Scan:    5 * time.Second,
		Connect: 5 * time.Second,
		Auth:    3 * time.Second,
		Command: 3 * time.Second,
	}
}

// Action is what the command asks the lock to do.
type Action int

const (
	ActionUnlock Action = iota
	ActionLock
)

func (a Action) String() string {
	if a == ActionLock {
		return "lock"
	}
	return "unlock"
}

// Command is the instruction sent once the lock is authenticated.
type Command struct {
	Action       Action
	OpenDuration time.Duration
}

// UnlockCommand asks the lock to open and re-close after d.
func UnlockCommand(d time.Duration) Command {
	return Command{Action: ActionUnlock, OpenDuration: d}
}

// LockCommand asks the lock to close now.
func LockCommand() Command {
	return Command{Action: ActionLock}
}

// Outcome is what the lock acknowledged.
type Outcome struct {
	// OpenDuration is the re-close delay the lock armed; zero for a lock command.
	OpenDuration time.Duration
}

// Machine runs handshakes over a transport.
type Machine struct {
	transport *ble.Transport
	timeouts  Timeouts
	log       *slog.Logger
	observer  func(Transition)
}

// NewMachine creates a Machine. Zero timeouts take their DefaultTimeouts
// value; a nil logger uses slog.Default.
func NewMachine(transport *ble.Transport, timeouts Timeouts, log *slog.Logger) *Machine {
	def := DefaultTimeouts()
	if timeouts.Scan <= 0 {
		timeouts.Scan = def.Scan
	}
	if timeouts.Connect <= 0 {
		timeouts.Connect = def.Connect
	}
	if timeouts.Auth <= 0 {
		timeouts.Auth = def.Auth
	}
	if timeouts.Command <= 0 {
		timeouts.Command = def.Command
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{transport: transport, timeouts: timeouts, log: log}
}

// OnTransition registers fn to be called after every state change. It must
// be set before the first Run.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.observer = fn
}

// Run performs the handshake for s and sends cmd. The link is disconnected
// and the session nonce wiped on every return path. Failures are returned as
// *AbortError. km is only read; the caller keeps ownership and zeroizes it.
func (m *Machine) Run(ctx context.Context, s *Session, km *blecrypto.KeyMaterial, cmd Command) (Outcome, error) {
	if err := s.begin(); err != nil {
		return Outcome{}, err
	}
	defer s.Close()

	if !s.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, s.Deadline)
		defer cancel()
	}

	var link *ble.Link
	out, err := m.run(ctx, s, km, cmd, &link)
	if link != nil {
		if derr := link.Disconnect(); derr != nil {
			m.log.Debug("[LOCK] Disconnect failed", "lock", s.Lock.MAC, "error", derr)
		}
	}
	if err != nil {
		from := s.State()
		m.transition(s, Aborted)
		return Outcome{}, &AbortError{State: from, Err: err}
	}
	m.transition(s, Disconnected)
	return out, nil
}

func (m *Machine) run(ctx context.Context, s *Session, km *blecrypto.KeyMaterial, cmd Command, linkOut **ble.Link) (Outcome, error) {
	version := s.Lock.ProtocolVersion
	openSeconds, err := openSeconds(cmd)
	if err != nil {
		return Outcome{}, err
	}

	m.transition(s, Discovering)
	handle, err := m.transport.Discover(ctx, s.Lock.MAC, m.timeouts.Scan)
	if err != nil {
		return Outcome{}, err
	}

	m.transition(s, Connecting)
	link, err := m.transport.Connect(ctx, handle, m.timeouts.Connect)
	if err != nil {
		return Outcome{}, err
	}
	*linkOut = link

	queue, err := link.Subscribe()
	if err != nil {
		return Outcome{}, err
	}
	rd := &frameReader{queue: queue}

	// CHALLENGE goes out under the bootstrap key (no nonce yet); everything
	// after it uses the key derived from the fresh client nonce.
	nonce, err := blecrypto.NewNonce()
	if err != nil {
		return Outcome{}, err
	}
	s.setNonce(nonce)
	defer clear(nonce[:])

	boot, err := newCipher(km, nil, version)
	if err != nil {
		return Outcome{}, err
	}
	defer boot.Close()
	sess, err := newCipher(km, nonce[:], version)
	if err != nil {
		return Outcome{}, err
	}
	defer sess.Close()
	rd.cipher = sess

	m.transition(s, AuthChallenge)
	actx, cancel := context.WithTimeout(ctx, m.timeouts.Auth)
	defer cancel()

	challenge, err := protocol.Encode(protocol.OpChallenge, protocol.Challenge{Nonce: nonce}.Marshal(), version)
	if err != nil {
		return Outcome{}, err
	}
	wire, err := boot.Seal(challenge)
	if err != nil {
		return Outcome{}, err
	}
	if err := link.Write(actx, wire); err != nil {
		return Outcome{}, err
	}
	frame, err := rd.next(actx, "challenge ack")
	if err != nil {
		return Outcome{}, err
	}

	m.transition(s, AuthVerify)
	if err := expect(frame, protocol.OpChallengeAck); err != nil {
		return Outcome{}, err
	}
	ack, err := protocol.ParseChallengeAck(frame.Payload)
	if err != nil {
		return Outcome{}, err
	}
	if subtle.ConstantTimeCompare(ack.Echo[:], nonce[:]) != 1 {
		return Outcome{}, ErrNonceMismatch
	}

	cmdOp, ackOp := protocol.OpUnlockCmd, protocol.OpUnlockAck
	if cmd.Action == ActionLock {
		cmdOp, ackOp = protocol.OpLockCmd, protocol.OpLockAck
	}
	payload, err := protocol.Command{
		KeyGroupID:  s.Lock.KeyGroupID,
		LockNonce:   ack.LockNonce,
		OpenSeconds: openSeconds,
	}.Marshal(version)
	if err != nil {
		return Outcome{}, err
	}
	cmdFrame, err := protocol.Encode(cmdOp, payload, version)
	if err != nil {
		return Outcome{}, err
	}
	wire, err = sess.Seal(cmdFrame)
	if err != nil {
		return Outcome{}, err
	}

	m.transition(s, CommandSent)
	cctx, cancelCmd := context.WithTimeout(ctx, m.timeouts.Command)
	defer cancelCmd()
	if err := link.Write(cctx, wire); err != nil {
		return Outcome{}, err
	}

	m.transition(s, AwaitingAck)
	frame, err = rd.next(cctx, ackOp.String())
	if err != nil {
		return Outcome{}, err
	}
	if err := expect(frame, ackOp); err != nil {
		return Outcome{}, err
	}
	result, err := protocol.ParseAck(frame.Payload, version)
	if err != nil {
		return Outcome{}, err
	}
	if result.Status != protocol.StatusOK {
		return Outcome{}, &RejectedError{Opcode: ackOp, Code: result.Status}
	}

	out := Outcome{OpenDuration: time.Duration(result.OpenSeconds) * time.Second}
	if cmd.Action == ActionUnlock {
		m.transition(s, Unlocked)
	}
	return out, nil
}

func (m *Machine) transition(s *Session, to State) {
	t := s.move(to)
	m.log.Debug("[LOCK] Handshake state", "attempt", s.ID, "lock", s.Lock.MAC, "from", t.From, "to", t.To)
	if m.observer != nil {
		m.observer(t)
	}
}

func newCipher(km *blecrypto.KeyMaterial, nonce []byte, version uint8) (*blecrypto.Cipher, error) {
	key, err := blecrypto.DeriveSessionKey(km, nonce)
	if err != nil {
		return nil, err
	}
	defer key.Zeroize()
	return blecrypto.NewCipher(key, version, blecrypto.Initiator)
}

func openSeconds(cmd Command) (uint16, error) {
	if cmd.Action == ActionLock {
		return 0, nil
	}
	secs := cmd.OpenDuration.Round(time.Second) / time.Second
	if secs <= 0 || secs > math.MaxUint16 {
		return 0, fmt.Errorf("handshake: open duration %s out of range", cmd.OpenDuration)
	}
	return uint16(secs), nil
}

// expect checks the opcode of an authenticated frame. An ERROR frame becomes
// a RejectedError carrying the lock's code.
func expect(f protocol.Frame, want protocol.Opcode) error {
	switch f.Opcode {
	case want:
		return nil
	case protocol.OpError:
		rep, err := protocol.ParseErrorReport(f.Payload)
		if err != nil {
			return err
		}
		return &RejectedError{Opcode: want, Code: rep.Code}
	default:
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedOpcode, f.Opcode, want)
	}
}

// frameReader turns the link's notification chunks into authenticated frames.
type frameReader struct {
	queue   <-chan []byte
	cipher  *blecrypto.Cipher
	asm     protocol.Reassembler
	pending [][]byte
}

func (r *frameReader) next(ctx context.Context, what string) (protocol.Frame, error) {
	for len(r.pending) == 0 {
		select {
		case chunk, ok := <-r.queue:
			if !ok {
				return protocol.Frame{}, fmt.Errorf("%w: waiting for %s", ble.ErrDisconnected, what)
			}
			frames, err := r.asm.Feed(chunk)
			if err != nil {
				return protocol.Frame{}, err
			}
			r.pending = append(r.pending, frames...)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return protocol.Frame{}, fmt.Errorf("%w: no %s", ble.ErrTimeout, what)
			}
			return protocol.Frame{}, fmt.Errorf("handshake: waiting for %s: %w", what, ctx.Err())
		}
	}
	raw := r.pending[0]
	r.pending = r.pending[1:]
	return r.cipher.Open(raw)
}
