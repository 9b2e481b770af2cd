package protocol

import (
	"fmt"
)

// NonceSize is the size of the client and lock handshake nonces.
const NonceSize = 16

// Ack status codes reported by the lock.
const (
	StatusOK       uint8 = 0x00
	StatusBusy     uint8 = 0x01
	StatusJammed   uint8 = 0x02
	StatusLowPower uint8 = 0x03
)

// Challenge opens the handshake. It carries the client nonce the session key
// is derived from.
type Challenge struct {
	Nonce [NonceSize]byte
}

// Marshal encodes the challenge payload.
func (c Challenge) Marshal() []byte {
	out := make([]byte, NonceSize)
	copy(out, c.Nonce[:])
	return out
}

// ParseChallenge decodes a challenge payload.
func ParseChallenge(b []byte) (Challenge, error) {
	var c Challenge
	if len(b) != NonceSize {
		return c, fmt.Errorf("%w: challenge must be %d bytes, got %d", ErrFormat, NonceSize, len(b))
	}
	copy(c.Nonce[:], b)
	return c, nil
}

// ChallengeAck is the lock's answer to a challenge: the client nonce echoed
// back plus the lock's own nonce, which the command must echo in turn.
type ChallengeAck struct {
	Echo      [NonceSize]byte
	LockNonce [NonceSize]byte
}

// Marshal encodes the challenge acknowledgment payload.
func (a ChallengeAck) Marshal() []byte {
	out := make([]byte, 0, 2*NonceSize)
	out = append(out, a.Echo[:]...)
	out = append(out, a.LockNonce[:]...)
	return out
}

// ParseChallengeAck decodes a challenge acknowledgment payload.
func ParseChallengeAck(b []byte) (ChallengeAck, error) {
	var a ChallengeAck
	if len(b) != 2*NonceSize {
		return a, fmt.Errorf("%w: challenge ack must be %d bytes, got %d", ErrFormat, 2*NonceSize, len(b))
	}
	copy(a.Echo[:], b[:NonceSize])
	copy(a.LockNonce[:], b[NonceSize:])
	return a, nil
}

// Command is the payload of UNLOCK_CMD and LOCK_CMD.
//
//	key_group_id (2 or 4 bytes, per layout) | lock_nonce (16) | open_seconds (2)
type Command struct {
	KeyGroupID  uint32
	LockNonce   [NonceSize]byte
	OpenSeconds uint16
}

// Marshal encodes the command for the given protocol version.
func (c Command) Marshal(version uint8) ([]byte, error) {
	layout, err := LayoutFor(version)
	if err != nil {
		return nil, err
	}
	out := make([]byte, layout.KeyGroupBytes+NonceSize+2)
	switch layout.KeyGroupBytes {
	case 2:
		if c.KeyGroupID > 0xFFFF {
			return nil, fmt.Errorf("%w: key group %d does not fit protocol version %d", ErrFormat, c.KeyGroupID, version)
		}
		layout.Order.PutUint16(out, uint16(c.KeyGroupID))
	default:
		layout.Order.PutUint32(out, c.KeyGroupID)
	}
	copy(out[layout.KeyGroupBytes:], c.LockNonce[:])
	layout.Order.PutUint16(out[layout.KeyGroupBytes+NonceSize:], c.OpenSeconds)
	return out, nil
}

// ParseCommand decodes a command payload for the given protocol version.
func ParseCommand(b []byte, version uint8) (Command, error) {
	var c Command
	layout, err := LayoutFor(version)
	if err != nil {
		return c, err
	}
	want := layout.KeyGroupBytes + NonceSize + 2
	if len(b) != want {
		return c, fmt.Errorf("%w: command must be %d bytes, got %d", ErrFormat, want, len(b))
	}
	if layout.KeyGroupBytes == 2 {
		c.KeyGroupID = uint32(layout.Order.Uint16(b))
	} else {
		c.KeyGroupID = layout.Order.Uint32(b)
	}
	copy(c.LockNonce[:], b[layout.KeyGroupBytes:])
	c.OpenSeconds = layout.Order.Uint16(b[layout.KeyGroupBytes+NonceSize:])
	return c, nil
}

// Ack is the payload of UNLOCK_ACK and LOCK_ACK. OpenSeconds is the re-close
// delay the lock actually armed (0 for LOCK_ACK).
type Ack struct {
	Status      uint8
	OpenSeconds uint16
}

// Marshal encodes the acknowledgment for the given protocol version.
func (a Ack) Marshal(version uint8) ([]byte, error) {
	layout, err := LayoutFor(version)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 3)
	out[0] = a.Status
	layout.Order.PutUint16(out[1:], a.OpenSeconds)
	return out, nil
}

// ParseAck decodes an acknowledgment payload.
func ParseAck(b []byte, version uint8) (Ack, error) {
	var a Ack
	layout, err := LayoutFor(version)
	if err != nil {
		return a, err
	}
	if len(b) != 3 {
		return a, fmt.Errorf("%w: ack must be 3 bytes, got %d", ErrFormat, len(b))
	}
	a.Status = b[0]
	a.OpenSeconds = layout.Order.Uint16(b[1:])
	return a, nil
}

// ErrorReport is the payload of an ERROR frame.
type ErrorReport struct {
	Code uint8
}

// Marshal encodes the error report.
func (e ErrorReport) Marshal() []byte {
	return []byte{e.Code}
}

// ParseErrorReport decodes an error report. Unknown trailing bytes are ignored
// so newer firmware can append diagnostics.
func ParseErrorReport(b []byte) (ErrorReport, error) {
	if len(b) < 1 {
		return ErrorReport{}, fmt.Errorf("%w: empty error report", ErrFormat)
	}
	return ErrorReport{Code: b[0]}, nil
}
