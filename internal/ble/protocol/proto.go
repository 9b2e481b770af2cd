// Package protocol implements the binary frame format spoken with the lock:
//
//	version(1) | opcode(1) | length(2) | payload(length) | tag
//
// Field widths depend on the protocol version (see LayoutFor). Plaintext frames
// carry a truncated SHA-256 checksum in the tag field; sealed frames carry the
// AEAD tag produced by the crypto package.
package protocol

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the version, opcode and length fields.
const HeaderSize = 4

// MaxPayloadBytes bounds a single frame payload. Lock firmware buffers are
// small, so anything larger is treated as a malformed stream.
const MaxPayloadBytes = 512

var (
	ErrFormat             = errors.New("protocol: malformed frame")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported protocol version", ErrFormat)
	ErrUnknownOpcode      = fmt.Errorf("%w: unknown opcode", ErrFormat)
	ErrLength             = fmt.Errorf("%w: length mismatch", ErrFormat)
	ErrChecksum           = errors.New("protocol: checksum mismatch")
)

// Opcode identifies the message carried by a frame.
type Opcode uint8

const (
	OpChallenge    Opcode = 0x01
	OpChallengeAck Opcode = 0x02
	OpUnlockCmd    Opcode = 0x10
	OpUnlockAck    Opcode = 0x11
	OpLockCmd      Opcode = 0x12
	OpLockAck      Opcode = 0x13
	OpError        Opcode = 0x7F
)

// Known reports whether op is part of the protocol.
func (op Opcode) Known() bool {
	switch op {
	case OpChallenge, OpChallengeAck, OpUnlockCmd, OpUnlockAck, OpLockCmd, OpLockAck, OpError:
		return true
	}
	return false
}

func (op Opcode) String() string {
	switch op {
	case OpChallenge:
		return "CHALLENGE"
	case OpChallengeAck:
		return "CHALLENGE_ACK"
	case OpUnlockCmd:
		return "UNLOCK_CMD"
	case OpUnlockAck:
		return "UNLOCK_ACK"
	case OpLockCmd:
		return "LOCK_CMD"
	case OpLockAck:
		return "LOCK_ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(op))
	}
}

// Layout describes the field widths used by a protocol version.
type Layout struct {
	Order         binary.ByteOrder
	TagSize       int
	KeyGroupBytes int
}

var (
	// Version 1 locks predate the 32-bit key group rollout.
	legacyLayout  = Layout{Order: binary.LittleEndian, TagSize: 12, KeyGroupBytes: 2}
	currentLayout = Layout{Order: binary.BigEndian, TagSize: 16, KeyGroupBytes: 4}
)

// LayoutFor returns the layout table for version.
func LayoutFor(version uint8) (Layout, error) {
	switch version {
	case 0:
		return Layout{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	case 1:
		return legacyLayout, nil
	default:
		return currentLayout, nil
	}
}

// Frame is a single message exchanged with the lock.
type Frame struct {
	Version uint8
	Opcode  Opcode
	Payload []byte
	Tag     []byte
}

// Header returns the encoded header for a frame with the given payload length.
func Header(version uint8, op Opcode, length int) ([]byte, error) {
	layout, err := LayoutFor(version)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrLength, length, MaxPayloadBytes)
	}
	hdr := make([]byte, HeaderSize)
	hdr[0] = version
	hdr[1] = byte(op)
	layout.Order.PutUint16(hdr[2:], uint16(length))
	return hdr, nil
}

// Encode builds a plaintext frame whose tag is the checksum of header and payload.
func Encode(op Opcode, payload []byte, version uint8) (Frame, error) {
	if !op.Known() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(op))
	}
	hdr, err := Header(version, op, len(payload))
	if err != nil {
		return Frame{}, err
	}
	layout, _ := LayoutFor(version)
	f := Frame{
		Version: version,
		Opcode:  op,
		Payload: bytes.Clone(payload),
	}
	f.Tag = checksum(layout, hdr, f.Payload)
	return f, nil
}

// Marshal serializes the frame to wire bytes.
func (f Frame) Marshal() ([]byte, error) {
	hdr, err := Header(f.Version, f.Opcode, len(f.Payload))
	if err != nil {
		return nil, err
	}
	layout, _ := LayoutFor(f.Version)
	if len(f.Tag) != layout.TagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes, got %d", ErrFormat, layout.TagSize, len(f.Tag))
	}
	buf := make([]byte, 0, HeaderSize+len(f.Payload)+len(f.Tag))
	buf = append(buf, hdr...)
	buf = append(buf, f.Payload...)
	buf = append(buf, f.Tag...)
	return buf, nil
}

// HeaderBytes returns the header of f as it appears on the wire.
func (f Frame) HeaderBytes() ([]byte, error) {
	return Header(f.Version, f.Opcode, len(f.Payload))
}

// VerifyChecksum validates the integrity of a plaintext frame.
func (f Frame) VerifyChecksum() error {
	layout, err := LayoutFor(f.Version)
	if err != nil {
		return err
	}
	hdr, err := f.HeaderBytes()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(checksum(layout, hdr, f.Payload), f.Tag) != 1 {
		return ErrChecksum
	}
	return nil
}

// Decode parses wire bytes into a frame. It validates structure only; the
// caller must verify the tag (VerifyChecksum or the crypto package) before
// trusting the payload.
func Decode(data []byte) (Frame, error) {
	size, err := FrameSize(data)
	if err != nil {
		return Frame{}, err
	}
	if len(data) != size {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, got %d", ErrLength, size, len(data))
	}
	layout, _ := LayoutFor(data[0])
	end := len(data) - layout.TagSize
	return Frame{
		Version: data[0],
		Opcode:  Opcode(data[1]),
		Payload: bytes.Clone(data[HeaderSize:end]),
		Tag:     bytes.Clone(data[end:]),
	}, nil
}

// FrameSize returns the total wire size of the frame whose header starts data.
func FrameSize(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes, need at least %d", ErrFormat, len(data), HeaderSize)
	}
	layout, err := LayoutFor(data[0])
	if err != nil {
		return 0, err
	}
	if op := Opcode(data[1]); !op.Known() {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(op))
	}
	length := int(layout.Order.Uint16(data[2:HeaderSize]))
	if length > MaxPayloadBytes {
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrLength, length, MaxPayloadBytes)
	}
	return HeaderSize + length + layout.TagSize, nil
}

func checksum(layout Layout, hdr, payload []byte) []byte {
	h := sha256.New()
	h.Write(hdr)
	h.Write(payload)
	return h.Sum(nil)[:layout.TagSize]
}
