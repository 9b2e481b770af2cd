// Package crypto seals and opens lock protocol frames: HKDF-SHA256 session key
// derivation, AES-128-GCM with the tag size of the frame layout, and a
// strictly increasing per-direction counter for replay rejection.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/chaz8081/blelock/internal/ble/protocol"
)

var (
	ErrInvalidKey       = errors.New("ble/crypto: invalid key material")
	ErrKeyZeroized      = errors.New("ble/crypto: key material already zeroized")
	ErrAuthFailed       = errors.New("ble/crypto: authentication failed")
	ErrReplay           = fmt.Errorf("%w: replayed counter", ErrAuthFailed)
	ErrClosed           = errors.New("ble/crypto: cipher closed")
	ErrCounterExhausted = errors.New("ble/crypto: send counter exhausted")
)

// counterSize is the length of the big-endian counter prefixed to every
// sealed payload.
const counterSize = 4

// Role selects the direction byte a Cipher seals with. The phone is the
// Initiator; the lock is the Responder.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// Cipher seals outgoing frames and opens incoming ones for a single
// handshake. It is safe for concurrent use.
type Cipher struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	version uint8
	sendDir byte
	recvDir byte
	sent    uint32 // last counter sealed
	seen    uint32 // highest counter accepted
}

// NewCipher builds an AES-128-GCM cipher for the given protocol version. The
// key is expanded immediately; the caller may zeroize it afterwards.
func NewCipher(key *SessionKey, version uint8, role Role) (*Cipher, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	layout, err := protocol.LayoutFor(version)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	block, err := aes.NewCipher(key.b[:])
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, layout.TagSize)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	c := &Cipher{aead: aead, version: version, sendDir: 0x01, recvDir: 0x02}
	if role == Responder {
		c.sendDir, c.recvDir = c.recvDir, c.sendDir
	}
	return c, nil
}

// Seal encrypts f and returns its wire bytes. The sealed payload is
// counter(4, big-endian) || ciphertext; the frame header is authenticated as
// associated data and the GCM tag fills the frame's tag field. f.Tag is
// ignored.
func (c *Cipher) Seal(f protocol.Frame) ([]byte, error) {
	if f.Version != c.version {
		return nil, fmt.Errorf("ble/crypto: seal: frame version %d, cipher version %d", f.Version, c.version)
	}
	if !f.Opcode.Known() {
		return nil, fmt.Errorf("ble/crypto: seal: %w", protocol.ErrUnknownOpcode)
	}
	hdr, err := protocol.Header(f.Version, f.Opcode, counterSize+len(f.Payload))
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: seal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, ErrClosed
	}
	if c.sent == math.MaxUint32 {
		return nil, ErrCounterExhausted
	}
	c.sent++
	ctr := c.sent

	sealed := c.aead.Seal(nil, gcmNonce(c.sendDir, ctr), f.Payload, hdr)
	split := len(sealed) - c.aead.Overhead()

	payload := make([]byte, counterSize+split)
	binary.BigEndian.PutUint32(payload, ctr)
	copy(payload[counterSize:], sealed[:split])

	out := protocol.Frame{Version: f.Version, Opcode: f.Opcode, Payload: payload, Tag: sealed[split:]}
	return out.Marshal()
}

// Open authenticates and decrypts raw wire bytes. It returns the plaintext
// frame exactly as protocol.Encode would build it. Every failure wraps
// ErrAuthFailed; structural failures additionally wrap protocol.ErrFormat,
// and a counter not strictly greater than the last accepted one wraps
// ErrReplay.
func (c *Cipher) Open(raw []byte) (protocol.Frame, error) {
	f, err := protocol.Decode(raw)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if f.Version != c.version {
		return protocol.Frame{}, fmt.Errorf("%w: frame version %d, expected %d", ErrAuthFailed, f.Version, c.version)
	}
	if len(f.Payload) < counterSize {
		return protocol.Frame{}, fmt.Errorf("%w: sealed payload of %d bytes has no counter", ErrAuthFailed, len(f.Payload))
	}
	hdr, err := f.HeaderBytes()
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	ctr := binary.BigEndian.Uint32(f.Payload)
	ct := f.Payload[counterSize:]

	sealed := make([]byte, 0, len(ct)+len(f.Tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, f.Tag...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrAuthFailed, ErrClosed)
	}
	plaintext, err := c.aead.Open(nil, gcmNonce(c.recvDir, ctr), sealed, hdr)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %s frame did not verify", ErrAuthFailed, f.Opcode)
	}
	if ctr <= c.seen {
		clear(plaintext)
		return protocol.Frame{}, fmt.Errorf("%w: counter %d, last accepted %d", ErrReplay, ctr, c.seen)
	}
	c.seen = ctr

	out, err := protocol.Encode(f.Opcode, plaintext, f.Version)
	clear(plaintext)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return out, nil
}

// Close releases the cipher. Seal and Open fail afterwards.
func (c *Cipher) Close() {
	c.mu.Lock()
	c.aead = nil
	c.mu.Unlock()
}

// gcmNonce builds the 12-byte GCM nonce: direction byte, seven zero bytes,
// then the big-endian counter.
func gcmNonce(dir byte, ctr uint32) []byte {
	n := make([]byte, 12)
	n[0] = dir
	binary.BigEndian.PutUint32(n[8:], ctr)
	return n
}
