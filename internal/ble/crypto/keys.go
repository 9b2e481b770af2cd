package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-128 key size used for both lock keys and session keys.
	KeySize = 16
	// AuthCodeSize is the length of the per-lock auth code.
	AuthCodeSize = 8
	// NonceSize is the size of a handshake nonce.
	NonceSize = 16
)

const redacted = "[redacted]"

// sessionLabel prefixes the HKDF info so keys derived here cannot collide with
// another use of the same lock key.
var sessionLabel = []byte("blelock/session/v1")

// KeyMaterial holds the lock's AES key and auth code for exactly one attempt.
// It never renders its contents: fmt, %#v and slog all print [redacted].
// Call Zeroize as soon as the attempt ends.
type KeyMaterial struct {
	key      [KeySize]byte
	authCode [AuthCodeSize]byte
	zeroed   bool
}

// NewKeyMaterial copies aesKey and authCode into a new KeyMaterial. The caller
// still owns (and should scrub) its own slices.
func NewKeyMaterial(aesKey, authCode []byte) (*KeyMaterial, error) {
	if len(aesKey) != KeySize {
		return nil, fmt.Errorf("%w: aes key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(aesKey))
	}
	if len(authCode) != AuthCodeSize {
		return nil, fmt.Errorf("%w: auth code must be %d bytes, got %d", ErrInvalidKey, AuthCodeSize, len(authCode))
	}
	km := &KeyMaterial{}
	copy(km.key[:], aesKey)
	copy(km.authCode[:], authCode)
	return km, nil
}

// Zeroize overwrites the key and auth code. Safe to call more than once and
// on a nil receiver.
func (km *KeyMaterial) Zeroize() {
	if km == nil {
		return
	}
	clear(km.key[:])
	clear(km.authCode[:])
	km.zeroed = true
}

// Zeroized reports whether Zeroize has run.
func (km *KeyMaterial) Zeroized() bool {
	return km == nil || km.zeroed
}

func (km *KeyMaterial) String() string       { return redacted }
func (km *KeyMaterial) GoString() string     { return redacted }
func (km *KeyMaterial) LogValue() slog.Value { return slog.StringValue(redacted) }

// Format keeps every fmt verb, including %x and %+v, from reaching the key bytes.
func (km *KeyMaterial) Format(f fmt.State, _ rune) { _, _ = io.WriteString(f, redacted) }

// SessionKey is a key derived from KeyMaterial and a handshake nonce.
type SessionKey struct {
	b [KeySize]byte
}

// Zeroize overwrites the key.
func (k *SessionKey) Zeroize() {
	if k != nil {
		clear(k.b[:])
	}
}

func (k *SessionKey) String() string       { return redacted }
func (k *SessionKey) GoString() string     { return redacted }
func (k *SessionKey) LogValue() slog.Value { return slog.StringValue(redacted) }

// DeriveSessionKey derives a 16-byte key with HKDF-SHA256:
//
//	ikm  = lock AES key
//	salt = nonce (nil for the bootstrap key that seals CHALLENGE)
//	info = "blelock/session/v1" || auth code
//
// The auth code only ever enters the derivation; it is never put on the wire.
func DeriveSessionKey(km *KeyMaterial, nonce []byte) (*SessionKey, error) {
	if km.Zeroized() {
		return nil, ErrKeyZeroized
	}
	info := make([]byte, 0, len(sessionLabel)+AuthCodeSize)
	info = append(info, sessionLabel...)
	info = append(info, km.authCode[:]...)
	defer clear(info)

	sk := &SessionKey{}
	if _, err := io.ReadFull(hkdf.New(sha256.New, km.key[:], nonce, info), sk.b[:]); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return sk, nil
}

// NewNonce returns NonceSize bytes from crypto/rand.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("ble/crypto: random nonce: %w", err)
	}
	return n, nil
}
