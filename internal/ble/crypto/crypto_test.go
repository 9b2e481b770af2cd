package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/chaz8081/blelock/internal/ble/protocol"
)

func testKeyMaterial(t *testing.T) *KeyMaterial {
	t.Helper()
	km, err := NewKeyMaterial([]byte("vdsWrarnt3xyDMf8"), []byte("20BD58D4"))
	if err != nil {
		t.Fatalf("NewKeyMaterial() error = %v", err)
	}
	return km
}

// cipherPair returns a phone-side and lock-side cipher sharing one session key.
func cipherPair(t *testing.T, version uint8) (*Cipher, *Cipher) {
	t.Helper()
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}
	key, err := DeriveSessionKey(testKeyMaterial(t), nonce[:])
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	defer key.Zeroize()

	phone, err := NewCipher(key, version, Initiator)
	if err != nil {
		t.Fatalf("NewCipher(initiator) error = %v", err)
	}
	lock, err := NewCipher(key, version, Responder)
	if err != nil {
		t.Fatalf("NewCipher(responder) error = %v", err)
	}
	return phone, lock
}

func mustEncode(t *testing.T, op protocol.Opcode, payload []byte, version uint8) protocol.Frame {
	t.Helper()
	f, err := protocol.Encode(op, payload, version)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return f
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, version := range []uint8{1, 2, 29} {
		phone, lock := cipherPair(t, version)
		frame := mustEncode(t, protocol.OpUnlockCmd, []byte("open sesame"), version)

		wire, err := phone.Seal(frame)
		if err != nil {
			t.Fatalf("Seal(v%d) error = %v", version, err)
		}
		if bytes.Contains(wire, []byte("open sesame")) {
			t.Errorf("Seal(v%d) leaked plaintext on the wire", version)
		}
		got, err := lock.Open(wire)
		if err != nil {
			t.Fatalf("Open(v%d) error = %v", version, err)
		}
		if got.Opcode != frame.Opcode || got.Version != frame.Version ||
			!bytes.Equal(got.Payload, frame.Payload) || !bytes.Equal(got.Tag, frame.Tag) {
			t.Errorf("Open(Seal(f)) = %+v, want %+v", got, frame)
		}
	}
}

func TestSealUsesLayoutTagSize(t *testing.T) {
	phone, _ := cipherPair(t, 1)
	wire, err := phone.Seal(mustEncode(t, protocol.OpChallenge, make([]byte, NonceSize), 1))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if want := protocol.HeaderSize + counterSize + NonceSize + 12; len(wire) != want {
		t.Errorf("sealed v1 frame = %d bytes, want %d", len(wire), want)
	}
}

func TestOpenRejectsEveryBitFlip(t *testing.T) {
	phone, _ := cipherPair(t, 2)
	wire, err := phone.Seal(mustEncode(t, protocol.OpUnlockCmd, []byte{1, 2, 3, 4}, 2))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	for i := range len(wire) * 8 {
		_, lock := cipherPairFrom(t, phone)
		tampered := bytes.Clone(wire)
		tampered[i/8] ^= 1 << (i % 8)
		if _, err := lock.Open(tampered); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("Open(bit %d flipped) error = %v, want ErrAuthFailed", i, err)
		}
	}
}

// cipherPairFrom returns a fresh responder that shares phone's key. Only used by
// the tamper test, which needs a clean replay window per attempt.
func cipherPairFrom(t *testing.T, phone *Cipher) (*Cipher, *Cipher) {
	t.Helper()
	lock := &Cipher{aead: phone.aead, version: phone.version, sendDir: phone.recvDir, recvDir: phone.sendDir}
	return phone, lock
}

func TestOpenRejectsReplay(t *testing.T) {
	phone, lock := cipherPair(t, 2)
	wire, err := phone.Seal(mustEncode(t, protocol.OpUnlockCmd, []byte{9}, 2))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := lock.Open(wire); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	_, err = lock.Open(wire)
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("replayed Open() error = %v, want ErrReplay", err)
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("ErrReplay does not wrap ErrAuthFailed")
	}
}

func TestOpenRejectsOutOfOrderCounter(t *testing.T) {
	phone, lock := cipherPair(t, 2)
	first, _ := phone.Seal(mustEncode(t, protocol.OpChallenge, []byte{1}, 2))
	second, _ := phone.Seal(mustEncode(t, protocol.OpChallenge, []byte{2}, 2))
	if _, err := lock.Open(second); err != nil {
		t.Fatalf("Open(second) error = %v", err)
	}
	if _, err := lock.Open(first); !errors.Is(err, ErrReplay) {
		t.Errorf("Open(first after second) error = %v, want ErrReplay", err)
	}
}

func TestOpenRejectsOwnDirection(t *testing.T) {
	phone, _ := cipherPair(t, 2)
	wire, _ := phone.Seal(mustEncode(t, protocol.OpUnlockCmd, []byte{1}, 2))
	if _, err := phone.Open(wire); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Open(reflected frame) error = %v, want ErrAuthFailed", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	phone, _ := cipherPair(t, 2)
	_, otherLock := cipherPair(t, 2)
	wire, _ := phone.Seal(mustEncode(t, protocol.OpUnlockCmd, []byte{1}, 2))
	if _, err := otherLock.Open(wire); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Open(other session) error = %v, want ErrAuthFailed", err)
	}
}

func TestOpenRejectsVersionMismatch(t *testing.T) {
	phone, _ := cipherPair(t, 3)
	_, lock := cipherPair(t, 2)
	wire, _ := phone.Seal(mustEncode(t, protocol.OpUnlockAck, []byte{0, 0, 5}, 3))
	if _, err := lock.Open(wire); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Open(v3 frame on v2 cipher) error = %v, want ErrAuthFailed", err)
	}
}

func TestOpenMalformedWrapsFormat(t *testing.T) {
	_, lock := cipherPair(t, 2)
	_, err := lock.Open([]byte{2, 0x01})
	if !errors.Is(err, ErrAuthFailed) || !errors.Is(err, protocol.ErrFormat) {
		t.Errorf("Open(short) error = %v, want ErrAuthFailed and protocol.ErrFormat", err)
	}
}

func TestClosedCipher(t *testing.T) {
	phone, lock := cipherPair(t, 2)
	wire, _ := phone.Seal(mustEncode(t, protocol.OpChallenge, []byte{1}, 2))
	phone.Close()
	lock.Close()
	if _, err := phone.Seal(mustEncode(t, protocol.OpChallenge, []byte{1}, 2)); !errors.Is(err, ErrClosed) {
		t.Errorf("Seal() after Close error = %v, want ErrClosed", err)
	}
	if _, err := lock.Open(wire); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Open() after Close error = %v, want ErrAuthFailed", err)
	}
}

func TestDeriveSessionKey(t *testing.T) {
	km := testKeyMaterial(t)
	nonce := bytes.Repeat([]byte{0x42}, NonceSize)

	a, err := DeriveSessionKey(km, nonce)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	b, _ := DeriveSessionKey(km, nonce)
	if a.b != b.b {
		t.Error("DeriveSessionKey() is not deterministic")
	}

	other, _ := DeriveSessionKey(km, bytes.Repeat([]byte{0x43}, NonceSize))
	if a.b == other.b {
		t.Error("different nonces derived the same key")
	}

	bootstrap, _ := DeriveSessionKey(km, nil)
	if a.b == bootstrap.b {
		t.Error("bootstrap key equals session key")
	}

	otherCode, err := NewKeyMaterial([]byte("vdsWrarnt3xyDMf8"), []byte("20BD58D5"))
	if err != nil {
		t.Fatalf("NewKeyMaterial() error = %v", err)
	}
	c, _ := DeriveSessionKey(otherCode, nonce)
	if a.b == c.b {
		t.Error("auth code is not mixed into derivation")
	}
}

func TestDeriveAfterZeroize(t *testing.T) {
	km := testKeyMaterial(t)
	km.Zeroize()
	if _, err := DeriveSessionKey(km, nil); !errors.Is(err, ErrKeyZeroized) {
		t.Errorf("DeriveSessionKey(zeroized) error = %v, want ErrKeyZeroized", err)
	}
	if km.key != [KeySize]byte{} || km.authCode != [AuthCodeSize]byte{} {
		t.Error("Zeroize() left key bytes behind")
	}
	km.Zeroize()
	var nilKM *KeyMaterial
	nilKM.Zeroize()
}

func TestNewKeyMaterialValidates(t *testing.T) {
	tests := []struct {
		name     string
		key      []byte
		authCode []byte
	}{
		{name: "short key", key: []byte("short"), authCode: []byte("20BD58D4")},
		{name: "long key", key: bytes.Repeat([]byte{1}, 32), authCode: []byte("20BD58D4")},
		{name: "short auth code", key: []byte("vdsWrarnt3xyDMf8"), authCode: []byte("20BD")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKeyMaterial(tt.key, tt.authCode); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("NewKeyMaterial() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestNewKeyMaterialCopiesInput(t *testing.T) {
	key := []byte("vdsWrarnt3xyDMf8")
	km, err := NewKeyMaterial(key, []byte("20BD58D4"))
	if err != nil {
		t.Fatalf("NewKeyMaterial() error = %v", err)
	}
	clear(key)
	if km.key[0] != 'v' {
		t.Error("NewKeyMaterial() aliased the caller's key slice")
	}
}

func TestKeyMaterialNeverRenders(t *testing.T) {
	km := testKeyMaterial(t)
	for _, verb := range []string{"%v", "%+v", "%#v", "%s", "%x", "%q"} {
		if got := fmt.Sprintf(verb, km); strings.Contains(got, "vdsW") || strings.Contains(got, "7664") {
			t.Errorf("Sprintf(%s) = %q leaks key material", verb, got)
		}
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("attempt", "key", km)
	if strings.Contains(buf.String(), "vdsW") || !strings.Contains(buf.String(), "[redacted]") {
		t.Errorf("slog output = %q, want redacted key", buf.String())
	}
}

func TestNewNonceIsRandom(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}
	b, _ := NewNonce()
	if a == b {
		t.Error("NewNonce() returned the same nonce twice")
	}
}
