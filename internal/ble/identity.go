package ble

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/chaz8081/blelock/internal/ble/protocol"
)

// MAC is a 48-bit Bluetooth device address.
type MAC [6]byte

// ParseMAC accepts "d8714d0ce90f", "D8:71:4D:0C:E9:0F" and "d8-71-4d-0c-e9-0f".
// Matching is case-insensitive.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != 2*len(m) {
		return m, fmt.Errorf("ble: invalid MAC address %q", s)
	}
	if _, err := hex.Decode(m[:], []byte(clean)); err != nil {
		return m, fmt.Errorf("ble: invalid MAC address %q: %w", s, err)
	}
	return m, nil
}

// String formats the address as upper-case colon-separated hex.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Compact formats the address as lower-case hex without separators, the form
// used in topic names and API paths.
func (m MAC) Compact() string {
	return hex.EncodeToString(m[:])
}

// LockIdentity names one physical lock and the protocol it speaks.
type LockIdentity struct {
	MAC             MAC
	ProtocolVersion uint8
	KeyGroupID      uint32
}

// NewLockIdentity validates and builds a LockIdentity.
func NewLockIdentity(mac string, protocolVersion uint8, keyGroupID uint32) (LockIdentity, error) {
	m, err := ParseMAC(mac)
	if err != nil {
		return LockIdentity{}, err
	}
	id := LockIdentity{MAC: m, ProtocolVersion: protocolVersion, KeyGroupID: keyGroupID}
	if err := id.Validate(); err != nil {
		return LockIdentity{}, err
	}
	return id, nil
}

// Validate checks that the lock's protocol version is supported and that the
// key group fits that version's layout.
func (id LockIdentity) Validate() error {
	layout, err := protocol.LayoutFor(id.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("ble: lock %s: %w", id.MAC, err)
	}
	if layout.KeyGroupBytes == 2 && id.KeyGroupID > 0xFFFF {
		return fmt.Errorf("ble: lock %s: key group %d does not fit protocol version %d", id.MAC, id.KeyGroupID, id.ProtocolVersion)
	}
	return nil
}

func (id LockIdentity) String() string {
	return fmt.Sprintf("%s (v%d, group %d)", id.MAC, id.ProtocolVersion, id.KeyGroupID)
}
