package locksim

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
)

func testOptions() Options {
	return Options{
		MAC:             "AA:BB:CC:DD:EE:01",
		ProtocolVersion: 1,
		KeyGroupID:      7,
		AESKey:          bytes.Repeat([]byte{0x42}, 16),
		AuthCode:        []byte("20BD58D4"),
	}
}

func TestNewRejectsBadMAC(t *testing.T) {
	opts := testOptions()
	opts.MAC = "not-a-mac"
	if _, err := New(opts, nil); err == nil {
		t.Fatal("New() with bad MAC should return error")
	}
}

func TestNewRejectsVersionZero(t *testing.T) {
	opts := testOptions()
	opts.ProtocolVersion = 0
	if _, err := New(opts, nil); err == nil {
		t.Fatal("New() with protocol version 0 should return error")
	}
}

func TestScanAdvertisesClosed(t *testing.T) {
	lock, err := New(testOptions(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var got ble.Device
	err = lock.Scan(context.Background(), func(d ble.Device) bool {
		got = d
		return false
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if got.MAC != "AA:BB:CC:DD:EE:01" {
		t.Errorf("Device.MAC = %q, want AA:BB:CC:DD:EE:01", got.MAC)
	}
	if got.Name != "SimLock" {
		t.Errorf("Device.Name = %q, want SimLock", got.Name)
	}
	if got.ReportsOpen() {
		t.Error("fresh lock should not advertise open")
	}
	if lock.Scans() != 1 {
		t.Errorf("Scans() = %d, want 1", lock.Scans())
	}
}

func TestScanHiddenWaitsForContext(t *testing.T) {
	opts := testOptions()
	opts.NotAdvertising = true
	lock, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	found := false
	if err := lock.Scan(ctx, func(ble.Device) bool { found = true; return false }); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if found {
		t.Error("hidden lock should not be reported")
	}
}

func TestConnectErr(t *testing.T) {
	opts := testOptions()
	boom := errors.New("radio off")
	opts.ConnectErr = boom
	lock, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := lock.Connect(context.Background(), opts.MAC); !errors.Is(err, boom) {
		t.Errorf("Connect() error = %v, want %v", err, boom)
	}
	if lock.Connects() != 1 {
		t.Errorf("Connects() = %d, want 1", lock.Connects())
	}
}

func TestCollaboratorGrantsOwnLock(t *testing.T) {
	lock, err := New(testOptions(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	id, err := ble.NewLockIdentity("AA:BB:CC:DD:EE:01", 1, 7)
	if err != nil {
		t.Fatalf("NewLockIdentity() error = %v", err)
	}

	gate := authz.NewGate(lock.Collaborator(5*time.Second), nil)
	grant, err := gate.Authorize(context.Background(), "opaque-token", id, nil)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	defer grant.Zeroize()

	if grant.OpenDuration != 5*time.Second {
		t.Errorf("OpenDuration = %v, want 5s", grant.OpenDuration)
	}
	if grant.Key.Zeroized() {
		t.Error("granted key should be usable")
	}
}

func TestCollaboratorForbidsOtherLocks(t *testing.T) {
	lock, err := New(testOptions(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	other, err := ble.NewLockIdentity("AA:BB:CC:DD:EE:02", 1, 7)
	if err != nil {
		t.Fatalf("NewLockIdentity() error = %v", err)
	}

	_, err = lock.Collaborator(5*time.Second).RequestGrant(context.Background(), "t", authz.GrantRequest{Lock: other})
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("RequestGrant() error = %v, want *DeniedError", err)
	}
	if denied.Reason != authz.Forbidden {
		t.Errorf("Reason = %q, want %q", denied.Reason, authz.Forbidden)
	}
}
