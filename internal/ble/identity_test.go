package ble

import "testing"

func TestParseMAC(t *testing.T) {
	want := MAC{0xd8, 0x71, 0x4d, 0x0c, 0xe9, 0x0f}
	for _, in := range []string{"d8714d0ce90f", "D8:71:4D:0C:E9:0F", "d8-71-4d-0c-e9-0f", " D8714D0CE90F "} {
		got, err := ParseMAC(in)
		if err != nil {
			t.Errorf("ParseMAC(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseMAC(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseMACInvalid(t *testing.T) {
	for _, in := range []string{"", "d8714d0ce9", "d8714d0ce90f00", "zz714d0ce90f"} {
		if _, err := ParseMAC(in); err == nil {
			t.Errorf("ParseMAC(%q) error = nil, want error", in)
		}
	}
}

func TestMACFormatting(t *testing.T) {
	m := MAC{0xd8, 0x71, 0x4d, 0x0c, 0xe9, 0x0f}
	if got := m.String(); got != "D8:71:4D:0C:E9:0F" {
		t.Errorf("String() = %q", got)
	}
	if got := m.Compact(); got != "d8714d0ce90f" {
		t.Errorf("Compact() = %q", got)
	}
}

func TestNewLockIdentity(t *testing.T) {
	tests := []struct {
		name     string
		version  uint8
		keyGroup uint32
		wantErr  bool
	}{
		{name: "current layout", version: 29, keyGroup: 900},
		{name: "legacy layout", version: 1, keyGroup: 900},
		{name: "legacy group overflow", version: 1, keyGroup: 0x10000, wantErr: true},
		{name: "wide group on current layout", version: 2, keyGroup: 0x10000},
		{name: "version zero", version: 0, keyGroup: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLockIdentity("d8714d0ce90f", tt.version, tt.keyGroup)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLockIdentity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
