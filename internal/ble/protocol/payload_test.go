package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestCommandLayoutV1(t *testing.T) {
	cmd := Command{KeyGroupID: 0x0102, OpenSeconds: 5}
	cmd.LockNonce[0] = 0xAA

	got, err := cmd.Marshal(1)
	if err != nil {
		t.Fatalf("Marshal(v1) error = %v", err)
	}
	if len(got) != 2+NonceSize+2 {
		t.Fatalf("Marshal(v1) len = %d, want %d", len(got), 2+NonceSize+2)
	}
	if got[0] != 0x02 || got[1] != 0x01 {
		t.Errorf("key group bytes = %x, want little-endian 0201", got[:2])
	}
	if got[2] != 0xAA {
		t.Errorf("lock nonce not at offset 2: %x", got)
	}
	if tail := got[len(got)-2:]; !bytes.Equal(tail, []byte{0x05, 0x00}) {
		t.Errorf("open seconds bytes = %x, want 0500", tail)
	}

	back, err := ParseCommand(got, 1)
	if err != nil {
		t.Fatalf("ParseCommand(v1) error = %v", err)
	}
	if back != cmd {
		t.Errorf("ParseCommand(v1) = %+v, want %+v", back, cmd)
	}
}

func TestCommandLayoutV2(t *testing.T) {
	cmd := Command{KeyGroupID: 0x01020304, OpenSeconds: 300}
	got, err := cmd.Marshal(2)
	if err != nil {
		t.Fatalf("Marshal(v2) error = %v", err)
	}
	if !bytes.Equal(got[:4], []byte{1, 2, 3, 4}) {
		t.Errorf("key group bytes = %x, want big-endian 01020304", got[:4])
	}
	back, err := ParseCommand(got, 2)
	if err != nil {
		t.Fatalf("ParseCommand(v2) error = %v", err)
	}
	if back != cmd {
		t.Errorf("ParseCommand(v2) = %+v, want %+v", back, cmd)
	}
}

func TestCommandKeyGroupOverflowV1(t *testing.T) {
	_, err := Command{KeyGroupID: 0x10000}.Marshal(1)
	if !errors.Is(err, ErrFormat) {
		t.Errorf("Marshal(v1, 0x10000) error = %v, want ErrFormat", err)
	}
}

func TestParseCommandWrongVersionLength(t *testing.T) {
	v2, err := Command{KeyGroupID: 7}.Marshal(2)
	if err != nil {
		t.Fatalf("Marshal(v2) error = %v", err)
	}
	if _, err := ParseCommand(v2, 1); !errors.Is(err, ErrFormat) {
		t.Errorf("ParseCommand(v2 bytes as v1) error = %v, want ErrFormat", err)
	}
}

func TestChallengeAckRoundTrip(t *testing.T) {
	var ack ChallengeAck
	for i := range ack.Echo {
		ack.Echo[i] = byte(i)
		ack.LockNonce[i] = byte(0xF0 + i)
	}
	back, err := ParseChallengeAck(ack.Marshal())
	if err != nil {
		t.Fatalf("ParseChallengeAck() error = %v", err)
	}
	if back != ack {
		t.Errorf("ParseChallengeAck() = %+v, want %+v", back, ack)
	}
	if _, err := ParseChallengeAck(make([]byte, NonceSize)); !errors.Is(err, ErrFormat) {
		t.Errorf("ParseChallengeAck(short) error = %v, want ErrFormat", err)
	}
}

func TestAckRoundTrip(t *testing.T) {
	for _, version := range []uint8{1, 2} {
		ack := Ack{Status: StatusOK, OpenSeconds: 8}
		b, err := ack.Marshal(version)
		if err != nil {
			t.Fatalf("Marshal(v%d) error = %v", version, err)
		}
		back, err := ParseAck(b, version)
		if err != nil {
			t.Fatalf("ParseAck(v%d) error = %v", version, err)
		}
		if back != ack {
			t.Errorf("ParseAck(v%d) = %+v, want %+v", version, back, ack)
		}
	}
}

func TestParseErrorReport(t *testing.T) {
	rep, err := ParseErrorReport([]byte{0x09, 0xff})
	if err != nil {
		t.Fatalf("ParseErrorReport() error = %v", err)
	}
	if rep.Code != 0x09 {
		t.Errorf("Code = %d, want 9", rep.Code)
	}
	if _, err := ParseErrorReport(nil); !errors.Is(err, ErrFormat) {
		t.Errorf("ParseErrorReport(nil) error = %v, want ErrFormat", err)
	}
}
