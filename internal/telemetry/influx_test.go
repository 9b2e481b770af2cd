package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/handshake"
	"github.com/chaz8081/blelock/internal/unlock"
)

type mockWriter struct {
	points  []*write.Point
	flushed bool
}

func (w *mockWriter) WritePoint(p *write.Point) { w.points = append(w.points, p) }
func (w *mockWriter) Flush()                    { w.flushed = true }

func testMAC(t *testing.T) ble.MAC {
	t.Helper()
	mac, err := ble.ParseMAC("d8714d0ce90f")
	if err != nil {
		t.Fatalf("ParseMAC() error = %v", err)
	}
	return mac
}

func tagMap(p *write.Point) map[string]string {
	m := make(map[string]string)
	for _, tag := range p.TagList() {
		m[tag.Key] = tag.Value
	}
	return m
}

func fieldMap(p *write.Point) map[string]any {
	m := make(map[string]any)
	for _, f := range p.FieldList() {
		m[f.Key] = f.Value
	}
	return m
}

func TestAttemptPointSuccess(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := AttemptPoint(unlock.Result{
		Outcome:      unlock.Success,
		Action:       handshake.ActionUnlock,
		Lock:         testMAC(t),
		OpenDuration: 5 * time.Second,
		AttemptID:    uuid.New(),
		Attempts:     2,
		StartedAt:    started,
		Elapsed:      1500 * time.Millisecond,
	})

	if p.Name() != AttemptMeasurement {
		t.Errorf("Name() = %q, want %q", p.Name(), AttemptMeasurement)
	}
	if !p.Time().Equal(started) {
		t.Errorf("Time() = %v, want %v", p.Time(), started)
	}
	tags := tagMap(p)
	if tags["lock"] != "d8714d0ce90f" || tags["outcome"] != "success" || tags["action"] != "unlock" {
		t.Errorf("tags = %v", tags)
	}
	if _, ok := tags["kind"]; ok {
		t.Error("success point carries a kind tag")
	}
	fields := fieldMap(p)
	if fields["attempts"] != int64(2) || fields["elapsed_ms"] != int64(1500) || fields["success"] != true {
		t.Errorf("fields = %v", fields)
	}
}

func TestAttemptPointDenied(t *testing.T) {
	p := AttemptPoint(unlock.Result{
		Outcome:    unlock.Denied,
		Kind:       unlock.KindDenied,
		DenyReason: authz.OutOfRange,
		Lock:       testMAC(t),
	})
	tags := tagMap(p)
	if tags["kind"] != "denied" || tags["deny_reason"] != "out_of_range" {
		t.Errorf("tags = %v", tags)
	}
	if fieldMap(p)["success"] != false {
		t.Error("denied point reports success")
	}
}

func TestRecorderSink(t *testing.T) {
	w := &mockWriter{}
	r := &Recorder{writer: w}

	if err := r.AttemptFinished(context.Background(), unlock.Result{Lock: testMAC(t)}); err != nil {
		t.Fatalf("AttemptFinished() error = %v", err)
	}
	if err := r.LockLeftOpen(context.Background(), unlock.Warning{Lock: testMAC(t), Window: 5 * time.Second, At: time.Now()}); err != nil {
		t.Fatalf("LockLeftOpen() error = %v", err)
	}
	if len(w.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(w.points))
	}
	if w.points[1].Name() != WarningMeasurement {
		t.Errorf("warning point name = %q", w.points[1].Name())
	}
	r.Close()
	if !w.flushed {
		t.Error("Close() did not flush")
	}
}

func TestConnectDisabled(t *testing.T) {
	if _, err := Connect(Config{}, nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect(disabled) error = %v, want ErrDisabled", err)
	}
}
