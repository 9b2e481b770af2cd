// Package telemetry records attempt metrics in InfluxDB for dashboards:
// success rates per lock, handshake latency and retry counts.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/blelock/internal/unlock"
)

const (
	connectTimeout        = 10 * time.Second
	millisecondsPerSecond = 1000
)

var (
	ErrDisabled         = errors.New("telemetry: disabled in configuration")
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)

// Measurement names.
const (
	AttemptMeasurement = "unlock_attempt"
	WarningMeasurement = "lock_left_open"
)

// Config maps to the influxdb section of config.yaml.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// pointWriter is the part of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder writes one point per attempt and per warning. Writes are
// non-blocking and batched by the client. It implements unlock.Sink.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	log    *slog.Logger
}

var _ unlock.Sink = (*Recorder)(nil)

// Connect pings the server and returns a recorder on its non-blocking write API.
func Connect(cfg Config, log *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("[METRICS] Write failed", "error", err)
		}
	}()

	log.Info("[METRICS] Connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return &Recorder{client: client, writer: writeAPI, log: log}, nil
}

// AttemptPoint builds the point recorded for res.
func AttemptPoint(res unlock.Result) *write.Point {
	tags := map[string]string{
		"lock":    res.Lock.Compact(),
		"action":  res.Action.String(),
		"outcome": res.Outcome.String(),
	}
	if res.Kind != unlock.KindNone {
		tags["kind"] = string(res.Kind)
	}
	if res.DenyReason != "" {
		tags["deny_reason"] = string(res.DenyReason)
	}
	fields := map[string]any{
		"attempts":     res.Attempts,
		"elapsed_ms":   res.Elapsed.Milliseconds(),
		"open_seconds": int(res.OpenDuration / time.Second),
		"success":      res.Outcome == unlock.Success,
	}
	at := res.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(AttemptMeasurement, tags, fields, at)
}

// AttemptFinished queues the attempt point.
func (r *Recorder) AttemptFinished(_ context.Context, res unlock.Result) error {
	r.writer.WritePoint(AttemptPoint(res))
	return nil
}

// LockLeftOpen queues a warning point.
func (r *Recorder) LockLeftOpen(_ context.Context, w unlock.Warning) error {
	r.writer.WritePoint(write.NewPoint(WarningMeasurement,
		map[string]string{"lock": w.Lock.Compact()},
		map[string]any{"window_seconds": int(w.Window / time.Second)},
		w.At))
	return nil
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() {
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
