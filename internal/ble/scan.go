package ble

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ScanForLocks lists devices advertising the lock service within timeout,
// strongest signal first. Each address appears once with its latest
// advertisement.
func ScanForLocks(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return scanLocks(ctx, adapter, timeout)
}

// ScanForLocks is the Transport form of the package-level ScanForLocks. It
// waits for any scan already in progress.
func (t *Transport) ScanForLocks(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	select {
	case t.scanSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxErr(ctx, "scan")
	}
	defer func() { <-t.scanSem }()

	return scanLocks(ctx, t.adapter, timeout)
}

func scanLocks(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	byMAC := make(map[MAC]Device)
	err := boundedScan(sctx, adapter, func(d Device) bool {
		if !d.LockService {
			return true
		}
		m, err := ParseMAC(d.MAC)
		if err != nil {
			return true
		}
		mu.Lock()
		byMAC[m] = d
		mu.Unlock()
		return true
	})
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ble: scan: %w", ctx.Err())
	}
	if err != nil && !errors.Is(err, errScanAbandoned) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(byMAC))
	for _, d := range byMAC {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b Device) int {
		if c := cmp.Compare(b.RSSI, a.RSSI); c != 0 {
			return c
		}
		return cmp.Compare(a.MAC, b.MAC)
	})
	return devices, nil
}

// scanStopGrace is how long a scan may run past its context before the
// caller stops waiting for the adapter.
const scanStopGrace = time.Second

var errScanAbandoned = errors.New("ble: adapter did not stop scanning")

// boundedScan runs adapter.Scan and returns within scanStopGrace of ctx
// ending, whether or not the adapter honours ctx. A ctx that is already done
// never reaches the adapter.
func boundedScan(ctx context.Context, adapter Adapter, onFound func(Device) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- adapter.Scan(ctx, onFound) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	t := time.NewTimer(scanStopGrace)
	defer t.Stop()
	select {
	case err := <-errCh:
		return err
	case <-t.C:
		return errScanAbandoned
	}
}
