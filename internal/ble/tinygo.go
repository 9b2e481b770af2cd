package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo.org/x/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS, WinRT on Windows).
//
// On macOS device addresses are CoreBluetooth UUIDs rather than MACs, and a
// device can only be connected after it has been seen in a scan. The adapter
// therefore caches the last seen bluetooth.Address per normalized address
// string and connects through that cache.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	service bluetooth.UUID

	// mu protects seen and connections.
	mu          sync.Mutex
	seen        map[string]bluetooth.Address
	connections map[string]*tinyGoConnection
}

// NewTinyGoAdapter creates an adapter on the default radio. serviceUUID is
// used to flag lock advertisements in scan results.
func NewTinyGoAdapter(serviceUUID string) (*TinyGoAdapter, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		service:     uuid,
		seen:        make(map[string]bluetooth.Address),
		connections: make(map[string]*tinyGoConnection),
	}, nil
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only disconnect signal tinygo offers;
	// route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := normalizeAddress(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, onFound func(Device) bool) error {
	if ctx.Err() != nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		// StopScan is a no-op until the scan has started, so keep asking.
		t := time.NewTicker(stopScanRetry)
		defer t.Stop()
		for {
			_ = a.adapter.StopScan()
			select {
			case <-done:
				return
			case <-t.C:
			}
		}
	}()

	var stopped atomic.Bool
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if stopped.Load() {
			return
		}
		mac := result.Address.String()
		a.mu.Lock()
		a.seen[normalizeAddress(mac)] = result.Address
		a.mu.Unlock()

		dev := Device{
			Name:        result.LocalName(),
			MAC:         mac,
			RSSI:        int(result.RSSI),
			LockService: result.HasServiceUUID(a.service),
		}
		if md := result.ManufacturerData(); len(md) > 0 {
			dev.ManufacturerData = append([]byte(nil), md[0].Data...)
		}
		if !onFound(dev) {
			stopped.Store(true)
			_ = adapter.StopScan()
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil && !stopped.Load() {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	id := normalizeAddress(mac)
	a.mu.Lock()
	addr, ok := a.seen[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: connect to %s: device not seen in a scan", mac)
	}

	// tinygo's Connect blocks with its own timeout and cannot be cancelled.
	// Wrap it so ctx still bounds the caller.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A late success must not leak a connection.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinyGoConnection{device: result.device}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*TinyGoAdapter)(nil)

// stopScanRetry paces StopScan calls while a cancelled scan winds down.
const stopScanRetry = 50 * time.Millisecond

// normalizeAddress makes MACs and CoreBluetooth UUIDs comparable regardless
// of case or separator style.
func normalizeAddress(s string) string {
	if m, err := ParseMAC(s); err == nil {
		return m.String()
	}
	return s
}

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
