// Package ble finds locks over Bluetooth Low Energy, connects to them and
// moves protocol frames across the GATT link. The radio itself sits behind
// the Adapter interface so the rest of the package can be tested without one.
package ble

import "context"

// Default lock GATT UUIDs (Nordic UART service layout used by the lock
// firmware). Overridable through Options.
const (
	ServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Device is a single advertisement seen during a scan.
type Device struct {
	Name string
	MAC  string
	RSSI int
	// LockService is set when the advertisement lists the lock service UUID.
	LockService bool
	// ManufacturerData is the first manufacturer-specific data element, if any.
	ManufacturerData []byte
}

// ReportsOpen reports whether the lock's advertisement says the bolt is
// retracted. The lock firmware sets bit 0 of the first manufacturer data byte
// while open.
func (d Device) ReportsOpen() bool {
	return len(d.ManufacturerData) > 0 && d.ManufacturerData[0]&0x01 != 0
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan passes every advertisement to onFound until onFound returns false
	// or ctx is done. A cancelled scan is not an error.
	Scan(ctx context.Context, onFound func(Device) bool) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
