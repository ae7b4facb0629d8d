// Package ble drives a single Bluetooth Low Energy peripheral: it owns the
// connection lifecycle, discovers the GATT topology, classifies the target
// service's characteristics into capability-bound channels and demultiplexes
// notifications to them.
package ble

import "context"

// DefaultFrameSize is the transport frame size requested during calibration.
const DefaultFrameSize = 500

// CharacteristicInfo is one entry of a discovery pass as reported by a Radio.
type CharacteristicInfo struct {
	Service        string
	Characteristic string
	Capabilities   Capability
}

// RadioEventKind distinguishes the asynchronous events a Radio reports.
type RadioEventKind int

const (
	// RadioNotification carries a characteristic value pushed by the peripheral.
	RadioNotification RadioEventKind = iota
	// RadioLinkLost reports that the physical link to Address dropped.
	RadioLinkLost
)

// RadioEvent is delivered on the channel returned by Radio.Events. Events are
// unordered across characteristics and FIFO within one characteristic.
type RadioEvent struct {
	Kind           RadioEventKind
	Address        string
	Service        string
	Characteristic string
	Value          []byte
}

// Radio abstracts the BLE stack. Every blocking call honours ctx.
type Radio interface {
	// Connect opens the physical link to address.
	Connect(ctx context.Context, address string) error
	// Disconnect closes the physical link to address.
	Disconnect(ctx context.Context, address string) error
	// IsConnected reports whether the link to address is up. Stack errors
	// are reported as false.
	IsConnected(ctx context.Context, address string) bool
	// Discover enumerates every characteristic of every service on address.
	Discover(ctx context.Context, address string) ([]CharacteristicInfo, error)
	// RequestFrameSize asks for a larger transport frame (MTU).
	RequestFrameSize(ctx context.Context, address string, size int) error
	// Read returns the current value of a characteristic.
	Read(ctx context.Context, address, service, characteristic string) ([]byte, error)
	// Write stores data into a characteristic.
	Write(ctx context.Context, address, service, characteristic string, data []byte) error
	// Subscribe enables notifications; values arrive on Events.
	Subscribe(ctx context.Context, address, service, characteristic string) error
	// Unsubscribe disables notifications.
	Unsubscribe(ctx context.Context, address, service, characteristic string) error
	// Events returns the stream of notifications and link-loss reports.
	Events() <-chan RadioEvent
}

// Permission is an operating-system capability the driver may need.
type Permission int

const (
	PermissionConnect Permission = iota
	PermissionScan
	PermissionLocation
)

func (p Permission) String() string {
	switch p {
	case PermissionConnect:
		return "connect"
	case PermissionScan:
		return "scan"
	case PermissionLocation:
		return "location"
	default:
		return "unknown"
	}
}

// PermissionGate answers whether a permission is granted. Authorize may
// prompt the user and block until they answer.
type PermissionGate interface {
	Authorize(ctx context.Context, p Permission) (bool, error)
}
