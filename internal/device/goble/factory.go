package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the host controller (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test overriding as goble.DeviceFactory
var DeviceFactory = newPlatformDevice

// central is the subset of ble.Device the transport drives.
type central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// gattClient is the subset of ble.Client a link uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}
