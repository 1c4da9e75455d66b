// Package goble implements the device transport on top of github.com/go-ble/ble.
//
// Discovery is scan based: RequestDevice scans until an advertisement satisfies the
// request, Lookup reuses what earlier scans saw. Links wrap a ble.Client whose GATT
// profile is discovered once per connection.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
)

// Transport is a device.Transport and device.Scanner backed by the host controller.
type Transport struct {
	logger *logrus.Logger

	mu      sync.Mutex
	central central
	newDev  func() (ble.Device, error)
	dialFn  func(ctx context.Context, address string) (gattClient, error)

	// seen caches the latest advertisement per normalized address
	seen *hashmap.Map[string, device.Advertisement]
}

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Scanner   = (*Transport)(nil)
)

// NewTransport creates a transport. The controller is opened lazily on first use.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		logger: logger,
		newDev: DeviceFactory,
		seen:   hashmap.New[string, device.Advertisement](),
	}
	t.dialFn = t.dial
	return t
}

func newTransportWithCentral(c central, logger *logrus.Logger) *Transport {
	t := NewTransport(logger)
	t.central = c
	return t
}

func (t *Transport) controller() (central, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.central != nil {
		return t.central, nil
	}
	dev, err := t.newDev()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, device.NormalizeError(err)
	}
	t.central = dev
	return dev, nil
}

// Scan reports every advertisement until ctx is done.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	c, err := t.controller()
	if err != nil {
		return err
	}
	err = c.Scan(ctx, allowDup, func(a ble.Advertisement) {
		adv := convertAdvertisement(a)
		t.seen.Set(adv.Address, adv)
		handler(adv)
	})
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return device.NormalizeError(err)
}

// RequestDevice scans until an advertisement satisfies opts.
// A cancelled ctx yields device.ErrCancelled; an expired scan yields device.ErrNothingMatched.
func (t *Transport) RequestDevice(ctx context.Context, opts *device.RequestOptions) (device.Peripheral, error) {
	scanCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts != nil && opts.Timeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()
	scanCtx, stop := context.WithCancel(scanCtx)
	defer stop()

	var (
		once  sync.Once
		found *Peripheral
	)
	err := t.Scan(scanCtx, false, func(adv device.Advertisement) {
		if !adv.Connectable || !opts.Matches(adv.Name, adv.Services) {
			return
		}
		once.Do(func() {
			found = t.peripheral(adv)
			stop()
		})
	})

	if found != nil {
		t.logger.WithFields(logrus.Fields{
			"name":    found.Name(),
			"address": found.Address(),
		}).Info("Device selected")
		return found, nil
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, device.NormalizeError(ctx.Err())
	}
	return nil, device.ErrNothingMatched
}

// Lookup returns a peripheral for address, scanning for it when no earlier scan saw it.
// The scan is bounded by ctx only.
func (t *Transport) Lookup(ctx context.Context, address string) (device.Peripheral, error) {
	key := device.NormalizeAddress(address)
	if adv, ok := t.seen.Get(key); ok {
		return t.peripheral(adv), nil
	}

	t.logger.WithField("address", address).Debug("Address not cached, scanning for it")
	scanCtx, stop := context.WithCancel(ctx)
	defer stop()

	var found *Peripheral
	var once sync.Once
	if err := t.Scan(scanCtx, false, func(adv device.Advertisement) {
		if adv.Address != key {
			return
		}
		once.Do(func() {
			found = t.peripheral(adv)
			stop()
		})
	}); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrNothingMatched, address)
	}
	return found, nil
}

func (t *Transport) peripheral(adv device.Advertisement) *Peripheral {
	return &Peripheral{transport: t, adv: adv, logger: t.logger}
}

func (t *Transport) dial(ctx context.Context, address string) (gattClient, error) {
	c, err := t.controller()
	if err != nil {
		return nil, err
	}
	client, err := c.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func convertAdvertisement(a ble.Advertisement) device.Advertisement {
	adv := device.Advertisement{
		Name:             a.LocalName(),
		RSSI:             a.RSSI(),
		ManufacturerData: a.ManufacturerData(),
		Connectable:      a.Connectable(),
	}
	if addr := a.Addr(); addr != nil {
		adv.Address = device.NormalizeAddress(addr.String())
	}
	for _, u := range a.Services() {
		adv.Services = append(adv.Services, device.NormalizeUUID(u.String()))
	}
	return adv
}
